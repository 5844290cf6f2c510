package session

import "github.com/kannadanudi/nudi-dictation/internal/protocol"

// Status values reported to hosts.
const (
	StatusStarting  = "starting"
	StatusListening = "listening"
	StatusStopping  = "stopping"
	StatusIdle      = "idle"
)

// Host receives the dictation stream. Calls come from the controller loop
// and must not block for long.
type Host interface {
	OnStatus(sessionID, status string)
	OnResult(sessionID, text string)
	OnError(sessionID string, kind protocol.ErrorKind, message string)
}

// Hosts fans events out to several hosts in order.
type Hosts []Host

func (hs Hosts) OnStatus(sessionID, status string) {
	for _, h := range hs {
		h.OnStatus(sessionID, status)
	}
}

func (hs Hosts) OnResult(sessionID, text string) {
	for _, h := range hs {
		h.OnResult(sessionID, text)
	}
}

func (hs Hosts) OnError(sessionID string, kind protocol.ErrorKind, message string) {
	for _, h := range hs {
		h.OnError(sessionID, kind, message)
	}
}
