// Package recognition implements the two dictation backends: a native
// streaming engine and the capture, chunk and transcribe fallback.
package recognition

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/audio"
	"github.com/kannadanudi/nudi-dictation/internal/capability"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/kannadanudi/nudi-dictation/internal/stt"
)

// EventType discriminates backend events.
type EventType int

const (
	// EventStatus is informational, e.g. the worker is loading its model.
	EventStatus EventType = iota
	// EventListening means audio is being captured and recognized.
	EventListening
	// EventResult carries one final recognized utterance.
	EventResult
	// EventChunkError is a non-fatal failure; the session keeps listening.
	EventChunkError
	// EventError is fatal; the session must end.
	EventError
	// EventEnded means the backend stopped on its own.
	EventEnded
)

// Event is emitted by a backend. Emit callbacks must not block.
type Event struct {
	Type   EventType
	Status string
	Text   string
	Err    error

	// Progress is the model load fraction for "progress" statuses.
	Progress float64
}

// Backend is one recognition session.
type Backend interface {
	Mode() capability.Mode
	// Start acquires resources and begins recognition. It may block while the
	// platform grants the microphone; Stop may be called concurrently.
	Start(ctx context.Context, language string, emit func(Event)) error
	// Stop releases everything and waits for the backend to wind down.
	// It is idempotent.
	Stop(ctx context.Context) error
}

// Ticker abstracts time.Ticker so tests can drive chunk boundaries.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewTickerFunc creates tickers.
type NewTickerFunc func(d time.Duration) Ticker

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

// NewRealTicker is the production ticker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

// Deps carries what either backend may need.
type Deps struct {
	SessionID string
	Log       *slog.Logger

	// Native.
	Engine NativeEngine

	// Fallback.
	Device     audio.Device
	BlockSize  int
	Worker     stt.Port
	Interval   time.Duration
	TargetRate int
	NewTicker  NewTickerFunc
}

// Activate is the single factory for backends. It fails with
// BackendUnsupported when the probed mode cannot be served.
func Activate(probe capability.Probe, deps Deps) (Backend, error) {
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch probe.Mode {
	case capability.ModeNative:
		if deps.Engine == nil {
			return nil, protocol.Errorf(protocol.KindBackendUnsupported, "native recognition requested but no engine is available")
		}
		return newNativeBackend(deps), nil
	case capability.ModeFallback:
		if deps.Worker == nil || !probe.WorkerAvailable {
			return nil, protocol.Errorf(protocol.KindBackendUnsupported, "no native engine and no transcription worker available")
		}
		if deps.Device == nil {
			return nil, protocol.Errorf(protocol.KindBackendUnsupported, "no capture device configured")
		}
		return newFallbackBackend(deps), nil
	default:
		return nil, protocol.Errorf(protocol.KindBackendUnsupported, "unknown recognition mode %q", probe.Mode)
	}
}
