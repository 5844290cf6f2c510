package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// AudioChunk is one bounded slice of captured audio handed to the transcription worker.
// The sender must not touch Samples after submitting the chunk.
type AudioChunk struct {
	SessionID    string
	Sequence     int
	Samples      []float32
	SampleRate   int
	LanguageHint string
}

type audioChunkWire struct {
	SessionID    string  `json:"session_id"`
	Sequence     int     `json:"sequence"`
	Samples      string  `json:"samples"`
	SampleRate   int     `json:"sample_rate"`
	LanguageHint *string `json:"language_hint"`
}

// MarshalJSON encodes samples as base64 little-endian float32.
func (c AudioChunk) MarshalJSON() ([]byte, error) {
	w := audioChunkWire{
		SessionID:  c.SessionID,
		Sequence:   c.Sequence,
		Samples:    base64.StdEncoding.EncodeToString(EncodeFloat32LE(c.Samples)),
		SampleRate: c.SampleRate,
	}
	if c.LanguageHint != "" {
		hint := c.LanguageHint
		w.LanguageHint = &hint
	}
	return json.Marshal(w)
}

func (c *AudioChunk) UnmarshalJSON(data []byte) error {
	var w audioChunkWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(w.Samples)
	if err != nil {
		return fmt.Errorf("decode samples: %w", err)
	}
	samples, err := DecodeFloat32LE(raw)
	if err != nil {
		return err
	}
	c.SessionID = w.SessionID
	c.Sequence = w.Sequence
	c.Samples = samples
	c.SampleRate = w.SampleRate
	c.LanguageHint = ""
	if w.LanguageHint != nil {
		c.LanguageHint = *w.LanguageHint
	}
	return nil
}

// EncodeFloat32LE packs samples as little-endian IEEE-754 float32.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DecodeFloat32LE is the inverse of EncodeFloat32LE.
func DecodeFloat32LE(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("float32 payload not aligned: %d bytes", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// WorkerMessageType discriminates worker to controller messages.
type WorkerMessageType string

const (
	WorkerStatus WorkerMessageType = "status"
	WorkerResult WorkerMessageType = "result"
	WorkerError  WorkerMessageType = "error"
)

// Worker status values carried by WorkerStatus messages.
const (
	WorkerLoading  = "loading"
	WorkerProgress = "progress"
	WorkerReady    = "ready"
)

// WorkerMessage is the typed union emitted by the transcription worker.
// SessionID is empty for status messages that are not tied to a session.
type WorkerMessage struct {
	Type      WorkerMessageType `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Sequence  int               `json:"sequence,omitempty"`
	Status    string            `json:"status,omitempty"`
	Text      string            `json:"text,omitempty"`
	Final     bool              `json:"final,omitempty"`
	Kind      ErrorKind         `json:"kind,omitempty"`
	Error     string            `json:"error,omitempty"`

	// Progress is the model load fraction in [0,1] for "progress" statuses.
	Progress float64 `json:"progress,omitempty"`
}

// WarmRequest asks a worker to begin loading its model.
type WarmRequest struct {
	SessionID string `json:"session_id"`
}

// WarmReply names the worker that took the session. All of the session's
// chunks go to that worker's chunk subject.
type WarmReply struct {
	Worker string `json:"worker,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ControlStart is the host request to begin dictation.
type ControlStart struct {
	Language string `json:"language"`
}

// SessionEvent is what the controller reports to hosts.
type SessionEvent struct {
	SessionID string    `json:"session_id,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Text      string    `json:"text,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectWorkerWarm   = "stt.worker.warm"
	SubjectWorkerEvents = "stt.worker.events"

	SubjectControlStart = "dictation.control.start"
	SubjectControlStop  = "dictation.control.stop"

	SubjectEventStatus = "dictation.event.status"
	SubjectEventResult = "dictation.event.result"
	SubjectEventError  = "dictation.event.error"
)

// WorkerChunkSubject is the subject a single worker reads chunks from.
func WorkerChunkSubject(worker string) string {
	return "stt.worker." + subjectToken(worker) + ".chunk"
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
