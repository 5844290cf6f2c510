package recognition

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/kannadanudi/nudi-dictation/internal/capability"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
)

// Engine message types.
const (
	EngineStarted = "started"
	EngineResult  = "result"
	EngineError   = "error"
	EngineEnded   = "ended"
)

// EngineMessage is one event from a native streaming recognizer.
type EngineMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

// NativeEngine is a platform speech recognizer running in continuous mode.
type NativeEngine interface {
	// Run recognizes language until ctx is done or the engine ends on its
	// own. It returns only after the engine has ended.
	Run(ctx context.Context, language string, emit func(EngineMessage)) error
}

// NativeBackend streams finals from a NativeEngine. Interim results are
// ignored.
type NativeBackend struct {
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	emit     func(Event)
	cancel   context.CancelFunc
	done     chan struct{}
	failed   bool
	stopping bool
}

func newNativeBackend(deps Deps) *NativeBackend {
	return &NativeBackend{
		deps: deps,
		log: deps.Log.With(
			slog.String("component", "native-backend"),
			slog.String("session_id", deps.SessionID)),
	}
}

func (b *NativeBackend) Mode() capability.Mode { return capability.ModeNative }

func (b *NativeBackend) Start(ctx context.Context, language string, emit func(Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil || b.stopping {
		return nil
	}
	// The engine runs until Stop, not until the caller's context ends.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.emit = emit
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		err := b.deps.Engine.Run(runCtx, language, b.handle)
		b.mu.Lock()
		stopping := b.stopping
		failed := b.failed
		b.mu.Unlock()
		if stopping {
			return
		}
		if err != nil && !failed {
			b.send(Event{Type: EventError, Err: protocol.Wrap(protocol.KindTranscriptionError, err)})
			return
		}
		if !failed {
			b.send(Event{Type: EventEnded})
		}
	}()
	return nil
}

// Stop asks the engine to end and waits for it to report "ended".
func (b *NativeBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		b.log.Info("native engine ended")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *NativeBackend) handle(msg EngineMessage) {
	switch msg.Type {
	case EngineStarted:
		b.send(Event{Type: EventListening})
	case EngineResult:
		text := strings.TrimSpace(msg.Text)
		if !msg.Final || text == "" {
			return
		}
		b.send(Event{Type: EventResult, Text: text})
	case EngineError:
		b.mu.Lock()
		b.failed = true
		b.mu.Unlock()
		b.send(Event{Type: EventError, Err: classifyEngineError(msg.Error)})
	case EngineEnded:
	}
}

func (b *NativeBackend) send(ev Event) {
	b.mu.Lock()
	emit := b.emit
	stopping := b.stopping
	b.mu.Unlock()
	if emit != nil && !stopping {
		emit(ev)
	}
}

// classifyEngineError maps engine error codes onto error kinds.
func classifyEngineError(code string) error {
	err := errors.New(code)
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "not-allowed", "service-not-allowed", "permission-denied":
		return &protocol.Error{Kind: protocol.KindPermissionDenied, Err: err}
	case "audio-capture", "device-unavailable":
		return &protocol.Error{Kind: protocol.KindDeviceUnavailable, Err: err}
	case "language-not-supported":
		return &protocol.Error{Kind: protocol.KindBackendUnsupported, Err: err}
	default:
		return &protocol.Error{Kind: protocol.KindTranscriptionError, Err: err}
	}
}
