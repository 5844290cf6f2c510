package recognition

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kannadanudi/nudi-dictation/internal/audio"
	"github.com/kannadanudi/nudi-dictation/internal/capability"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
)

// FallbackBackend captures from the microphone and feeds periodic chunks to
// the transcription worker. It reports EventListening only once the
// microphone is open and the worker's model is ready.
type FallbackBackend struct {
	deps Deps
	log  *slog.Logger

	mu          sync.Mutex
	emit        func(Event)
	cancel      context.CancelFunc
	startDone   chan struct{}
	mic         *audio.Microphone
	buffer      *audio.SampleBuffer
	scheduler   *ChunkScheduler
	unsubscribe func()
	micOpen     bool
	modelReady  bool
	listening   bool
	stopped     bool
}

func newFallbackBackend(deps Deps) *FallbackBackend {
	if deps.BlockSize <= 0 {
		deps.BlockSize = audio.DefaultBlockSize
	}
	if deps.TargetRate <= 0 {
		deps.TargetRate = 16000
	}
	return &FallbackBackend{
		deps: deps,
		log: deps.Log.With(
			slog.String("component", "fallback-backend"),
			slog.String("session_id", deps.SessionID)),
	}
}

func (b *FallbackBackend) Mode() capability.Mode { return capability.ModeFallback }

func (b *FallbackBackend) Start(ctx context.Context, language string, emit func(Event)) error {
	b.mu.Lock()
	if b.stopped || b.startDone != nil {
		b.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.emit = emit
	b.startDone = make(chan struct{})
	b.buffer = audio.NewSampleBuffer(b.deps.BlockSize * 64)
	b.unsubscribe = b.deps.Worker.Subscribe(b.handleWorker)
	b.mu.Unlock()
	defer close(b.startDone)

	// Model load and microphone acquisition overlap.
	if err := b.deps.Worker.Warm(ctx, b.deps.SessionID); err != nil {
		return protocol.Wrap(protocol.KindModelLoadError, err)
	}

	mic, err := audio.Open(ctx, b.deps.Device, b.deps.BlockSize, b.log)
	if err != nil {
		if ctx.Err() != nil && b.isStopped() {
			return nil
		}
		return protocol.Wrap(protocol.KindDeviceUnavailable, err)
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		mic.Close()
		return nil
	}
	b.mic = mic
	b.scheduler = &ChunkScheduler{
		SessionID:  b.deps.SessionID,
		Language:   language,
		Buffer:     b.buffer,
		Port:       b.deps.Worker,
		Interval:   b.deps.Interval,
		SourceRate: mic.SampleRate(),
		TargetRate: b.deps.TargetRate,
		Ready:      b.ready,
		OnFatal:    b.fatal,
		NewTicker:  b.deps.NewTicker,
		Log:        b.log,
	}
	b.mu.Unlock()

	mic.OnFrame(func(block []float32, _ int) { b.buffer.Append(block) })
	mic.OnEnd(b.captureEnded)
	if err := mic.Start(); err != nil {
		return protocol.Wrap(protocol.KindDeviceUnavailable, err)
	}

	b.mu.Lock()
	b.micOpen = true
	b.mu.Unlock()
	b.log.Info("microphone open", slog.Int("sample_rate", mic.SampleRate()))
	b.maybeListening()
	return nil
}

func (b *FallbackBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cancel := b.cancel
	startDone := b.startDone
	unsubscribe := b.unsubscribe
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if startDone != nil {
		select {
		case <-startDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	b.mu.Lock()
	scheduler := b.scheduler
	mic := b.mic
	b.mu.Unlock()

	var errs []error
	if scheduler != nil {
		scheduler.Stop()
	} else if b.buffer != nil {
		b.buffer.Discard()
	}
	if mic != nil {
		errs = append(errs, mic.Close())
	}
	b.log.Info("fallback backend stopped")
	return errors.Join(errs...)
}

func (b *FallbackBackend) handleWorker(msg protocol.WorkerMessage) {
	if msg.SessionID != b.deps.SessionID {
		return
	}
	switch msg.Type {
	case protocol.WorkerStatus:
		if msg.Status == protocol.WorkerReady {
			b.mu.Lock()
			b.modelReady = true
			b.mu.Unlock()
			b.maybeListening()
			return
		}
		b.send(Event{Type: EventStatus, Status: msg.Status, Progress: msg.Progress})
	case protocol.WorkerResult:
		b.send(Event{Type: EventResult, Text: msg.Text})
	case protocol.WorkerError:
		err := &protocol.Error{Kind: msg.Kind, Err: errors.New(msg.Error)}
		if msg.Kind == protocol.KindModelLoadError {
			b.send(Event{Type: EventError, Err: err})
			return
		}
		if msg.Kind == "" {
			err.Kind = protocol.KindTranscriptionError
		}
		b.send(Event{Type: EventChunkError, Err: err})
	}
}

func (b *FallbackBackend) maybeListening() {
	b.mu.Lock()
	if !b.micOpen || !b.modelReady || b.listening || b.stopped {
		b.mu.Unlock()
		return
	}
	b.listening = true
	scheduler := b.scheduler
	b.mu.Unlock()

	scheduler.Start()
	b.send(Event{Type: EventListening})
}

func (b *FallbackBackend) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modelReady
}

func (b *FallbackBackend) captureEnded(err error) {
	if err != nil {
		b.send(Event{Type: EventError, Err: protocol.Wrap(protocol.KindDeviceUnavailable, err)})
		return
	}
	b.send(Event{Type: EventEnded})
}

func (b *FallbackBackend) fatal(err error) {
	b.send(Event{Type: EventError, Err: err})
}

func (b *FallbackBackend) send(ev Event) {
	b.mu.Lock()
	emit := b.emit
	stopped := b.stopped
	b.mu.Unlock()
	if emit != nil && !stopped {
		emit(ev)
	}
}

func (b *FallbackBackend) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}
