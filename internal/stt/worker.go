package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/config"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
)

// Port is how a controller reaches a transcription worker. Implementations
// never block the caller on transcription.
type Port interface {
	// Warm starts loading the model and reports "loading", "progress" and
	// "ready" status or a ModelLoadError tagged with sessionID.
	Warm(ctx context.Context, sessionID string) error
	// Submit hands a chunk to the worker. Ownership of chunk.Samples transfers.
	Submit(ctx context.Context, chunk protocol.AudioChunk) error
	// Subscribe registers a message callback. fn must not block.
	Subscribe(fn func(protocol.WorkerMessage)) (unsubscribe func())
}

// ErrWorkerClosed is returned when submitting to a closed worker.
var ErrWorkerClosed = errors.New("transcription worker closed")

type Options struct {
	QueueSize   int
	MaxContextS int
	Timeout     time.Duration
}

func OptionsFromConfig(cfg config.STTConfig) Options {
	return Options{
		QueueSize:   cfg.QueueSize,
		MaxContextS: cfg.MaxContextS,
		Timeout:     time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
}

// Worker transcribes chunks strictly one at a time in submission order.
type Worker struct {
	model *Model
	opts  Options
	log   *slog.Logger
	queue chan protocol.AudioChunk

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started sync.Once

	mu     sync.RWMutex
	subs   map[uint64]func(protocol.WorkerMessage)
	nextID uint64

	tracer  trace.Tracer
	chunks  metric.Int64Counter
	latency metric.Float64Histogram
}

func NewWorker(parent context.Context, model *Model, opts Options, log *slog.Logger) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.MaxContextS <= 0 {
		opts.MaxContextS = 30
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		model:  model,
		opts:   opts,
		log:    log.With(slog.String("component", "stt-worker")),
		queue:  make(chan protocol.AudioChunk, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]func(protocol.WorkerMessage)),
		tracer: otel.Tracer("github.com/kannadanudi/nudi-dictation/stt"),
	}
	if err := w.initMetrics(); err != nil {
		w.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return w
}

// Start launches the worker goroutine. It is safe to call more than once.
func (w *Worker) Start() {
	w.started.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Close stops the worker and waits for the in-flight chunk to finish.
// Queued chunks are dropped.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) Subscribe(fn func(protocol.WorkerMessage)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

func (w *Worker) Warm(_ context.Context, sessionID string) error {
	if w.ctx.Err() != nil {
		return ErrWorkerClosed
	}
	if w.model.Loaded() {
		w.emit(protocol.WorkerMessage{Type: protocol.WorkerStatus, SessionID: sessionID, Status: protocol.WorkerReady})
		return nil
	}
	w.emit(protocol.WorkerMessage{Type: protocol.WorkerStatus, SessionID: sessionID, Status: protocol.WorkerLoading})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if _, err := w.model.Get(w.loadContext(w.ctx, sessionID)); err != nil {
			w.log.Warn("model load failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			w.emit(errorMessage(sessionID, 0, protocol.KindModelLoadError, err))
			return
		}
		w.emit(protocol.WorkerMessage{Type: protocol.WorkerStatus, SessionID: sessionID, Status: protocol.WorkerReady})
	}()
	return nil
}

// Submit enqueues chunk without blocking. A full queue rejects the chunk
// with a TranscriptionError, reported both as the return value and as a
// message for that chunk.
func (w *Worker) Submit(_ context.Context, chunk protocol.AudioChunk) error {
	if w.ctx.Err() != nil {
		return ErrWorkerClosed
	}
	select {
	case w.queue <- chunk:
		return nil
	default:
	}
	err := protocol.Errorf(protocol.KindTranscriptionError, "queue full, chunk %d rejected", chunk.Sequence)
	w.record(w.ctx, "rejected", 0)
	w.emit(errorMessage(chunk.SessionID, chunk.Sequence, protocol.KindTranscriptionError, err))
	return err
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case chunk := <-w.queue:
			w.process(chunk)
		}
	}
}

func (w *Worker) process(chunk protocol.AudioChunk) {
	start := time.Now()
	ctx, span := w.tracer.Start(w.ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("session_id", chunk.SessionID),
		attribute.Int("sequence", chunk.Sequence),
		attribute.Int("samples", len(chunk.Samples)),
	))
	defer span.End()

	rec, err := w.model.Get(w.loadContext(ctx, chunk.SessionID))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.record(ctx, "load_error", time.Since(start))
		w.emit(errorMessage(chunk.SessionID, chunk.Sequence, protocol.KindModelLoadError, err))
		return
	}

	tctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()
	result, err := rec.Transcribe(tctx, Request{
		Samples:     chunk.Samples,
		SampleRate:  chunk.SampleRate,
		Language:    NormalizeLanguage(chunk.LanguageHint),
		MaxContextS: w.opts.MaxContextS,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.record(ctx, "error", time.Since(start))
		w.log.Warn("stt transcription failed",
			slog.String("session_id", chunk.SessionID),
			slog.Int("sequence", chunk.Sequence),
			slog.String("error", err.Error()))
		w.emit(errorMessage(chunk.SessionID, chunk.Sequence, protocol.KindTranscriptionError, err))
		return
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		w.record(ctx, "empty", time.Since(start))
		return
	}
	w.record(ctx, "ok", time.Since(start))
	w.emit(protocol.WorkerMessage{
		Type:      protocol.WorkerResult,
		SessionID: chunk.SessionID,
		Sequence:  chunk.Sequence,
		Text:      text,
		Final:     true,
	})
}

// loadContext reports model load progress to subscribers as status
// messages for sessionID.
func (w *Worker) loadContext(ctx context.Context, sessionID string) context.Context {
	return WithProgress(ctx, func(fraction float64) {
		w.emit(protocol.WorkerMessage{
			Type:      protocol.WorkerStatus,
			SessionID: sessionID,
			Status:    protocol.WorkerProgress,
			Progress:  fraction,
		})
	})
}

func (w *Worker) emit(msg protocol.WorkerMessage) {
	w.mu.RLock()
	subs := make([]func(protocol.WorkerMessage), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.RUnlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func errorMessage(sessionID string, sequence int, kind protocol.ErrorKind, err error) protocol.WorkerMessage {
	return protocol.WorkerMessage{
		Type:      protocol.WorkerError,
		SessionID: sessionID,
		Sequence:  sequence,
		Kind:      protocol.KindOf(err, kind),
		Error:     err.Error(),
	}
}

func (w *Worker) initMetrics() error {
	meter := otel.Meter("github.com/kannadanudi/nudi-dictation/stt")
	chunks, err := meter.Int64Counter("nudi.stt.chunks", metric.WithDescription("Audio chunks handled by the transcription worker"))
	if err != nil {
		return err
	}
	latency, err := meter.Float64Histogram("nudi.stt.latency", metric.WithDescription("Chunk transcription latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	w.chunks = chunks
	w.latency = latency
	return nil
}

func (w *Worker) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if w.chunks != nil {
		w.chunks.Add(ctx, 1, attrs)
	}
	if w.latency != nil && elapsed > 0 {
		w.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

// NormalizeLanguage reduces a BCP 47 hint to its primary language subtag
// ("kn-IN" becomes "kn"). Unknown or empty hints yield "" (auto-detect).
func NormalizeLanguage(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return ""
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	if s := base.String(); s != "und" {
		return s
	}
	return ""
}
