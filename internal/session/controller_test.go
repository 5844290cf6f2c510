package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/audio"
	"github.com/kannadanudi/nudi-dictation/internal/capability"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/kannadanudi/nudi-dictation/internal/recognition"
	"github.com/kannadanudi/nudi-dictation/internal/stt"
)

type hostEvent struct {
	session string
	kind    string
	value   string
	errKind protocol.ErrorKind
}

type recordingHost struct {
	ch chan hostEvent
}

func newRecordingHost() *recordingHost { return &recordingHost{ch: make(chan hostEvent, 64)} }

func (h *recordingHost) OnStatus(id, status string) {
	h.ch <- hostEvent{session: id, kind: "status", value: status}
}

func (h *recordingHost) OnResult(id, text string) {
	h.ch <- hostEvent{session: id, kind: "result", value: text}
}

func (h *recordingHost) OnError(id string, kind protocol.ErrorKind, msg string) {
	h.ch <- hostEvent{session: id, kind: "error", value: msg, errKind: kind}
}

func (h *recordingHost) next(t *testing.T) hostEvent {
	t.Helper()
	select {
	case ev := <-h.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for host event")
		return hostEvent{}
	}
}

func (h *recordingHost) expectStatus(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		ev := h.next(t)
		if ev.kind != "status" || ev.value != w {
			t.Fatalf("expected status %q, got %+v", w, ev)
		}
	}
}

func (h *recordingHost) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-h.ch:
		t.Fatalf("unexpected host event %+v", ev)
	case <-time.After(wait):
	}
}

func runController(t *testing.T, factory BackendFactory, host Host) *Controller {
	t.Helper()
	ids := 0
	c := NewController(factory, host, Options{
		NewSessionID: func() string { ids++; return fmt.Sprintf("s%d", ids) },
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.done
	})
	return c
}

type scriptedEngine struct {
	results []string
}

func (e *scriptedEngine) Run(ctx context.Context, _ string, emit func(recognition.EngineMessage)) error {
	emit(recognition.EngineMessage{Type: recognition.EngineStarted})
	for _, r := range e.results {
		emit(recognition.EngineMessage{Type: recognition.EngineResult, Text: r, Final: true})
	}
	<-ctx.Done()
	emit(recognition.EngineMessage{Type: recognition.EngineEnded})
	return nil
}

func nativeFactory(engine recognition.NativeEngine) BackendFactory {
	return func(id string) (recognition.Backend, error) {
		return recognition.Activate(capability.Probe{Mode: capability.ModeNative, NativeAvailable: true},
			recognition.Deps{SessionID: id, Engine: engine})
	}
}

func TestNativeSessionDeliversResultsInOrder(t *testing.T) {
	host := newRecordingHost()
	c := runController(t, nativeFactory(&scriptedEngine{results: []string{"ನಮಸ್ಕಾರ", "ಹೇಗಿದ್ದೀರಿ"}}), host)

	if err := c.Start(context.Background(), "kn-IN"); err != nil {
		t.Fatalf("start: %v", err)
	}
	host.expectStatus(t, StatusStarting, StatusListening)
	for _, want := range []string{"ನಮಸ್ಕಾರ", "ಹೇಗಿದ್ದೀರಿ"} {
		if ev := host.next(t); ev.kind != "result" || ev.value != want {
			t.Fatalf("expected result %q, got %+v", want, ev)
		}
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	host.expectStatus(t, StatusStopping, StatusIdle)
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	host := newRecordingHost()
	c := runController(t, nativeFactory(&scriptedEngine{}), host)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop while idle: %v", err)
	}
	host.none(t, 50*time.Millisecond)

	_ = c.Start(context.Background(), "kn-IN")
	host.expectStatus(t, StatusStarting, StatusListening)
	_ = c.Stop(context.Background())
	_ = c.Stop(context.Background())
	host.expectStatus(t, StatusStopping, StatusIdle)
	host.none(t, 50*time.Millisecond)
}

func TestModelLoadFailureEndsIdleWithoutListening(t *testing.T) {
	host := newRecordingHost()
	worker := stt.NewWorker(context.Background(), stt.NewModel(func(context.Context) (stt.Recognizer, error) {
		return nil, errors.New("model weights missing")
	}), stt.Options{}, nil)
	worker.Start()
	t.Cleanup(worker.Close)

	factory := func(id string) (recognition.Backend, error) {
		return recognition.Activate(capability.Probe{Mode: capability.ModeFallback, WorkerAvailable: true}, recognition.Deps{
			SessionID:  id,
			Device:     &audio.ToneDevice{SampleRate: 44100, Realtime: true},
			Worker:     worker,
			Interval:   time.Hour,
			TargetRate: 16000,
		})
	}
	c := runController(t, factory, host)
	if err := c.Start(context.Background(), "kn-IN"); err != nil {
		t.Fatalf("start: %v", err)
	}
	host.expectStatus(t, StatusStarting)
	ev := host.next(t)
	if ev.kind != "error" || ev.errKind != protocol.KindModelLoadError {
		t.Fatalf("expected ModelLoadError, got %+v", ev)
	}
	host.expectStatus(t, StatusIdle)
	host.none(t, 50*time.Millisecond)
}

func TestUnsupportedBackendReportsError(t *testing.T) {
	host := newRecordingHost()
	c := runController(t, func(id string) (recognition.Backend, error) {
		return recognition.Activate(capability.Probe{Mode: capability.ModeFallback}, recognition.Deps{SessionID: id})
	}, host)
	err := c.Start(context.Background(), "kn-IN")
	if !errors.Is(err, protocol.ErrBackendUnsupported) {
		t.Fatalf("expected BackendUnsupported, got %v", err)
	}
	if ev := host.next(t); ev.kind != "error" || ev.errKind != protocol.KindBackendUnsupported {
		t.Fatalf("expected error event, got %+v", ev)
	}
	if c.State() != Idle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

// fakeBackend records lifecycle calls so tests can check ordering.
type fakeBackend struct {
	id  string
	log *callLog

	mu   sync.Mutex
	emit func(recognition.Event)
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (b *fakeBackend) Mode() capability.Mode { return capability.ModeFallback }

func (b *fakeBackend) Start(_ context.Context, lang string, emit func(recognition.Event)) error {
	b.log.add("start " + b.id + " " + lang)
	b.mu.Lock()
	b.emit = emit
	b.mu.Unlock()
	emit(recognition.Event{Type: recognition.EventListening})
	return nil
}

func (b *fakeBackend) Stop(context.Context) error {
	b.log.add("stop " + b.id)
	return nil
}

func (b *fakeBackend) send(ev recognition.Event) {
	b.mu.Lock()
	emit := b.emit
	b.mu.Unlock()
	emit(ev)
}

func TestRestartStopsOldSessionFirstAndDropsStaleResults(t *testing.T) {
	host := newRecordingHost()
	log := &callLog{}
	backends := map[string]*fakeBackend{}
	var mu sync.Mutex
	c := runController(t, func(id string) (recognition.Backend, error) {
		b := &fakeBackend{id: id, log: log}
		mu.Lock()
		backends[id] = b
		mu.Unlock()
		return b, nil
	}, host)

	_ = c.Start(context.Background(), "kn-IN")
	host.expectStatus(t, StatusStarting, StatusListening)
	if err := c.Start(context.Background(), "en-IN"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	host.expectStatus(t, StatusStopping, StatusIdle, StatusStarting, StatusListening)

	calls := log.snapshot()
	want := []string{"start s1 kn-IN", "stop s1", "start s2 en-IN"}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}

	mu.Lock()
	old, current := backends["s1"], backends["s2"]
	mu.Unlock()
	old.send(recognition.Event{Type: recognition.EventResult, Text: "stale"})
	current.send(recognition.Event{Type: recognition.EventResult, Text: "fresh"})
	ev := host.next(t)
	if ev.kind != "result" || ev.value != "fresh" || ev.session != "s2" {
		t.Fatalf("expected only the current session's result, got %+v", ev)
	}
}

func TestChunkErrorKeepsListening(t *testing.T) {
	host := newRecordingHost()
	var backend *fakeBackend
	c := runController(t, func(id string) (recognition.Backend, error) {
		backend = &fakeBackend{id: id, log: &callLog{}}
		return backend, nil
	}, host)
	_ = c.Start(context.Background(), "")
	host.expectStatus(t, StatusStarting, StatusListening)

	backend.send(recognition.Event{Type: recognition.EventChunkError, Err: protocol.Errorf(protocol.KindTranscriptionError, "decode failed")})
	if ev := host.next(t); ev.kind != "error" || ev.errKind != protocol.KindTranscriptionError {
		t.Fatalf("expected transcription error, got %+v", ev)
	}
	backend.send(recognition.Event{Type: recognition.EventResult, Text: "ನಮಸ್ಕಾರ"})
	if ev := host.next(t); ev.kind != "result" {
		t.Fatalf("expected session to keep listening, got %+v", ev)
	}
	if c.State() != Listening {
		t.Fatalf("expected listening, got %s", c.State())
	}
}
