package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/protocol"
)

type funcRecognizer func(ctx context.Context, req Request) (TranscriptResult, error)

func (f funcRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	return f(ctx, req)
}

func collect(w *Worker) <-chan protocol.WorkerMessage {
	ch := make(chan protocol.WorkerMessage, 64)
	w.Subscribe(func(msg protocol.WorkerMessage) { ch <- msg })
	return ch
}

func next(t *testing.T, ch <-chan protocol.WorkerMessage) protocol.WorkerMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker message")
		return protocol.WorkerMessage{}
	}
}

func chunk(seq, samples int) protocol.AudioChunk {
	return protocol.AudioChunk{
		SessionID:    "s1",
		Sequence:     seq,
		Samples:      make([]float32, samples),
		SampleRate:   16000,
		LanguageHint: "kn-IN",
	}
}

func TestModelLoadsOnceForConcurrentCallers(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	m := NewModel(func(context.Context) (Recognizer, error) {
		loads.Add(1)
		<-release
		return NewMockRecognizer(), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Get(context.Background()); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if _, err := m.Get(context.Background()); err != nil {
		t.Fatalf("get after load: %v", err)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("expected one load, got %d", got)
	}
}

func TestModelRetriesAfterFailure(t *testing.T) {
	var calls int
	m := NewModel(func(context.Context) (Recognizer, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("weights missing")
		}
		return NewMockRecognizer(), nil
	})
	_, err := m.Get(context.Background())
	if !errors.Is(err, protocol.ErrModelLoad) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
	if m.Loaded() {
		t.Fatal("failed load must not be remembered")
	}
	if _, err := m.Get(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestWorkerProcessesInOrder(t *testing.T) {
	var langs []string
	rec := funcRecognizer(func(_ context.Context, req Request) (TranscriptResult, error) {
		langs = append(langs, req.Language)
		return TranscriptResult{Text: fmt.Sprintf("chunk-%d", len(req.Samples))}, nil
	})
	w := NewWorker(context.Background(), NewModel(func(context.Context) (Recognizer, error) { return rec, nil }), Options{QueueSize: 8}, nil)
	msgs := collect(w)
	w.Start()
	t.Cleanup(w.Close)

	for i := 1; i <= 3; i++ {
		if err := w.Submit(context.Background(), chunk(i, i*10)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i := 1; i <= 3; i++ {
		msg := next(t, msgs)
		if msg.Type != protocol.WorkerResult || msg.Sequence != i || msg.Text != fmt.Sprintf("chunk-%d", i*10) || !msg.Final {
			t.Fatalf("unexpected message %d: %+v", i, msg)
		}
	}
	for _, l := range langs {
		if l != "kn" {
			t.Fatalf("expected normalized language kn, got %q", l)
		}
	}
}

func TestWorkerSuppressesEmptyResults(t *testing.T) {
	rec := funcRecognizer(func(_ context.Context, req Request) (TranscriptResult, error) {
		if len(req.Samples) == 1 {
			return TranscriptResult{Text: "   "}, nil
		}
		return TranscriptResult{Text: "ನಮಸ್ಕಾರ"}, nil
	})
	w := NewWorker(context.Background(), NewModel(func(context.Context) (Recognizer, error) { return rec, nil }), Options{}, nil)
	msgs := collect(w)
	w.Start()
	t.Cleanup(w.Close)

	_ = w.Submit(context.Background(), chunk(1, 1))
	_ = w.Submit(context.Background(), chunk(2, 2))
	msg := next(t, msgs)
	if msg.Sequence != 2 || msg.Text != "ನಮಸ್ಕಾರ" {
		t.Fatalf("expected only the non-empty result, got %+v", msg)
	}
}

func TestWorkerRejectsWhenQueueFull(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	rec := funcRecognizer(func(context.Context, Request) (TranscriptResult, error) {
		entered <- struct{}{}
		<-release
		return TranscriptResult{Text: "ok"}, nil
	})
	w := NewWorker(context.Background(), NewModel(func(context.Context) (Recognizer, error) { return rec, nil }), Options{QueueSize: 1}, nil)
	msgs := collect(w)
	w.Start()
	t.Cleanup(func() {
		close(release)
		w.Close()
	})

	if err := w.Submit(context.Background(), chunk(1, 4)); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	<-entered
	if err := w.Submit(context.Background(), chunk(2, 4)); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	err := w.Submit(context.Background(), chunk(3, 4))
	if !errors.Is(err, protocol.ErrTranscription) {
		t.Fatalf("expected TranscriptionError, got %v", err)
	}
	msg := next(t, msgs)
	if msg.Type != protocol.WorkerError || msg.Sequence != 3 || msg.Kind != protocol.KindTranscriptionError {
		t.Fatalf("expected rejection message for chunk 3, got %+v", msg)
	}
}

func TestWorkerWarmReportsStatus(t *testing.T) {
	w := NewWorker(context.Background(), NewModel(func(context.Context) (Recognizer, error) {
		return NewMockRecognizer(), nil
	}), Options{}, nil)
	msgs := collect(w)
	w.Start()
	t.Cleanup(w.Close)

	if err := w.Warm(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if msg := next(t, msgs); msg.Status != protocol.WorkerLoading {
		t.Fatalf("expected loading, got %+v", msg)
	}
	if msg := next(t, msgs); msg.Status != protocol.WorkerReady || msg.SessionID != "s1" {
		t.Fatalf("expected ready for s1, got %+v", msg)
	}
	// A loaded model reports ready straight away.
	if err := w.Warm(context.Background(), "s2"); err != nil {
		t.Fatal(err)
	}
	if msg := next(t, msgs); msg.Status != protocol.WorkerReady || msg.SessionID != "s2" {
		t.Fatalf("expected immediate ready for s2, got %+v", msg)
	}
}

func TestWorkerWarmReportsLoadProgress(t *testing.T) {
	w := NewWorker(context.Background(), NewModel(func(ctx context.Context) (Recognizer, error) {
		ReportProgress(ctx, 0.5)
		ReportProgress(ctx, 2)
		return NewMockRecognizer(), nil
	}), Options{}, nil)
	msgs := collect(w)
	w.Start()
	t.Cleanup(w.Close)

	if err := w.Warm(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	want := []struct {
		status   string
		progress float64
	}{
		{protocol.WorkerLoading, 0},
		{protocol.WorkerProgress, 0.5},
		{protocol.WorkerProgress, 1},
		{protocol.WorkerReady, 0},
	}
	for _, exp := range want {
		msg := next(t, msgs)
		if msg.Type != protocol.WorkerStatus || msg.Status != exp.status || msg.Progress != exp.progress || msg.SessionID != "s1" {
			t.Fatalf("expected %s %.1f, got %+v", exp.status, exp.progress, msg)
		}
	}
}

func TestReportProgressWithoutCallback(t *testing.T) {
	// No callback attached is a no-op.
	ReportProgress(context.Background(), 0.3)
	var got []float64
	ctx := WithProgress(context.Background(), func(f float64) { got = append(got, f) })
	ReportProgress(ctx, -1)
	ReportProgress(ctx, 0.25)
	if len(got) != 2 || got[0] != 0 || got[1] != 0.25 {
		t.Fatalf("unexpected progress %v", got)
	}
}

func TestWorkerWarmFailure(t *testing.T) {
	w := NewWorker(context.Background(), NewModel(func(context.Context) (Recognizer, error) {
		return nil, errors.New("no weights")
	}), Options{}, nil)
	msgs := collect(w)
	w.Start()
	t.Cleanup(w.Close)

	_ = w.Warm(context.Background(), "s1")
	next(t, msgs) // loading
	msg := next(t, msgs)
	if msg.Type != protocol.WorkerError || msg.Kind != protocol.KindModelLoadError {
		t.Fatalf("expected ModelLoadError, got %+v", msg)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := map[string]string{
		"kn-IN": "kn",
		"kn":    "kn",
		"en-US": "en",
		"":      "",
		"!!":    "",
	}
	for in, want := range tests {
		if got := NormalizeLanguage(in); got != want {
			t.Fatalf("NormalizeLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
