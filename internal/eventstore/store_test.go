package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/config"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	rec := NewRecorder(es, newLogger())
	rec.OnResult("s1", "ignored")
	rec.Close()
	if events, _ := es.ListSessionEvents(ctx, "s1", 10); len(events) != 0 {
		t.Fatalf("ephemeral store must not persist")
	}
}

func TestRecorderTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, newLogger())

	rec.OnStatus("s1", "starting")
	rec.OnStatus("s1", "listening")
	rec.OnResult("s1", "ನಮಸ್ಕಾರ")
	rec.OnError("s1", protocol.KindTranscriptionError, "decode failed")
	rec.OnResult("s1", "ಹೇಗಿದ್ದೀರಿ")
	rec.OnStatus("s1", "idle")
	rec.Close()
	rec.OnResult("s1", "after close")
	if rec.Dropped() != 1 {
		t.Fatalf("expected the post-close event to be dropped, got %d", rec.Dropped())
	}

	events, err := es.ListSessionEvents(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[3].Type != TypeError || events[3].ErrorKind != "TranscriptionError" {
		t.Fatalf("unexpected error event %+v", events[3])
	}
	text, err := es.Transcript(context.Background(), "s1")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if text != "ನಮಸ್ಕಾರ ಹೇಗಿದ್ದೀರಿ" {
		t.Fatalf("unexpected transcript %q", text)
	}

	sessions, err := es.RecentSessions(context.Background(), 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].EndedAt == nil {
		t.Fatalf("expected one ended session, got %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: TypeResult, Text: "ಹಳೆಯ"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestRecorderDoesNotBlockCallers(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := newRecorder(es, newLogger(), 4)
	gate := make(chan struct{})
	var written atomic.Int64
	rec.write = func(ctx context.Context, r record) error {
		<-gate
		written.Add(1)
		return rec.persist(ctx, r)
	}

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			rec.OnResult("s1", "ಪದ")
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("host callbacks blocked on a stalled write")
	}
	if rec.Dropped() == 0 {
		t.Fatal("expected overflow events to be dropped")
	}

	close(gate)
	rec.Close()
	if got := written.Load() + rec.Dropped(); got != 20 {
		t.Fatalf("expected every event written or dropped, got %d", got)
	}
	events, err := es.ListSessionEvents(context.Background(), "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(events)) != written.Load() {
		t.Fatalf("expected %d stored events, got %d", written.Load(), len(events))
	}
}
