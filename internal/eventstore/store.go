package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/config"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	_ "modernc.org/sqlite"
)

// Event types recorded on the dictation timeline.
const (
	TypeStatus = "status"
	TypeResult = "result"
	TypeError  = "error"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Status    string
	Text      string
	ErrorKind string
	Message   string
	CreatedAt time.Time
}

// Session summarizes one dictation session.
type Session struct {
	ID        string
	CreatedAt time.Time
	EndedAt   *time.Time
}

// Store wraps a SQLite-backed dictation timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    status TEXT,
    text TEXT,
    error_kind TEXT,
    message TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC())
	return err
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.clock().UTC(), sessionID)
	return err
}

// AppendEvent writes an event into the store, creating the session row when
// needed.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if err := s.AppendSession(ctx, evt.SessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, status, text, error_kind, message, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Status, evt.Text, evt.ErrorKind, evt.Message, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were recorded.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, status, text, error_kind, message, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var status, text, kind, message sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &status, &text, &kind, &message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status, e.Text, e.ErrorKind, e.Message = status.String, text.String, kind.String, message.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Transcript joins a session's recognized text in arrival order.
func (s *Store) Transcript(ctx context.Context, sessionID string) (string, error) {
	events, err := s.ListSessionEvents(ctx, sessionID, 10000)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, e := range events {
		if e.Type == TypeResult && e.Text != "" {
			parts = append(parts, e.Text)
		}
	}
	return strings.Join(parts, " "), nil
}

// RecentSessions lists the newest sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, created_at, ended_at FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var ended sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

// DefaultRecorderQueue bounds the events waiting to be written.
const DefaultRecorderQueue = 256

type record struct {
	evt Event
	end bool
}

// Recorder persists the controller's host stream. Host callbacks only
// enqueue; a single goroutine writes to the store in arrival order. When the
// queue is full new events are dropped with a warning.
type Recorder struct {
	store   *Store
	log     *slog.Logger
	timeout time.Duration
	write   func(context.Context, record) error

	mu      sync.RWMutex
	closed  bool
	queue   chan record
	done    chan struct{}
	dropped atomic.Int64
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return newRecorder(store, log, DefaultRecorderQueue)
}

func newRecorder(store *Store, log *slog.Logger, size int) *Recorder {
	r := &Recorder{
		store:   store,
		log:     log.With(slog.String("component", "event-recorder")),
		timeout: 2 * time.Second,
		queue:   make(chan record, size),
		done:    make(chan struct{}),
	}
	r.write = r.persist
	go r.run()
	return r
}

func (r *Recorder) OnStatus(sessionID, status string) {
	r.enqueue(record{evt: Event{SessionID: sessionID, Type: TypeStatus, Status: status}, end: status == "idle"})
}

func (r *Recorder) OnResult(sessionID, text string) {
	r.enqueue(record{evt: Event{SessionID: sessionID, Type: TypeResult, Text: text}})
}

func (r *Recorder) OnError(sessionID string, kind protocol.ErrorKind, message string) {
	r.enqueue(record{evt: Event{SessionID: sessionID, Type: TypeError, ErrorKind: string(kind), Message: message}})
}

// Dropped reports how many events were discarded because the queue was full
// or the recorder was closed.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) enqueue(rec record) {
	if rec.evt.SessionID == "" {
		return
	}
	rec.evt.CreatedAt = r.store.clock().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.log.Warn("event queue full, dropping event",
			slog.String("session_id", rec.evt.SessionID),
			slog.String("type", rec.evt.Type))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.write(ctx, rec); err != nil {
			r.log.Warn("failed to record event",
				slog.String("session_id", rec.evt.SessionID),
				slog.String("type", rec.evt.Type),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (r *Recorder) persist(ctx context.Context, rec record) error {
	if err := r.store.AppendEvent(ctx, rec.evt); err != nil {
		return err
	}
	if rec.end {
		return r.store.EndSession(ctx, rec.evt.SessionID)
	}
	return nil
}
