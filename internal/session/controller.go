// Package session owns the dictation lifecycle: at most one recognition
// session is active, and every host-visible transition happens on the
// controller's own goroutine.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/kannadanudi/nudi-dictation/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the controller lifecycle state.
type State int32

const (
	Idle State = iota
	Starting
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return StatusStarting
	case Listening:
		return StatusListening
	case Stopping:
		return StatusStopping
	default:
		return StatusIdle
	}
}

// ErrNotRunning is returned when commands are sent to a controller whose
// loop has exited.
var ErrNotRunning = errors.New("session controller not running")

// BackendFactory creates the backend for a new session.
type BackendFactory func(sessionID string) (recognition.Backend, error)

type Options struct {
	DefaultLanguage string
	StopTimeout     time.Duration
	NewSessionID    func() string
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
)

type command struct {
	kind     commandKind
	language string
	reply    chan error
}

type backendEvent struct {
	sessionID string
	event     recognition.Event
}

type activeSession struct {
	id       string
	language string
	backend  recognition.Backend
	state    State
}

// Controller serializes Start, Stop and backend events through one loop.
type Controller struct {
	factory BackendFactory
	host    Host
	opts    Options
	log     *slog.Logger

	commands chan command
	done     chan struct{}
	running  atomic.Bool
	state    atomic.Int32

	// Backend events land in an unbounded mailbox so a backend never blocks
	// on the loop, even while the loop waits in Backend.Stop.
	mailMu  sync.Mutex
	mailbox []backendEvent
	notify  chan struct{}

	active      *activeSession
	transitions metric.Int64Counter
}

func NewController(factory BackendFactory, host Host, opts Options, log *slog.Logger) *Controller {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "kn-IN"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 3 * time.Second
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		factory:  factory,
		host:     host,
		opts:     opts,
		log:      log.With(slog.String("component", "session-controller")),
		commands: make(chan command),
		done:     make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
	counter, err := otel.Meter("github.com/kannadanudi/nudi-dictation/session").Int64Counter(
		"nudi.session.transitions", metric.WithDescription("Dictation session state transitions"))
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		c.transitions = counter
	}
	return c
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Done is closed once Run has returned and the last session is torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start begins dictation in language, tearing down any active session first.
// It returns once the new session is Starting; Listening is reported later.
func (c *Controller) Start(ctx context.Context, language string) error {
	return c.send(ctx, command{kind: cmdStart, language: language})
}

// Stop ends the active session and returns once it is Idle. Stopping an idle
// controller does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdStop})
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes commands and backend events until ctx is done, then stops
// the active session.
func (c *Controller) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			if c.active != nil {
				c.teardown(true)
			}
			return
		case cmd := <-c.commands:
			switch cmd.kind {
			case cmdStart:
				cmd.reply <- c.handleStart(ctx, cmd.language)
			case cmdStop:
				if c.active != nil {
					c.teardown(true)
				}
				cmd.reply <- nil
			}
		case <-c.notify:
			for _, ev := range c.drain() {
				c.handleEvent(ev)
			}
		}
	}
}

func (c *Controller) handleStart(ctx context.Context, language string) error {
	if c.active != nil {
		c.teardown(true)
	}
	if language == "" {
		language = c.opts.DefaultLanguage
	}

	id := c.opts.NewSessionID()
	backend, err := c.factory(id)
	if err != nil {
		kind := protocol.KindOf(err, protocol.KindBackendUnsupported)
		c.log.Warn("dictation unavailable", slog.String("session_id", id), slog.String("error", err.Error()))
		c.host.OnError(id, kind, err.Error())
		return err
	}

	c.active = &activeSession{id: id, language: language, backend: backend}
	c.setState(Starting)
	c.log.Info("session starting",
		slog.String("session_id", id),
		slog.String("mode", string(backend.Mode())),
		slog.String("language", language))

	emit := func(ev recognition.Event) { c.post(backendEvent{sessionID: id, event: ev}) }
	go func() {
		if err := backend.Start(context.WithoutCancel(ctx), language, emit); err != nil {
			emit(recognition.Event{Type: recognition.EventError, Err: err})
		}
	}()
	return nil
}

func (c *Controller) handleEvent(be backendEvent) {
	s := c.active
	if s == nil || be.sessionID != s.id {
		return
	}
	ev := be.event
	switch ev.Type {
	case recognition.EventListening:
		if s.state == Starting {
			c.setState(Listening)
		}
	case recognition.EventResult:
		if s.state == Starting || s.state == Listening {
			c.host.OnResult(s.id, ev.Text)
		}
	case recognition.EventStatus:
		if ev.Status == protocol.WorkerProgress {
			c.log.Debug("model loading", slog.String("session_id", s.id), slog.Float64("progress", ev.Progress))
			break
		}
		c.log.Info("worker status", slog.String("session_id", s.id), slog.String("status", ev.Status))
	case recognition.EventChunkError:
		kind := protocol.KindOf(ev.Err, protocol.KindTranscriptionError)
		c.log.Warn("chunk failed", slog.String("session_id", s.id), slog.String("error", errString(ev.Err)))
		c.host.OnError(s.id, kind, errString(ev.Err))
	case recognition.EventError:
		kind := protocol.KindOf(ev.Err, protocol.KindTranscriptionError)
		c.log.Error("session failed", slog.String("session_id", s.id), slog.String("error", errString(ev.Err)))
		c.host.OnError(s.id, kind, errString(ev.Err))
		c.teardown(false)
	case recognition.EventEnded:
		c.log.Info("backend ended", slog.String("session_id", s.id))
		c.teardown(false)
	}
}

// teardown releases the active session. announce reports the intermediate
// stopping state; fatal paths go straight to idle.
func (c *Controller) teardown(announce bool) {
	s := c.active
	if announce {
		c.setState(Stopping)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	defer cancel()
	if err := s.backend.Stop(ctx); err != nil {
		c.log.Warn("backend stop failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
	}
	c.setState(Idle)
	c.active = nil
}

func (c *Controller) setState(state State) {
	s := c.active
	if s == nil || s.state == state && state != Idle {
		return
	}
	s.state = state
	c.state.Store(int32(state))
	if c.transitions != nil {
		c.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state.String())))
	}
	c.host.OnStatus(s.id, state.String())
}

func (c *Controller) post(ev backendEvent) {
	c.mailMu.Lock()
	c.mailbox = append(c.mailbox, ev)
	c.mailMu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) drain() []backendEvent {
	c.mailMu.Lock()
	defer c.mailMu.Unlock()
	out := c.mailbox
	c.mailbox = nil
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
