// Package router bridges the session controller to its hosts: NATS control
// and event subjects, a WebSocket hub, and plain HTTP endpoints.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/bus"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
)

// EventStream is the JetStream stream that retains dictation events for
// late subscribers.
const EventStream = "DICTATION_EVENTS"

// Dictation is the controller surface the bridges drive.
type Dictation interface {
	Start(ctx context.Context, language string) error
	Stop(ctx context.Context) error
}

// Transcripts reads persisted session text. It may be nil.
type Transcripts interface {
	Transcript(ctx context.Context, sessionID string) (string, error)
}

type Options struct {
	// RetainEvents creates the JetStream stream for dictation.event.>.
	RetainEvents bool
	// CommandTimeout bounds a single Start or Stop issued by a host.
	CommandTimeout time.Duration
	Transcripts    Transcripts
}

// Service implements session.Host and fans every controller callback out to
// NATS and WebSocket clients.
type Service struct {
	dictation Dictation
	bus       *bus.Client
	opts      Options
	logger    *slog.Logger
	hub       *Hub

	subStart *nats.Subscription
	subStop  *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewService(parent context.Context, dictation Dictation, busClient *bus.Client, opts Options, logger *slog.Logger) *Service {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "router"))
	return &Service{
		dictation: dictation,
		bus:       busClient,
		opts:      opts,
		logger:    logger,
		hub:       NewHub(logger),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Hub exposes the WebSocket hub for tests and the HTTP mux.
func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	if s.opts.RetainEvents {
		s.ensureStream()
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControlStart, s.handleStart)
	if err != nil {
		return err
	}
	s.subStart = sub

	subStop, err := s.bus.Conn().Subscribe(protocol.SubjectControlStop, s.handleStop)
	if err != nil {
		_ = s.subStart.Drain()
		return err
	}
	s.subStop = subStop
	return s.bus.Conn().Flush()
}

func (s *Service) ensureStream() {
	js := s.bus.JetStream()
	if js == nil {
		return
	}
	_, err := js.StreamInfo(EventStream)
	if err == nil {
		return
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		s.logger.Warn("event stream lookup failed", slogError(err))
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     EventStream,
		Subjects: []string{"dictation.event.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		s.logger.Warn("failed to create event stream", slogError(err))
		return
	}
	s.logger.Info("event stream ready", slog.String("stream", EventStream))
}

func (s *Service) Close() {
	s.cancel()
	if s.subStart != nil {
		_ = s.subStart.Drain()
	}
	if s.subStop != nil {
		_ = s.subStop.Drain()
	}
	s.hub.Close()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.bus == nil || (s.subStart != nil && s.subStop != nil)
}

type controlReply struct {
	OK    bool   `json:"ok"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.ControlStart
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("router failed to decode start request", slogError(err))
			s.reply(msg, err)
			return
		}
	}
	s.reply(msg, s.start(req.Language))
}

func (s *Service) handleStop(msg *nats.Msg) {
	s.reply(msg, s.stop())
}

func (s *Service) start(language string) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.CommandTimeout)
	defer cancel()
	return s.dictation.Start(ctx, language)
}

func (s *Service) stop() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.CommandTimeout)
	defer cancel()
	return s.dictation.Stop(ctx)
}

func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(replyFor(err))
	if rerr := msg.Respond(data); rerr != nil {
		s.logger.Warn("router failed to reply", slogError(rerr))
	}
}

func replyFor(err error) controlReply {
	if err == nil {
		return controlReply{OK: true}
	}
	r := controlReply{Error: err.Error()}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		r.Kind = string(perr.Kind)
	}
	return r
}

func (s *Service) OnStatus(sessionID, status string) {
	s.publish(protocol.SubjectEventStatus, protocol.SessionEvent{SessionID: sessionID, Type: "status", Status: status})
}

func (s *Service) OnResult(sessionID, text string) {
	s.publish(protocol.SubjectEventResult, protocol.SessionEvent{SessionID: sessionID, Type: "result", Text: text})
}

func (s *Service) OnError(sessionID string, kind protocol.ErrorKind, message string) {
	s.publish(protocol.SubjectEventError, protocol.SessionEvent{SessionID: sessionID, Type: "error", Kind: string(kind), Message: message})
}

func (s *Service) publish(subject string, evt protocol.SessionEvent) {
	evt.Timestamp = time.Now().UTC()
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("router failed to encode event", slogError(err))
		return
	}
	s.hub.Broadcast(data)
	if s.bus == nil {
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("router failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
