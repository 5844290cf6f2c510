package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/bus"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
)

// WorkerQueueGroup spreads warm requests across worker processes. The worker
// that answers a session's warm request transcribes all of its chunks.
const WorkerQueueGroup = "stt.workers"

const defaultWarmTimeout = 5 * time.Second

// Service exposes a Worker on the bus so controllers in other processes can
// reach it through a BusClient.
type Service struct {
	bus         *bus.Client
	worker      *Worker
	id          string
	subs        []*nats.Subscription
	unsubscribe func()
	ready       bool
}

// NewService serves worker under id, which must be unique among the workers
// sharing a bus.
func NewService(busClient *bus.Client, worker *Worker, id string) *Service {
	return &Service{bus: busClient, worker: worker, id: id}
}

// ID is the worker id announced in warm replies.
func (s *Service) ID() string {
	return s.id
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	chunkSub, err := conn.Subscribe(protocol.WorkerChunkSubject(s.id), s.handleChunk)
	if err != nil {
		return fmt.Errorf("subscribe worker chunks: %w", err)
	}
	s.subs = append(s.subs, chunkSub)

	warmSub, err := conn.QueueSubscribe(protocol.SubjectWorkerWarm, WorkerQueueGroup, s.handleWarm)
	if err != nil {
		s.Close()
		return fmt.Errorf("subscribe worker warm: %w", err)
	}
	s.subs = append(s.subs, warmSub)
	if err := conn.Flush(); err != nil {
		s.Close()
		return fmt.Errorf("flush worker subscriptions: %w", err)
	}

	s.unsubscribe = s.worker.Subscribe(s.publish)
	s.worker.Start()
	s.ready = true
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleChunk(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.bus.Logger().Warn("failed to decode audio chunk", slogError(err))
		return
	}
	// Rejections are reported to the controller as worker messages.
	_ = s.worker.Submit(context.Background(), chunk)
}

func (s *Service) handleWarm(msg *nats.Msg) {
	var req protocol.WarmRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Logger().Warn("failed to decode warm request", slogError(err))
		s.reply(msg, protocol.WarmReply{Error: err.Error()})
		return
	}
	// Reply before warming so the client pins the session ahead of the
	// first status message.
	s.reply(msg, protocol.WarmReply{Worker: s.id})
	if err := s.worker.Warm(context.Background(), req.SessionID); err != nil {
		s.bus.Logger().Warn("warm request failed", slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, rep protocol.WarmReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.bus.Logger().Warn("failed to answer warm request", slogError(err))
	}
}

func (s *Service) publish(msg protocol.WorkerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.bus.Logger().Warn("failed to marshal worker message", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectWorkerEvents, data); err != nil {
		s.bus.Logger().Warn("failed to publish worker message", slogError(err))
	}
}

// BusClient is a Port backed by remote Services. Each session is pinned to
// the worker that answered its warm request, so chunks stay in order on one
// worker.
type BusClient struct {
	bus         *bus.Client
	warmTimeout time.Duration

	mu     sync.Mutex
	pinned map[string]string
}

func NewBusClient(busClient *bus.Client) *BusClient {
	return &BusClient{bus: busClient, warmTimeout: defaultWarmTimeout, pinned: make(map[string]string)}
}

// Warm asks one worker to take the session and waits for its answer.
func (c *BusClient) Warm(ctx context.Context, sessionID string) error {
	data, err := json.Marshal(protocol.WarmRequest{SessionID: sessionID})
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.warmTimeout)
		defer cancel()
	}
	msg, err := c.bus.Conn().RequestWithContext(ctx, protocol.SubjectWorkerWarm, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return protocol.Errorf(protocol.KindModelLoadError, "no transcription worker available")
		}
		return protocol.Wrap(protocol.KindModelLoadError, fmt.Errorf("warm request: %w", err))
	}
	var rep protocol.WarmReply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return protocol.Wrap(protocol.KindModelLoadError, fmt.Errorf("decode warm reply: %w", err))
	}
	if rep.Error != "" || rep.Worker == "" {
		return protocol.Errorf(protocol.KindModelLoadError, "worker refused session: %s", rep.Error)
	}

	c.mu.Lock()
	// One controller drives at most one session; older pins are released.
	clear(c.pinned)
	c.pinned[sessionID] = rep.Worker
	c.mu.Unlock()
	c.bus.Logger().Debug("session pinned to worker",
		slog.String("session_id", sessionID), slog.String("worker", rep.Worker))
	return nil
}

// Worker reports the worker a session is pinned to.
func (c *BusClient) Worker(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pinned[sessionID]
	return w, ok
}

func (c *BusClient) Submit(_ context.Context, chunk protocol.AudioChunk) error {
	worker, ok := c.Worker(chunk.SessionID)
	if !ok {
		return protocol.Errorf(protocol.KindTranscriptionError, "session %s has no worker", chunk.SessionID)
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return protocol.Wrap(protocol.KindTranscriptionError, err)
	}
	if err := c.bus.Conn().Publish(protocol.WorkerChunkSubject(worker), data); err != nil {
		return protocol.Wrap(protocol.KindTranscriptionError, fmt.Errorf("publish chunk: %w", err))
	}
	return nil
}

func (c *BusClient) Subscribe(fn func(protocol.WorkerMessage)) func() {
	sub, err := c.bus.Conn().Subscribe(protocol.SubjectWorkerEvents, func(msg *nats.Msg) {
		var wm protocol.WorkerMessage
		if err := json.Unmarshal(msg.Data, &wm); err != nil {
			c.bus.Logger().Warn("failed to decode worker message", slogError(err))
			return
		}
		fn(wm)
	})
	if err != nil {
		c.bus.Logger().Error("subscribe worker events failed", slogError(err))
		return func() {}
	}
	return func() { _ = sub.Unsubscribe() }
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
