package recognition

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/audio"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/kannadanudi/nudi-dictation/internal/stt"
)

// ChunkScheduler periodically drains the capture buffer into AudioChunks.
// Each chunk holds exactly the samples captured since the previous tick.
type ChunkScheduler struct {
	SessionID  string
	Language   string
	Buffer     *audio.SampleBuffer
	Port       stt.Port
	Interval   time.Duration
	SourceRate int
	TargetRate int
	// Ready gates submission on the worker having loaded its model.
	Ready func() bool
	// OnFatal receives errors that end the session.
	OnFatal   func(error)
	NewTicker NewTickerFunc
	Log       *slog.Logger

	mu      sync.Mutex
	seq     int
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// Start begins ticking. It is a no-op after Stop.
func (s *ChunkScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	newTicker := s.NewTicker
	if newTicker == nil {
		newTicker = NewRealTicker
	}
	ticker := newTicker(s.Interval)
	go s.loop(ticker)
}

// Stop cancels the ticker, waits for an in-progress tick and discards
// whatever audio is still buffered.
func (s *ChunkScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if started {
		close(s.stop)
		<-s.done
	}
	if n := s.Buffer.Discard(); n > 0 && s.Log != nil {
		s.Log.Debug("discarded partial chunk", slog.String("session_id", s.SessionID), slog.Int("samples", n))
	}
}

func (s *ChunkScheduler) loop(ticker Ticker) {
	defer close(s.done)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C():
			select {
			case <-s.stop:
				return
			default:
			}
			s.tick()
		}
	}
}

func (s *ChunkScheduler) tick() {
	if s.Ready != nil && !s.Ready() {
		return
	}
	if s.Buffer.Len() == 0 {
		return
	}
	samples := s.Buffer.Swap()
	if len(samples) == 0 {
		return
	}
	resampled, err := audio.Resample(samples, s.SourceRate, s.TargetRate)
	if err != nil {
		if s.OnFatal != nil {
			s.OnFatal(err)
		}
		return
	}

	s.seq++
	chunk := protocol.AudioChunk{
		SessionID:    s.SessionID,
		Sequence:     s.seq,
		Samples:      resampled,
		SampleRate:   s.TargetRate,
		LanguageHint: s.Language,
	}
	// Rejections come back as worker error messages for this chunk.
	if err := s.Port.Submit(context.Background(), chunk); err != nil && s.Log != nil {
		s.Log.Warn("chunk submission failed",
			slog.String("session_id", s.SessionID),
			slog.Int("sequence", chunk.Sequence),
			slog.String("error", err.Error()))
	}
}
