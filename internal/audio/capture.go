// Package audio captures microphone PCM and prepares it for transcription.
package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// DefaultBlockSize is the number of samples delivered per frame callback.
const DefaultBlockSize = 4096

// ErrNotStarted is returned when a microphone is used before Start.
var ErrNotStarted = errors.New("microphone not started")

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("microphone already started")

// Stream is an opened capture device producing mono float32 PCM in [-1, 1].
type Stream interface {
	// SampleRate is the device's native rate.
	SampleRate() int
	// ReadBlock fills dst and returns the number of samples written.
	// io.EOF marks the end of a finite source.
	ReadBlock(dst []float32) (int, error)
	Close() error
}

// Device opens capture streams. Open suspends until the platform grants or
// refuses access and fails with protocol.ErrPermissionDenied or
// protocol.ErrDeviceUnavailable.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// FrameFunc receives one block of samples at the device's native rate.
// The block is owned by the callback.
type FrameFunc func(block []float32, sampleRate int)

// Microphone pumps fixed-size blocks from a stream to registered callbacks
// on its own goroutine.
type Microphone struct {
	stream    Stream
	blockSize int
	log       *slog.Logger

	mu      sync.RWMutex
	frames  []FrameFunc
	onEnd   func(error)
	started bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open acquires the device. Frames are not delivered until Start.
func Open(ctx context.Context, dev Device, blockSize int, log *slog.Logger) (*Microphone, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	stream, err := dev.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &Microphone{
		stream:    stream,
		blockSize: blockSize,
		log:       log.With(slog.String("component", "microphone")),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// SampleRate reports the native rate of the underlying device.
func (m *Microphone) SampleRate() int {
	return m.stream.SampleRate()
}

// OnFrame registers a frame callback.
func (m *Microphone) OnFrame(fn FrameFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, fn)
}

// OnEnd registers a callback invoked once when the stream ends on its own.
// err is nil for a clean end of a finite source. It is not called after Close.
func (m *Microphone) OnEnd(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = fn
}

// Start begins delivering frames.
func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	select {
	case <-m.stop:
		return ErrNotStarted
	default:
	}
	m.started = true
	go m.pump()
	return nil
}

// Close stops the pump, releases the device and waits for the pump to exit.
// It is safe to call more than once.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.closeErr = m.stream.Close()
		m.mu.RLock()
		started := m.started
		m.mu.RUnlock()
		if started {
			<-m.done
		}
	})
	return m.closeErr
}

func (m *Microphone) pump() {
	defer close(m.done)
	rate := m.stream.SampleRate()
	for {
		block := make([]float32, m.blockSize)
		n, err := m.stream.ReadBlock(block)
		if m.stopped() {
			return
		}
		if n > 0 {
			m.dispatch(block[:n], rate)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				m.log.Warn("capture stream failed", slog.String("error", err.Error()))
			}
			m.mu.RLock()
			onEnd := m.onEnd
			m.mu.RUnlock()
			if onEnd != nil && !m.stopped() {
				onEnd(err)
			}
			return
		}
	}
}

func (m *Microphone) dispatch(block []float32, rate int) {
	m.mu.RLock()
	frames := m.frames
	m.mu.RUnlock()
	for _, fn := range frames {
		fn(block, rate)
	}
}

func (m *Microphone) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}
