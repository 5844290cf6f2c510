package audio

import (
	"context"
	"io"
	"math"
	"sync"
	"time"
)

// ToneDevice is a synthetic microphone producing a sine wave.
// A zero Duration produces samples until closed.
type ToneDevice struct {
	SampleRate int
	Frequency  float64
	Amplitude  float32
	Duration   time.Duration
	Realtime   bool
}

func (d *ToneDevice) Open(_ context.Context) (Stream, error) {
	rate := d.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	freq := d.Frequency
	if freq <= 0 {
		freq = 440
	}
	amp := d.Amplitude
	if amp == 0 {
		amp = 0.3
	}
	total := -1
	if d.Duration > 0 {
		total = int(d.Duration.Seconds() * float64(rate))
	}
	return &toneStream{
		rate:     rate,
		step:     2 * math.Pi * freq / float64(rate),
		amp:      amp,
		total:    total,
		realtime: d.Realtime,
		closed:   make(chan struct{}),
	}, nil
}

type toneStream struct {
	rate     int
	step     float64
	amp      float32
	total    int
	produced int
	realtime bool
	next     time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *toneStream) SampleRate() int { return s.rate }

func (s *toneStream) ReadBlock(dst []float32) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	n := len(dst)
	if s.total >= 0 {
		if remaining := s.total - s.produced; remaining < n {
			n = remaining
		}
		if n <= 0 {
			return 0, io.EOF
		}
	}
	if s.realtime {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.closed:
				timer.Stop()
				return 0, io.EOF
			}
		}
		s.next = s.next.Add(time.Duration(n) * time.Second / time.Duration(s.rate))
	}
	for i := 0; i < n; i++ {
		dst[i] = s.amp * float32(math.Sin(s.step*float64(s.produced+i)))
	}
	s.produced += n
	return n, nil
}

func (s *toneStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
