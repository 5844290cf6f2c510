package audio

import "sync"

// SampleBuffer accumulates captured blocks until the chunk scheduler drains them.
// Append and Swap are mutually exclusive, so a drain never interleaves with a capture append.
type SampleBuffer struct {
	mu      sync.Mutex
	samples []float32
}

// NewSampleBuffer creates a buffer sized for roughly capacity samples.
func NewSampleBuffer(capacity int) *SampleBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &SampleBuffer{samples: make([]float32, 0, capacity)}
}

// Append copies block onto the end of the buffer.
func (b *SampleBuffer) Append(block []float32) {
	if len(block) == 0 {
		return
	}
	b.mu.Lock()
	b.samples = append(b.samples, block...)
	b.mu.Unlock()
}

// Swap hands out everything accumulated so far and leaves an empty buffer behind.
// The returned slice is owned by the caller.
func (b *SampleBuffer) Swap() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return nil
	}
	out := b.samples
	b.samples = make([]float32, 0, cap(out))
	return out
}

// Discard drops the buffered samples and reports how many were dropped.
func (b *SampleBuffer) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.samples)
	b.samples = b.samples[:0]
	return n
}

// Len returns the number of buffered samples.
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
