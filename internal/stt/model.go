package stt

import (
	"context"
	"sync"

	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"golang.org/x/sync/singleflight"
)

// Loader creates a recognizer. It may be slow.
type Loader func(ctx context.Context) (Recognizer, error)

// Model lazily loads a recognizer once per process. Concurrent first callers
// share one load; a failed load is not remembered, so the next call retries.
type Model struct {
	load  Loader
	group singleflight.Group

	mu  sync.RWMutex
	rec Recognizer
}

func NewModel(load Loader) *Model {
	return &Model{load: load}
}

// Loaded reports whether the recognizer is already available.
func (m *Model) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec != nil
}

// Get returns the recognizer, loading it on first use. Errors are ModelLoadErrors.
func (m *Model) Get(ctx context.Context) (Recognizer, error) {
	m.mu.RLock()
	rec := m.rec
	m.mu.RUnlock()
	if rec != nil {
		return rec, nil
	}

	v, err, _ := m.group.Do("load", func() (any, error) {
		m.mu.RLock()
		existing := m.rec
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		// The load outlives any single caller's cancellation.
		rec, err := m.load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, protocol.Wrap(protocol.KindModelLoadError, err)
		}
		m.mu.Lock()
		m.rec = rec
		m.mu.Unlock()
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Recognizer), nil
}

// Close releases the recognizer if it holds resources.
func (m *Model) Close(ctx context.Context) error {
	m.mu.Lock()
	rec := m.rec
	m.rec = nil
	m.mu.Unlock()
	if c, ok := rec.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}
