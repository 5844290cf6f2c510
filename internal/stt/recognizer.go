package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kannadanudi/nudi-dictation/internal/config"
)

// Request is one transcription call. Samples are mono float32 at SampleRate.
type Request struct {
	Samples     []float32
	SampleRate  int
	Language    string
	MaxContextS int
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// NewRecognizerLoader returns the loader for the configured mode. Loading is
// deferred until the model is first needed.
func NewRecognizerLoader(cfg config.STTConfig, log *slog.Logger) (Loader, error) {
	switch cfg.Mode {
	case "", "mock":
		return func(context.Context) (Recognizer, error) {
			return NewMockRecognizer(), nil
		}, nil
	case "exec":
		rec, err := NewExecRecognizer(cfg)
		if err != nil {
			return nil, err
		}
		return func(context.Context) (Recognizer, error) { return rec, nil }, nil
	case "wasm":
		return func(ctx context.Context) (Recognizer, error) {
			return NewWASMRecognizer(ctx, cfg.Manifest, log)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
