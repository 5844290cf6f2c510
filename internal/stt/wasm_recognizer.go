package stt

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kannadanudi/nudi-dictation/internal/model"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
)

// wasmRecognizer runs a model compiled to WebAssembly inside wazero.
type wasmRecognizer struct {
	rt  *model.Runtime
	mod *model.Module
}

// NewWASMRecognizer loads the model described by manifestPath.
func NewWASMRecognizer(ctx context.Context, manifestPath string, log *slog.Logger) (Recognizer, error) {
	ReportProgress(ctx, 0)
	m, err := model.Load(manifestPath)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindModelLoadError, err)
	}
	ReportProgress(ctx, 0.1)
	rt, err := model.New(ctx, log)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindModelLoadError, err)
	}
	ReportProgress(ctx, 0.2)
	mod, err := rt.Load(ctx, m)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	ReportProgress(ctx, 1)
	return &wasmRecognizer{rt: rt, mod: mod}, nil
}

func (r *wasmRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	text, err := r.mod.Transcribe(ctx, req.Samples, req.Language, req.MaxContextS)
	if err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{Text: text}, nil
}

func (r *wasmRecognizer) Close(ctx context.Context) error {
	return errors.Join(r.mod.Close(ctx), r.rt.Close(ctx))
}
