package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (TranscriptResult, error) {
	if len(req.Samples) == 0 {
		return TranscriptResult{}, nil
	}
	lang := req.Language
	if lang == "" {
		lang = "auto"
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[%s transcript samples=%d]", lang, len(req.Samples)),
	}, nil
}
