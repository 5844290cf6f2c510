package stt

import "context"

type progressKey struct{}

// WithProgress attaches a model load progress callback to ctx. Loaders
// report through ReportProgress.
func WithProgress(ctx context.Context, fn func(fraction float64)) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress passes fraction, clamped to [0,1], to the callback carried
// by ctx, if any.
func ReportProgress(ctx context.Context, fraction float64) {
	fn, ok := ctx.Value(progressKey{}).(func(float64))
	if !ok {
		return
	}
	fn(min(max(fraction, 0), 1))
}
