// Package model hosts speech models compiled to WebAssembly.
//
// A guest module exports its linear memory plus:
//
//	alloc(size i32) i32
//	transcribe(samples_ptr, sample_count, lang_ptr, lang_len, max_context_s i32) i64
//
// samples are 16 kHz mono little-endian float32. transcribe returns
// ptr<<32 | len of the UTF-8 transcript. The host provides env.host_log and
// env.host_error, both taking (ptr, len); a guest that calls host_error fails
// the current transcription with that message.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	DefaultEntrypoint = "transcribe"
	allocExport       = "alloc"
)

// Runtime wraps a wazero runtime for executing model modules.
type Runtime struct {
	rt  wazero.Runtime
	log *slog.Logger
}

// New creates a model runtime with the host module and WASI instantiated.
func New(ctx context.Context, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, log); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Runtime{rt: rt, log: log.With(slog.String("component", "model-runtime"))}, nil
}

// Close releases resources held by the runtime and every module it loaded.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Module is a loaded model instance. Calls are serialized since a guest
// instance has a single linear memory.
type Module struct {
	Manifest Manifest

	mu       sync.Mutex
	module   api.Module
	compiled wazero.CompiledModule
	alloc    api.Function
	entry    api.Function
}

// Load compiles and instantiates a model. Every failure is a ModelLoadError.
func (r *Runtime) Load(ctx context.Context, m Manifest) (*Module, error) {
	if r == nil || r.rt == nil {
		return nil, protocol.Errorf(protocol.KindModelLoadError, "runtime not initialized")
	}
	if err := Validate(m); err != nil {
		return nil, protocol.Wrap(protocol.KindModelLoadError, err)
	}
	wasmBytes, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindModelLoadError, fmt.Errorf("read wasm module: %w", err))
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindModelLoadError, fmt.Errorf("compile module: %w", err))
	}
	// Anonymous instances let the same model be loaded more than once.
	module, err := r.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		compiled.Close(ctx)
		return nil, protocol.Wrap(protocol.KindModelLoadError, fmt.Errorf("instantiate module: %w", err))
	}
	mod := &Module{Manifest: m, module: module, compiled: compiled}
	mod.alloc = module.ExportedFunction(allocExport)
	mod.entry = module.ExportedFunction(m.Runtime.Entrypoint)
	switch {
	case module.Memory() == nil:
		err = errors.New("module does not export memory")
	case mod.alloc == nil:
		err = fmt.Errorf("export %q not found", allocExport)
	case mod.entry == nil:
		err = fmt.Errorf("entrypoint %q not found", m.Runtime.Entrypoint)
	}
	if err != nil {
		mod.Close(ctx)
		return nil, protocol.Wrap(protocol.KindModelLoadError, err)
	}
	r.log.Info("model loaded",
		slog.String("name", m.Metadata.Name),
		slog.String("version", m.Metadata.Version))
	return mod, nil
}

// Close releases resources for the module.
func (m *Module) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.module != nil {
		errs = append(errs, m.module.Close(ctx))
	}
	if m.compiled != nil {
		errs = append(errs, m.compiled.Close(ctx))
	}
	return errors.Join(errs...)
}

// Transcribe runs the guest entrypoint over 16 kHz mono samples.
// Failures are TranscriptionErrors.
func (m *Module) Transcribe(ctx context.Context, samples []float32, language string, maxContextS int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := &callState{}
	ctx = context.WithValue(ctx, callStateKey{}, state)

	samplesPtr, err := m.write(ctx, protocol.EncodeFloat32LE(samples))
	if err != nil {
		return "", protocol.Wrap(protocol.KindTranscriptionError, err)
	}
	langPtr, err := m.write(ctx, []byte(language))
	if err != nil {
		return "", protocol.Wrap(protocol.KindTranscriptionError, err)
	}

	results, err := m.entry.Call(ctx,
		api.EncodeU32(samplesPtr), api.EncodeU32(uint32(len(samples))),
		api.EncodeU32(langPtr), api.EncodeU32(uint32(len(language))),
		api.EncodeU32(uint32(maxContextS)))
	if err != nil {
		return "", protocol.Wrap(protocol.KindTranscriptionError, fmt.Errorf("call %s: %w", m.Manifest.Runtime.Entrypoint, err))
	}
	if state.err != "" {
		return "", protocol.Errorf(protocol.KindTranscriptionError, "model: %s", state.err)
	}
	if len(results) == 0 {
		return "", nil
	}
	ptr := uint32(results[0] >> 32)
	length := uint32(results[0])
	if length == 0 {
		return "", nil
	}
	text, ok := m.module.Memory().Read(ptr, length)
	if !ok {
		return "", protocol.Errorf(protocol.KindTranscriptionError, "transcript out of range (ptr=%d len=%d)", ptr, length)
	}
	return string(text), nil
}

func (m *Module) write(ctx context.Context, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	res, err := m.alloc.Call(ctx, api.EncodeU32(uint32(len(data))))
	if err != nil {
		return 0, fmt.Errorf("alloc: %w", err)
	}
	if len(res) == 0 {
		return 0, errors.New("alloc returned nothing")
	}
	ptr := api.DecodeU32(res[0])
	if !m.module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write guest memory (ptr=%d len=%d)", ptr, len(data))
	}
	return ptr, nil
}

type callStateKey struct{}

type callState struct {
	err string
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, log *slog.Logger) error {
	logger := log.With(slog.String("component", "model-guest"))
	builder := rt.NewHostModuleBuilder("env")

	read := func(mod api.Module, stack []uint64) (string, bool) {
		if len(stack) < 2 {
			return "", false
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return "", false
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("guest has no memory", slog.Uint64("ptr", uint64(ptr)))
			return "", false
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("unable to read guest memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return "", false
		}
		return string(data), true
	}

	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if msg, ok := read(mod, stack); ok {
			logger.Info("model log", slog.String("message", msg))
		}
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostErrorFn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		msg, ok := read(mod, stack)
		if !ok {
			msg = "unspecified model error"
		}
		if state, ok := ctx.Value(callStateKey{}).(*callState); ok {
			state.err = msg
		}
		logger.Warn("model error", slog.String("message", msg))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostErrorFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_error").
		Export("host_error")

	_, err := builder.Instantiate(ctx)
	return err
}
