package capability

import (
	"bytes"
	"context"
	"errors"
	"go/format"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/bus"
	"github.com/kannadanudi/nudi-dictation/internal/config"
	"github.com/kannadanudi/nudi-dictation/internal/natsserver"
)

func newProber(cfg config.RecognitionConfig, onPath bool, worker bool) (*Prober, *int) {
	lookups := 0
	p := NewProber(cfg, func() bool { return worker })
	p.lookPath = countingLookPath(&lookups, onPath)
	return p, &lookups
}

func countingLookPath(lookups *int, onPath bool) func(string) (string, error) {
	return func(file string) (string, error) {
		*lookups++
		if onPath {
			return "/usr/bin/" + file, nil
		}
		return "", errors.New("not found")
	}
}

func TestProbeSelectsMode(t *testing.T) {
	base := config.Default().Recognition
	base.NativeCommand = "nudi-native --continuous"

	tests := []struct {
		name   string
		mutate func(*config.RecognitionConfig)
		onPath bool
		want   Mode
		native bool
	}{
		{"native on desktop", func(*config.RecognitionConfig) {}, true, ModeNative, true},
		{"engine missing", func(*config.RecognitionConfig) {}, false, ModeFallback, false},
		{"no command", func(c *config.RecognitionConfig) { c.NativeCommand = "" }, true, ModeFallback, false},
		{"mobile denied", func(c *config.RecognitionConfig) { c.DeviceClass = "Mobile" }, true, ModeFallback, false},
		{"firefox denied", func(c *config.RecognitionConfig) { c.Platform = "firefox" }, true, ModeFallback, false},
		{"forced fallback", func(c *config.RecognitionConfig) { c.Mode = "fallback" }, true, ModeFallback, true},
		{"forced native", func(c *config.RecognitionConfig) { c.Mode = "native" }, false, ModeNative, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.DenyList = append([]string(nil), base.DenyList...)
			tt.mutate(&cfg)
			p, _ := newProber(cfg, tt.onPath, true)
			got := p.Probe()
			if got.Mode != tt.want || got.NativeAvailable != tt.native {
				t.Fatalf("got %+v, want mode %s native=%v", got, tt.want, tt.native)
			}
			if !got.WorkerAvailable {
				t.Fatal("expected worker availability to be reported")
			}
		})
	}
}

func TestProbeIsMemoized(t *testing.T) {
	cfg := config.Default().Recognition
	cfg.NativeCommand = "nudi-native"
	p, lookups := newProber(cfg, true, false)
	first := p.Probe()
	second := p.Probe()
	if first != second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
	if *lookups != 1 {
		t.Fatalf("expected one native lookup, got %d", *lookups)
	}
}

func TestWorkerAvailabilityIsLive(t *testing.T) {
	cfg := config.Default().Recognition
	var available atomic.Bool
	lookups := 0
	p := NewProber(cfg, available.Load)
	p.lookPath = countingLookPath(&lookups, false)

	first := p.Probe()
	if first.WorkerAvailable || first.Mode != ModeFallback {
		t.Fatalf("expected fallback without worker, got %+v", first)
	}
	available.Store(true)
	second := p.Probe()
	if !second.WorkerAvailable {
		t.Fatalf("expected worker to be seen once announced, got %+v", second)
	}
	if second.Mode != first.Mode || second.Reason != first.Reason {
		t.Fatalf("native decision must not change: %+v then %+v", first, second)
	}
	available.Store(false)
	if p.Probe().WorkerAvailable {
		t.Fatal("expected worker loss to be seen")
	}
}

func TestRegistryTracksWorkers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	busCfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	busCfg.Servers = []string{srv.ClientURL()}

	connect := func(name string) *bus.Client {
		c, err := bus.Connect(context.Background(), name, busCfg, log)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(c.Close)
		return c
	}

	controllerCfg := config.Default().Node
	controller, err := NewRegistry(context.Background(), controllerCfg, nil, connect("controller"), log)
	if err != nil {
		t.Fatalf("controller registry: %v", err)
	}
	t.Cleanup(controller.Close)
	if controller.HasHealthy(CapabilitySTTWorker) {
		t.Fatal("no worker announced yet")
	}

	workerCfg := config.Default().Node
	workerCfg.ID = "worker-1"
	workerCfg.Capabilities = nil
	worker, err := NewRegistry(context.Background(), workerCfg,
		[]Capability{{Name: CapabilitySTTWorker, Attributes: map[string]string{"mode": "wasm"}}},
		connect("worker"), log)
	if err != nil {
		t.Fatalf("worker registry: %v", err)
	}
	t.Cleanup(worker.Close)

	deadline := time.Now().Add(3 * time.Second)
	for !controller.HasHealthy(CapabilitySTTWorker) {
		if time.Now().After(deadline) {
			t.Fatal("controller never saw the worker")
		}
		time.Sleep(20 * time.Millisecond)
	}
	local := worker.LocalCapabilities()
	if len(local) != 1 || local[0].Name != CapabilitySTTWorker {
		t.Fatalf("unexpected local capabilities %+v", local)
	}
}

func TestSourcesAreGofmtClean(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		src, err := os.ReadFile(name)
		if err != nil {
			t.Fatal(err)
		}
		formatted, err := format.Source(src)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(src, formatted) {
			t.Fatalf("%s is not gofmt formatted", name)
		}
	}
}
