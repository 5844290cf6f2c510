package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Recognition.ChunkIntervalMS != 5000 {
		t.Fatalf("expected 5000ms chunk interval, got %d", cfg.Recognition.ChunkIntervalMS)
	}
	if cfg.Recognition.TargetSampleRate != 16000 {
		t.Fatalf("expected 16k target rate, got %d", cfg.Recognition.TargetSampleRate)
	}
	if cfg.Capture.BlockSize != 4096 {
		t.Fatalf("expected 4096 block size, got %d", cfg.Capture.BlockSize)
	}
	if cfg.STT.MaxContextS != 30 {
		t.Fatalf("expected 30s context window, got %d", cfg.STT.MaxContextS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NUDI_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NUDI_BUS_USERNAME", "alice")
	t.Setenv("NUDI_BUS_PASSWORD", "secret")
	t.Setenv("NUDI_BUS_TLS_INSECURE", "true")
	t.Setenv("NUDI_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("NUDI_NODE_ID", "test-node")
	t.Setenv("NUDI_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("NUDI_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("NUDI_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("NUDI_RECOGNITION_DENY_LIST", "mobile, smart-tv")
	t.Setenv("NUDI_RECOGNITION_DEVICE_CLASS", "tablet")
	t.Setenv("NUDI_CAPTURE_DEVICE", "synthetic")
	t.Setenv("NUDI_STT_QUEUE_SIZE", "4")
	t.Setenv("NUDI_TELEMETRY_TRACE_STDOUT", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" || cfg.Node.HeartbeatInterval != 1500 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if len(cfg.Recognition.DenyList) != 2 || cfg.Recognition.DenyList[1] != "smart-tv" {
		t.Fatalf("expected deny list override, got %v", cfg.Recognition.DenyList)
	}
	if cfg.Recognition.DeviceClass != "tablet" {
		t.Fatalf("expected device class override")
	}
	if cfg.Capture.Device != "synthetic" {
		t.Fatalf("expected capture device override")
	}
	if cfg.STT.QueueSize != 4 {
		t.Fatalf("expected queue size override, got %d", cfg.STT.QueueSize)
	}
	if !cfg.Telemetry.TraceStdout {
		t.Fatal("expected trace stdout override true")
	}
	if Default().Telemetry.TraceStdout {
		t.Fatal("span output must be off by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudi.yaml")
	data := []byte(`recognition:
  mode: fallback
  default_language: kn-IN
stt:
  enabled: true
  mode: exec
  command: whisper-cli --no-prints
capture:
  device: wav
  path: ./testdata/namaskara.wav
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Recognition.Mode != "fallback" || cfg.STT.Mode != "exec" || cfg.Capture.Device != "wav" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Capture.BlockSize != 4096 {
		t.Fatalf("defaults must survive partial files, got block size %d", cfg.Capture.BlockSize)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad recognition mode", func(c *Config) { c.Recognition.Mode = "cloud" }},
		{"native without command", func(c *Config) { c.Recognition.Mode = "native" }},
		{"exec stt without command", func(c *Config) { c.STT.Mode = "exec" }},
		{"wasm stt without manifest", func(c *Config) { c.STT.Mode = "wasm" }},
		{"wav capture without path", func(c *Config) { c.Capture.Device = "wav" }},
		{"zero interval", func(c *Config) { c.Recognition.ChunkIntervalMS = 0 }},
		{"fallback without worker", func(c *Config) {
			c.Recognition.Mode = "fallback"
			c.STT.Enabled = false
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
