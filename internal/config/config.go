package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
	STT         STTConfig         `yaml:"stt"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the microphone source.
type CaptureConfig struct {
	Device     string `yaml:"device"` // exec, wav, synthetic
	Command    string `yaml:"command"`
	Path       string `yaml:"path"`
	SampleRate int    `yaml:"sample_rate"`
	BlockSize  int    `yaml:"block_size"`
}

type RecognitionConfig struct {
	Mode             string   `yaml:"mode"` // auto, native, fallback
	DefaultLanguage  string   `yaml:"default_language"`
	DeviceClass      string   `yaml:"device_class"`
	Platform         string   `yaml:"platform"`
	DenyList         []string `yaml:"deny_list"`
	NativeCommand    string   `yaml:"native_command"`
	ChunkIntervalMS  int      `yaml:"chunk_interval_ms"`
	TargetSampleRate int      `yaml:"target_sample_rate"`
	StopTimeoutMS    int      `yaml:"stop_timeout_ms"`
}

type STTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Remote      bool   `yaml:"remote"`
	Mode        string `yaml:"mode"` // mock, exec, wasm
	Command     string `yaml:"command"`
	Manifest    string `yaml:"manifest"`
	ModelPath   string `yaml:"model_path"`
	MaxContextS int    `yaml:"max_context_s"`
	QueueSize   int    `yaml:"queue_size"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "nudi-dictation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "nudi-node-1",
			Role:              "dictation",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "dictation.controller", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/nudi-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Device:     "exec",
			Command:    "arecord -q -t raw -f FLOAT_LE -c 1 -r 44100",
			SampleRate: 44100,
			BlockSize:  4096,
		},
		Recognition: RecognitionConfig{
			Mode:             "auto",
			DefaultLanguage:  "kn-IN",
			DeviceClass:      "desktop",
			DenyList:         []string{"mobile", "tablet", "firefox"},
			ChunkIntervalMS:  5000,
			TargetSampleRate: 16000,
			StopTimeoutMS:    3000,
		},
		STT: STTConfig{
			Enabled:     true,
			Mode:        "mock",
			MaxContextS: 30,
			QueueSize:   16,
			TimeoutMS:   45000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NUDI_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NUDI_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NUDI_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NUDI_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NUDI_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NUDI_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NUDI_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "NUDI_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "NUDI_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "NUDI_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NUDI_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NUDI_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NUDI_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NUDI_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NUDI_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NUDI_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NUDI_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NUDI_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "NUDI_NODE_ID")
	overrideString(&cfg.Node.Role, "NUDI_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "NUDI_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "NUDI_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NUDI_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NUDI_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NUDI_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "NUDI_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NUDI_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "NUDI_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "NUDI_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Path, "NUDI_CAPTURE_PATH")
	overrideInt(&cfg.Capture.SampleRate, "NUDI_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.BlockSize, "NUDI_CAPTURE_BLOCK_SIZE")
	overrideString(&cfg.Recognition.Mode, "NUDI_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.DefaultLanguage, "NUDI_RECOGNITION_DEFAULT_LANGUAGE")
	overrideString(&cfg.Recognition.DeviceClass, "NUDI_RECOGNITION_DEVICE_CLASS")
	overrideString(&cfg.Recognition.Platform, "NUDI_RECOGNITION_PLATFORM")
	overrideStringSlice(&cfg.Recognition.DenyList, "NUDI_RECOGNITION_DENY_LIST")
	overrideString(&cfg.Recognition.NativeCommand, "NUDI_RECOGNITION_NATIVE_COMMAND")
	overrideInt(&cfg.Recognition.ChunkIntervalMS, "NUDI_RECOGNITION_CHUNK_INTERVAL_MS")
	overrideInt(&cfg.Recognition.TargetSampleRate, "NUDI_RECOGNITION_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.StopTimeoutMS, "NUDI_RECOGNITION_STOP_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "NUDI_STT_ENABLED")
	overrideBool(&cfg.STT.Remote, "NUDI_STT_REMOTE")
	overrideString(&cfg.STT.Mode, "NUDI_STT_MODE")
	overrideString(&cfg.STT.Command, "NUDI_STT_COMMAND")
	overrideString(&cfg.STT.Manifest, "NUDI_STT_MANIFEST")
	overrideString(&cfg.STT.ModelPath, "NUDI_STT_MODEL_PATH")
	overrideInt(&cfg.STT.MaxContextS, "NUDI_STT_MAX_CONTEXT_S")
	overrideInt(&cfg.STT.QueueSize, "NUDI_STT_QUEUE_SIZE")
	overrideInt(&cfg.STT.TimeoutMS, "NUDI_STT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Device {
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when device=exec")
		}
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive when device=exec")
		}
	case "wav":
		if cfg.Capture.Path == "" {
			return errors.New("capture.path must be set when device=wav")
		}
	case "synthetic":
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive when device=synthetic")
		}
	default:
		return errors.New("capture.device must be one of exec|wav|synthetic")
	}
	if cfg.Capture.BlockSize <= 0 {
		return errors.New("capture.block_size must be positive")
	}
	switch cfg.Recognition.Mode {
	case "auto", "native", "fallback":
	default:
		return errors.New("recognition.mode must be one of auto|native|fallback")
	}
	if cfg.Recognition.Mode == "native" && cfg.Recognition.NativeCommand == "" {
		return errors.New("recognition.native_command must be set when mode=native")
	}
	if cfg.Recognition.ChunkIntervalMS <= 0 {
		return errors.New("recognition.chunk_interval_ms must be positive")
	}
	if cfg.Recognition.TargetSampleRate <= 0 {
		return errors.New("recognition.target_sample_rate must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "wasm":
		default:
			return errors.New("stt.mode must be one of mock|exec|wasm")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "wasm" && cfg.STT.Manifest == "" {
			return errors.New("stt.manifest must be set when mode=wasm")
		}
		if cfg.STT.QueueSize <= 0 {
			return errors.New("stt.queue_size must be >= 1")
		}
		if cfg.STT.MaxContextS <= 0 {
			return errors.New("stt.max_context_s must be positive")
		}
	}
	if cfg.Recognition.Mode == "fallback" && !cfg.STT.Enabled && !cfg.STT.Remote {
		return errors.New("recognition.mode=fallback requires stt.enabled or stt.remote")
	}
	return nil
}
