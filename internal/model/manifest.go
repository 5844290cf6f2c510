package model

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest describes a speech model packaged as a WebAssembly module.
type Manifest struct {
	Metadata Metadata    `yaml:"metadata"`
	Runtime  RuntimeSpec `yaml:"runtime"`
	Audio    AudioSpec   `yaml:"audio"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Languages   []string `yaml:"languages,omitempty"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	HostVersion string `yaml:"host_version"`
}

// AudioSpec is the input contract of the model.
type AudioSpec struct {
	SampleRate  int `yaml:"sample_rate"`
	MaxContextS int `yaml:"max_context_s"`
}

// Load reads a manifest from disk. A relative runtime.module is resolved
// against the manifest's directory.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Runtime.Entrypoint == "" {
		m.Runtime.Entrypoint = DefaultEntrypoint
	}
	if m.Audio.SampleRate == 0 {
		m.Audio.SampleRate = 16000
	}
	if m.Runtime.Module != "" && !filepath.IsAbs(m.Runtime.Module) {
		m.Runtime.Module = filepath.Join(filepath.Dir(path), m.Runtime.Module)
	}
	return m, nil
}

// Validate ensures the manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return fmt.Errorf("runtime.entrypoint is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.Audio.SampleRate != 16000 {
		return fmt.Errorf("audio.sample_rate must be 16000, got %d", m.Audio.SampleRate)
	}
	if m.Audio.MaxContextS < 0 {
		return fmt.Errorf("audio.max_context_s must be >= 0")
	}
	return nil
}
