package runtime

import (
	"testing"

	"github.com/kannadanudi/nudi-dictation/internal/audio"
	"github.com/kannadanudi/nudi-dictation/internal/config"
)

func TestNewDevice(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CaptureConfig
		want    string
		wantErr bool
	}{
		{name: "exec", cfg: config.CaptureConfig{Device: "exec", Command: "arecord -q -t raw", SampleRate: 44100}, want: "exec"},
		{name: "wav", cfg: config.CaptureConfig{Device: "wav", Path: "speech.wav"}, want: "wav"},
		{name: "synthetic", cfg: config.CaptureConfig{Device: "synthetic", SampleRate: 48000}, want: "synthetic"},
		{name: "bad command", cfg: config.CaptureConfig{Device: "exec", Command: "'unterminated", SampleRate: 44100}, wantErr: true},
		{name: "unknown", cfg: config.CaptureConfig{Device: "pulse"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev, err := newDevice(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %T", dev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var got string
			switch d := dev.(type) {
			case *audio.ExecDevice:
				got = "exec"
			case *audio.WAVDevice:
				got = "wav"
				if !d.Realtime {
					t.Fatal("wav replay should be paced")
				}
			case *audio.ToneDevice:
				got = "synthetic"
				if d.SampleRate != 48000 {
					t.Fatalf("unexpected rate %d", d.SampleRate)
				}
			}
			if got != tc.want {
				t.Fatalf("expected %s device, got %T", tc.want, dev)
			}
		})
	}
}
