package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAudioChunkWireFormat(t *testing.T) {
	chunk := AudioChunk{SessionID: "s1", Sequence: 3, Samples: []float32{0.5, -0.25, 1}, SampleRate: 16000}
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"language_hint":null`) {
		t.Fatalf("expected null language hint, got %s", data)
	}

	var decoded AudioChunk
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Sequence != 3 || decoded.SampleRate != 16000 || len(decoded.Samples) != 3 {
		t.Fatalf("unexpected chunk: %+v", decoded)
	}
	if decoded.Samples[1] != -0.25 {
		t.Fatalf("sample mismatch: %v", decoded.Samples)
	}
}

func TestDecodeFloat32Misaligned(t *testing.T) {
	if _, err := DecodeFloat32LE([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("open model: %w", Errorf(KindModelLoadError, "file missing"))
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad match for %v", err)
	}
	if errors.Is(err, ErrTranscription) {
		t.Fatal("did not expect TranscriptionError match")
	}
	if got := KindOf(err, KindTranscriptionError); got != KindModelLoadError {
		t.Fatalf("KindOf = %s", got)
	}
	if got := KindOf(errors.New("plain"), KindTranscriptionError); got != KindTranscriptionError {
		t.Fatalf("fallback kind = %s", got)
	}
	if wrapped := Wrap(KindDeviceUnavailable, Errorf(KindPermissionDenied, "denied")); !errors.Is(wrapped, ErrPermissionDenied) {
		t.Fatalf("Wrap must keep existing kind, got %v", wrapped)
	}
}

func TestWorkerChunkSubject(t *testing.T) {
	cases := map[string]string{
		"node-a":     "stt.worker.node-a.chunk",
		"host.local": "stt.worker.host_local.chunk",
		"a*b>c":      "stt.worker.a_b_c.chunk",
		"":           "stt.worker._.chunk",
	}
	for in, want := range cases {
		if got := WorkerChunkSubject(in); got != want {
			t.Fatalf("WorkerChunkSubject(%q) = %q, want %q", in, got, want)
		}
	}
}
