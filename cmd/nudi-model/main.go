package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/audio"
	"github.com/kannadanudi/nudi-dictation/internal/config"
	"github.com/kannadanudi/nudi-dictation/internal/model"
	"github.com/kannadanudi/nudi-dictation/internal/stt"
)

var version = "0.1.0-dev"

const targetRate = 16000

func main() {
	var manifestPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "model.yaml", "Path to model manifest")

	var (
		wavPath    string
		configPath string
		language   string
		mode       string
	)
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&wavPath, "file", "", "WAV file to transcribe")
	transcribeCmd.StringVar(&configPath, "config", "", "Optional nudid configuration for the stt section")
	transcribeCmd.StringVar(&language, "language", "kn-IN", "Language hint")
	transcribeCmd.StringVar(&mode, "mode", "", "Override stt.mode (mock, exec, wasm)")
	transcribeCmd.StringVar(&manifestPath, "manifest", "", "Override stt.manifest")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'transcribe' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		if wavPath == "" {
			fmt.Fprintln(os.Stderr, "transcribe requires -file")
			os.Exit(2)
		}
		cfg, err := sttConfig(configPath, mode, manifestPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		text, err := runTranscribe(cfg, wavPath, language)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(text)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	m, err := model.Load(path)
	if err != nil {
		return err
	}
	return model.Validate(m)
}

func sttConfig(configPath, mode, manifestPath string) (config.STTConfig, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.STTConfig{}, err
		}
		cfg = loaded
	}
	if mode != "" {
		cfg.STT.Mode = mode
	}
	if manifestPath != "" {
		cfg.STT.Manifest = manifestPath
	}
	return cfg.STT, nil
}

// runTranscribe decodes a WAV file and sends it through the same resampler
// and model the fallback backend uses, as a single chunk.
func runTranscribe(cfg config.STTConfig, path, language string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	samples, rate, err := audio.DecodeWAV(f)
	if err != nil {
		return "", err
	}
	resampled, err := audio.Resample(samples, rate, targetRate)
	if err != nil {
		return "", err
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("NUDI_DEBUG") != "" {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	loader, err := stt.NewRecognizerLoader(cfg, log)
	if err != nil {
		return "", err
	}
	m := stt.NewModel(loader)
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer m.Close(context.Background())

	rec, err := m.Get(ctx)
	if err != nil {
		return "", err
	}
	res, err := rec.Transcribe(ctx, stt.Request{
		Samples:     resampled,
		SampleRate:  targetRate,
		Language:    stt.NormalizeLanguage(language),
		MaxContextS: cfg.MaxContextS,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
