package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kannadanudi/nudi-dictation/internal/config"
	"go.opentelemetry.io/otel"
)

func TestTraceExporterDefaultsToNone(t *testing.T) {
	cfg := config.Default().Telemetry
	if got := traceExporter(cfg); got != exporterNone {
		t.Fatalf("expected no span exporter by default, got %s", got)
	}
	cfg.TraceStdout = true
	if got := traceExporter(cfg); got != exporterStderr {
		t.Fatalf("expected stderr exporter when enabled, got %s", got)
	}
	cfg.OTLPEndpoint = "collector:4317"
	if got := traceExporter(cfg); got != exporterOTLP {
		t.Fatalf("expected otlp to win, got %s", got)
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, handler, err := setupTelemetry(config.Default(), logger)
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}

	counter, err := otel.Meter("telemetry-test").Int64Counter("nudi.test.events")
	if err != nil {
		t.Fatal(err)
	}
	counter.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "nudi_test_events") || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("metrics output missing expected series:\n%s", body)
	}
}
