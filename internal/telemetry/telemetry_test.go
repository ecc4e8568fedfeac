package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/config"
	"go.opentelemetry.io/otel"
)

func TestSetupExposesMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var traces bytes.Buffer
	providers, err := Setup(context.Background(), config.Default(), &traces, logger)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	counter, err := otel.Meter("telemetry-test").Int64Counter("datagen.samples.processed")
	if err != nil {
		t.Fatal(err)
	}
	counter.Add(context.Background(), 3)

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "encode")
	span.End()

	rec := httptest.NewRecorder()
	providers.MetricsHandler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "datagen_samples_processed") {
		t.Fatalf("expected counter in exposition, got:\n%s", rec.Body.String())
	}

	if err := providers.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(traces.String(), `"Name":"encode"`) {
		t.Fatalf("expected span written to trace output, got %q", traces.String())
	}

	// a second setup must not collide with the first registry
	again, err := Setup(context.Background(), config.Default(), io.Discard, logger)
	if err != nil {
		t.Fatalf("second setup: %v", err)
	}
	_ = again.Shutdown(context.Background())
}

func TestNilProvidersShutdown(t *testing.T) {
	var p *Providers
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
