package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeServesGeneration(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Generation.Enabled = true
	cfg.Generation.Backend = "mock"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	select {
	case <-rt.Started():
	case err := <-done:
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not start")
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get("http://" + rt.Addr() + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	busCfg := cfg.Bus
	busCfg.Servers = []string{rt.nats.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, "runtime-test", logger)
	require.NoError(t, err)
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	var resp protocol.GenerateResponse
	require.NoError(t, client.RequestJSON(reqCtx, protocol.SubjectGenerateRequest,
		protocol.GenerateRequest{InputIDs: []int{1, 2, 3}}, &resp))
	assert.Empty(t, resp.Error)
	assert.NotEmpty(t, resp.Tokens)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntimeRejectsUnavailableBackend(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.Bus.Enabled = true
	cfg.Generation.Enabled = true
	cfg.Generation.Backend = "hf"
	cfg.Generation.Command = "/nonexistent/hf-runner"

	err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).Start(context.Background())
	require.Error(t, err)
}
