package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"exl2", "gguf", "hf", "mock"}, Backends())

	_, err := New("vllm", config.GenerationConfig{})
	require.ErrorIs(t, err, ErrUnknownBackend)

	_, err = New("hf", config.GenerationConfig{})
	require.ErrorIs(t, err, ErrBackendUnavailable)

	_, err = New("exl2", config.GenerationConfig{Command: "/nonexistent/exl2-runner --fast"})
	require.ErrorIs(t, err, ErrBackendUnavailable)

	_, err = New("gguf", config.GenerationConfig{Endpoint: "http://127.0.0.1:1"})
	require.ErrorIs(t, err, ErrBackendUnavailable)

	assert.Panics(t, func() { Register("mock", func(config.GenerationConfig) (Generator, error) { return nil, nil }) })
}

func TestConfigMerge(t *testing.T) {
	base := ConfigFromSettings(config.GenerationConfig{MaxLength: 2048})
	assert.Equal(t, 0.1, base.Temperature)
	assert.Equal(t, 1.1, base.RepetitionPenalty)
	assert.Equal(t, 2048, base.MaxLength)

	merged := base.Merge(0.7, 0, 0, map[string]any{"top_k": 40})
	assert.Equal(t, 0.7, merged.Temperature)
	assert.Equal(t, 1.1, merged.RepetitionPenalty)
	assert.Equal(t, 40, merged.Additional["top_k"])
	assert.Empty(t, base.Additional)
}

func TestMockGeneratorRespectsMaxLength(t *testing.T) {
	g := NewMockGenerator()
	cfg := DefaultConfig()

	out, err := g.Generate(context.Background(), ids(10), cfg)
	require.NoError(t, err)
	assert.Len(t, out, mockLength)

	cfg.MaxLength = 13
	out, err = g.Generate(context.Background(), ids(10), cfg)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	_, err = g.Generate(context.Background(), nil, cfg)
	require.ErrorIs(t, err, ErrEmptyInput)

	_, err = g.Generate(context.Background(), ids(13), cfg)
	require.ErrorIs(t, err, ErrContextFull)
}

func TestMockStreamConsumerErrorStops(t *testing.T) {
	stop := errors.New("enough")
	seen := 0
	err := NewMockGenerator().Stream(context.Background(), ids(3), DefaultConfig(), func(int) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func writeRunner(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nreq=$(cat)\n"+body), 0o755))
	return path
}

const countingRunner = `case "$req" in
*'"op":"tokenize"'*) echo '{"tokens":[101,102,103]}' ;;
*) for i in 5 6 7 8 9; do echo "{\"token\":$i}"; done; echo '{"done":true}' ;;
esac
`

func TestRunnerStopsAtBudget(t *testing.T) {
	g, err := New("hf", config.GenerationConfig{Command: writeRunner(t, countingRunner), EOSTokenID: 7})
	require.NoError(t, err)

	cfg := DefaultConfig()
	out, err := g.Generate(context.Background(), ids(4), cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7, 8, 9}, out, "hf ignores eos_token_id and runs until the runner is done")

	cfg.MaxLength = 6
	out, err = g.Generate(context.Background(), ids(4), cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6}, out)
}

func TestRunnerEXL2StopsAtEOS(t *testing.T) {
	g, err := New("exl2", config.GenerationConfig{Command: writeRunner(t, countingRunner), EOSTokenID: 7})
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), ids(4), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7}, out)
}

func TestRunnerTokenize(t *testing.T) {
	g, err := New("hf", config.GenerationConfig{Command: writeRunner(t, countingRunner)})
	require.NoError(t, err)
	tok, ok := g.(Tokenizer)
	require.True(t, ok)

	out, err := tok.Tokenize(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102, 103}, out)
}

func TestRunnerErrors(t *testing.T) {
	g, err := New("hf", config.GenerationConfig{Command: writeRunner(t, `echo '{"error":"CUDA out of memory"}'`)})
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), ids(2), DefaultConfig())
	require.ErrorContains(t, err, "CUDA out of memory")

	g, err = New("hf", config.GenerationConfig{Command: writeRunner(t, "echo 'boom' >&2\nexit 2\n")})
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), ids(2), DefaultConfig())
	require.ErrorContains(t, err, "boom")
}

func llamaServer(t *testing.T, stream []string, seen *completionRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range stream {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"tokens":[9,8,7]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLlamaCppStreamsUntilStop(t *testing.T) {
	var seen completionRequest
	srv := llamaServer(t, []string{
		`{"content":"","tokens":[11],"stop":false}`,
		`{"content":"","tokens":[12,13],"stop":false}`,
		`{"content":"","tokens":[],"stop":true}`,
		`{"content":"","tokens":[99],"stop":false}`,
	}, &seen)

	g, err := New("gguf", config.GenerationConfig{Endpoint: srv.URL + "/"})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxLength = 100
	var streamed []int
	err = g.Stream(context.Background(), ids(4), cfg, func(token int) error {
		streamed = append(streamed, token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{11, 12, 13}, streamed)
	assert.Equal(t, ids(4), seen.Prompt)
	assert.Equal(t, 96, seen.NPredict)
	assert.True(t, seen.Stream)
	assert.InDelta(t, 1.1, seen.RepeatPenalty, 1e-9)
}

func TestLlamaCppStopsAtMaxLength(t *testing.T) {
	var seen completionRequest
	srv := llamaServer(t, []string{`{"tokens":[1,2,3,4,5],"stop":false}`}, &seen)
	g, err := New("gguf", config.GenerationConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxLength = 7
	out, err := g.Generate(context.Background(), ids(4), cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, out)

	tokens, err := g.(Tokenizer).Tokenize(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []int{9, 8, 7}, tokens)
}
