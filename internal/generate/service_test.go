package generate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/alignment"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noTokenizer struct{ Generator }

type countingGenerator struct {
	Generator
	calls atomic.Int64
}

func (c *countingGenerator) Generate(ctx context.Context, inputIDs []int, cfg Config) ([]int, error) {
	c.calls.Add(1)
	return c.Generator.Generate(ctx, inputIDs, cfg)
}

func startService(t *testing.T, gen Generator) *bus.Client {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	busCfg := config.Default().Bus
	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, "generate-test", logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	cfg := config.Default().Generation
	cfg.Enabled = true
	svc := NewService(context.Background(), cfg, client, gen, logger)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())
	return client
}

func request(t *testing.T, client *bus.Client, req protocol.GenerateRequest) protocol.GenerateResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var resp protocol.GenerateResponse
	require.NoError(t, client.RequestJSON(ctx, protocol.SubjectGenerateRequest, req, &resp))
	return resp
}

func TestServiceGeneratesFromInputIDs(t *testing.T) {
	client := startService(t, NewMockGenerator())

	resp := request(t, client, protocol.GenerateRequest{RequestID: "r1", InputIDs: ids(5), MaxLength: 9})
	assert.Empty(t, resp.Error)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "mock", resp.Backend)
	assert.Equal(t, 5, resp.InputTokens)
	assert.Len(t, resp.Tokens, 4)
}

func TestServiceTokenizesText(t *testing.T) {
	client := startService(t, NewMockGenerator())

	speaker := alignment.Speaker{
		Text:  "hello",
		Words: []alignment.WordCodes{{Word: "hello", Duration: 0.03, Codes: []int{4, 5}}},
	}
	resp := request(t, client, protocol.GenerateRequest{Text: "Good morning", Speaker: &speaker})
	assert.Empty(t, resp.Error)
	assert.NotEmpty(t, resp.RequestID)
	assert.Greater(t, resp.InputTokens, len("good morning"))
	assert.Len(t, resp.Tokens, mockLength)
}

func TestServiceRejectsTextWithoutTokenizer(t *testing.T) {
	client := startService(t, noTokenizer{NewMockGenerator()})

	resp := request(t, client, protocol.GenerateRequest{Text: "hello"})
	assert.Contains(t, resp.Error, "cannot tokenize")

	resp = request(t, client, protocol.GenerateRequest{})
	assert.Contains(t, resp.Error, ErrEmptyInput.Error())
}

func TestServiceStreamsPartials(t *testing.T) {
	client := startService(t, NewMockGenerator())

	partials := make(chan protocol.GenerateTokens, 8)
	sub, err := client.Conn().Subscribe(protocol.SubjectGenerateTokensPartial, func(msg *nats.Msg) {
		var p protocol.GenerateTokens
		if err := json.Unmarshal(msg.Data, &p); err == nil {
			partials <- p
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, client.Conn().Flush())

	resp := request(t, client, protocol.GenerateRequest{RequestID: "s1", InputIDs: ids(3), Stream: true})
	require.Empty(t, resp.Error)

	var streamed []int
	deadline := time.After(2 * time.Second)
	for len(streamed) < len(resp.Tokens) {
		select {
		case p := <-partials:
			assert.Equal(t, "s1", p.RequestID)
			streamed = append(streamed, p.Tokens...)
		case <-deadline:
			t.Fatalf("received %d of %d streamed tokens", len(streamed), len(resp.Tokens))
		}
	}
	assert.Equal(t, resp.Tokens, streamed)
}

func TestServiceCloseRejectsLateRequests(t *testing.T) {
	cfg := config.Default().Generation
	cfg.Enabled = true
	gen := &countingGenerator{Generator: NewMockGenerator()}
	svc := NewService(context.Background(), cfg, nil, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))

	payload, err := json.Marshal(protocol.GenerateRequest{InputIDs: ids(3)})
	require.NoError(t, err)

	// requests keep arriving while Close waits for in-flight work
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				svc.handleRequest(&nats.Msg{Data: payload})
			}
		}()
	}
	svc.Close()
	wg.Wait()

	settled := gen.calls.Load()
	svc.handleRequest(&nats.Msg{Data: payload})
	assert.Equal(t, settled, gen.calls.Load())
	assert.False(t, svc.Healthy())
}
