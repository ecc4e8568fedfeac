package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

// llamaCppGenerator serves the "gguf" backend through a llama.cpp server.
type llamaCppGenerator struct {
	endpoint string
	client   *http.Client
}

type completionRequest struct {
	Prompt        []int   `json:"prompt"`
	NPredict      int     `json:"n_predict"`
	Temperature   float64 `json:"temperature"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	Stream        bool    `json:"stream"`
	ReturnTokens  bool    `json:"return_tokens"`
	CachePrompt   bool    `json:"cache_prompt"`
}

type completionChunk struct {
	Content string `json:"content"`
	Tokens  []int  `json:"tokens"`
	Stop    bool   `json:"stop"`
}

type tokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

// NewLlamaCppGenerator checks that the server at cfg.Endpoint answers /health.
func NewLlamaCppGenerator(cfg config.GenerationConfig) (Generator, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("%w: gguf backend needs generation.endpoint", ErrBackendUnavailable)
	}
	g := &llamaCppGenerator{endpoint: endpoint, client: &http.Client{}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: llama.cpp server at %s is not reachable; start llama-server with the GGUF model: %v",
			ErrBackendUnavailable, endpoint, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: llama.cpp server at %s returned %s", ErrBackendUnavailable, endpoint, resp.Status)
	}
	return g, nil
}

func (g *llamaCppGenerator) Generate(ctx context.Context, inputIDs []int, cfg Config) ([]int, error) {
	return collect(ctx, g, inputIDs, cfg)
}

func (g *llamaCppGenerator) Stream(ctx context.Context, inputIDs []int, cfg Config, consumer func(int) error) error {
	budget, err := cfg.budget(inputIDs)
	if err != nil {
		return err
	}
	body, err := g.completionBody(inputIDs, budget, cfg)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.endpoint+"/completion", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("llama.cpp returned status %s", resp.Status)
	}

	produced := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		line = bytes.TrimPrefix(line, []byte("data:"))
		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
			continue
		}
		var chunk completionChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode llama.cpp chunk: %w", err)
		}
		for _, token := range chunk.Tokens {
			if err := consumer(token); err != nil {
				return err
			}
			produced++
			if produced >= budget {
				return nil
			}
		}
		if chunk.Stop {
			return nil
		}
	}
	return scanner.Err()
}

func (g *llamaCppGenerator) completionBody(inputIDs []int, budget int, cfg Config) ([]byte, error) {
	base, err := json.Marshal(completionRequest{
		Prompt:        inputIDs,
		NPredict:      budget,
		Temperature:   cfg.Temperature,
		RepeatPenalty: cfg.RepetitionPenalty,
		Stream:        true,
		ReturnTokens:  true,
		CachePrompt:   true,
	})
	if err != nil || len(cfg.Additional) == 0 {
		return base, err
	}
	payload := map[string]any{}
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}
	extra := maps.Clone(cfg.Additional)
	for _, key := range []string{"prompt", "stream", "return_tokens"} {
		delete(extra, key)
	}
	maps.Copy(payload, extra)
	return json.Marshal(payload)
}

func (g *llamaCppGenerator) Tokenize(ctx context.Context, text string) ([]int, error) {
	body, err := json.Marshal(tokenizeRequest{Content: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llama.cpp tokenize returned status %s", resp.Status)
	}
	var out tokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tokenize response: %w", err)
	}
	return out.Tokens, nil
}
