// Package generate dispatches autoregressive token generation to interchangeable
// inference backends.
package generate

import (
	"context"
	"errors"
	"maps"

	"github.com/loqalabs/loqa-tts/internal/config"
)

var (
	ErrUnknownBackend     = errors.New("unknown generation backend")
	ErrBackendUnavailable = errors.New("generation backend unavailable")
	ErrEmptyInput         = errors.New("input ids are empty")
	ErrContextFull        = errors.New("input already fills max_length")
)

// Config holds sampling parameters for one generation call.
type Config struct {
	Temperature       float64
	RepetitionPenalty float64
	// MaxLength caps input plus generated tokens.
	MaxLength int
	// Additional is passed through to the backend untouched.
	Additional map[string]any
}

func DefaultConfig() Config {
	return Config{
		Temperature:       0.1,
		RepetitionPenalty: 1.1,
		MaxLength:         4096,
		Additional:        map[string]any{},
	}
}

// ConfigFromSettings builds the default call config from the generation settings.
func ConfigFromSettings(cfg config.GenerationConfig) Config {
	out := DefaultConfig()
	if cfg.Temperature > 0 {
		out.Temperature = cfg.Temperature
	}
	if cfg.RepetitionPenalty > 0 {
		out.RepetitionPenalty = cfg.RepetitionPenalty
	}
	if cfg.MaxLength > 0 {
		out.MaxLength = cfg.MaxLength
	}
	return out
}

// Merge overlays non-zero request overrides on c.
func (c Config) Merge(temperature, repetitionPenalty float64, maxLength int, additional map[string]any) Config {
	if temperature > 0 {
		c.Temperature = temperature
	}
	if repetitionPenalty > 0 {
		c.RepetitionPenalty = repetitionPenalty
	}
	if maxLength > 0 {
		c.MaxLength = maxLength
	}
	if len(additional) > 0 {
		merged := make(map[string]any, len(c.Additional)+len(additional))
		maps.Copy(merged, c.Additional)
		maps.Copy(merged, additional)
		c.Additional = merged
	}
	return c
}

// budget is the number of tokens that may still be generated for input.
func (c Config) budget(input []int) (int, error) {
	if len(input) == 0 {
		return 0, ErrEmptyInput
	}
	n := c.MaxLength - len(input)
	if n <= 0 {
		return 0, ErrContextFull
	}
	return n, nil
}

// Generator produces the tokens that follow inputIDs. Returned tokens never
// include the input. Generation stops at the backend's end-of-generation token or
// once input plus output reaches cfg.MaxLength.
type Generator interface {
	Generate(ctx context.Context, inputIDs []int, cfg Config) ([]int, error)
	// Stream hands tokens to consumer as they are produced. A consumer error
	// stops generation and is returned.
	Stream(ctx context.Context, inputIDs []int, cfg Config, consumer func(token int) error) error
}

// Tokenizer is implemented by backends that can turn prompt text into input ids.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]int, error)
}

// collect implements Generate on top of Stream.
func collect(ctx context.Context, g Generator, inputIDs []int, cfg Config) ([]int, error) {
	var tokens []int
	err := g.Stream(ctx, inputIDs, cfg, func(token int) error {
		tokens = append(tokens, token)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}
