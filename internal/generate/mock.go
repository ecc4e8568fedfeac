package generate

import (
	"context"
	"unicode/utf8"
)

const (
	mockLength    = 32
	mockVocabSize = 4096
)

type mockGenerator struct{}

// NewMockGenerator emits a short deterministic token run derived from the input.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, inputIDs []int, cfg Config) ([]int, error) {
	return collect(ctx, m, inputIDs, cfg)
}

func (m *mockGenerator) Stream(ctx context.Context, inputIDs []int, cfg Config, consumer func(int) error) error {
	budget, err := cfg.budget(inputIDs)
	if err != nil {
		return err
	}
	seed := 0
	for _, id := range inputIDs {
		seed = (seed*31 + id) % mockVocabSize
	}
	for i := 0; i < min(budget, mockLength); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := consumer((seed + i) % mockVocabSize); err != nil {
			return err
		}
	}
	return nil
}

// Tokenize maps each rune to an id.
func (m *mockGenerator) Tokenize(ctx context.Context, text string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]int, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		ids = append(ids, int(r)%mockVocabSize)
	}
	return ids, nil
}
