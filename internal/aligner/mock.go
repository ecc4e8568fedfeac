package aligner

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

type mockAligner struct {
	sampleRate int
}

// NewMockAligner spreads the transcript's words over the audio in proportion to
// their length. It is meant for tests and dry runs.
func NewMockAligner(sampleRate int) Aligner {
	return &mockAligner{sampleRate: sampleRate}
}

func (m *mockAligner) SampleRate() int { return m.sampleRate }

func (m *mockAligner) Align(ctx context.Context, buf *audio.Buffer, transcript string) ([]Word, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(transcript)
	if len(words) == 0 {
		return nil, errors.New("transcript has no words")
	}
	if buf.Len() == 0 {
		return nil, audio.ErrEmptyAudio
	}
	resampled := buf.Resample(m.sampleRate)

	total := 0
	for _, w := range words {
		total += utf8.RuneCountInString(w)
	}
	ends := make([]int, len(words))
	acc := 0
	for i, w := range words {
		acc += utf8.RuneCountInString(w)
		ends[i] = acc * resampled.Len() / total
	}
	return contiguous(resampled, words, ends), nil
}
