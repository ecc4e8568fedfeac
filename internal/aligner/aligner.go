package aligner

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
)

// Word is one forced-alignment span. Words returned by an Aligner are contiguous:
// word i covers samples [EndSample of word i-1, EndSample) of the aligned audio,
// so the concatenation of all Audio segments is the aligned audio itself.
type Word struct {
	Word        string
	Audio       *audio.Buffer
	StartSample int
	EndSample   int
}

// Aligner abstracts forced-alignment backends.
type Aligner interface {
	Align(ctx context.Context, buf *audio.Buffer, transcript string) ([]Word, error)
	// SampleRate is the rate at which word offsets are reported.
	SampleRate() int
}

// contiguous builds word segments from end offsets on buf.
func contiguous(buf *audio.Buffer, words []string, ends []int) []Word {
	out := make([]Word, len(words))
	start := 0
	for i, w := range words {
		end := ends[i]
		if end > buf.Len() {
			end = buf.Len()
		}
		if end < start {
			end = start
		}
		out[i] = Word{
			Word:        w,
			Audio:       buf.Slice(start, end),
			StartSample: start,
			EndSample:   end,
		}
		start = end
	}
	return out
}

// New builds the aligner selected by cfg.Mode.
func New(cfg config.AlignerConfig) (Aligner, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockAligner(cfg.SampleRate), nil
	case "exec":
		return NewExecAligner(cfg)
	default:
		return nil, fmt.Errorf("unsupported aligner mode %q", cfg.Mode)
	}
}
