// Package codec wraps the neural audio codec that turns waveforms into discrete
// frame tokens.
package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
)

var ErrNoCodes = errors.New("codec returned no frames")

// Codes holds one token sequence per codebook, all of equal length.
type Codes [][]int

// Primary returns the first codebook, the sequence training records are built from.
func (c Codes) Primary() []int {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// Frames is the number of codec frames.
func (c Codes) Frames() int {
	return len(c.Primary())
}

// Codec encodes audio at SampleRate into FrameRate frames per second.
type Codec interface {
	Encode(ctx context.Context, buf *audio.Buffer) (Codes, error)
	SampleRate() int
	FrameRate() int
}

// New builds the codec selected by cfg.Mode.
func New(cfg config.CodecConfig) (Codec, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockCodec(cfg.SampleRate, cfg.FrameRate), nil
	case "exec":
		return NewExecCodec(cfg)
	default:
		return nil, fmt.Errorf("unsupported codec mode %q", cfg.Mode)
	}
}
