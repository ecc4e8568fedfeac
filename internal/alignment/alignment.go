// Package alignment maps word-level forced-alignment boundaries onto the fixed-rate
// token stream produced by the audio codec.
//
// Word boundaries arrive in the sample domain at the aligner's sample rate. Each
// word's cumulative end is converted to a frame index and the previous word's end
// becomes the next word's start, so adjacent words can never overlap or leave a gap.
// A word whose slice comes out empty is given a single sentinel code.
package alignment

import (
	"errors"
	"math"
)

const (
	// DefaultFrameRate is the codec frame rate in tokens per second.
	DefaultFrameRate = 75
	// DefaultSentinelCode stands in for words that map to no codec frames.
	DefaultSentinelCode = 1
)

var (
	ErrNoWords         = errors.New("alignment produced no words")
	ErrInvalidRate     = errors.New("sample rate and frame rate must be positive")
	ErrDescendingSpans = errors.New("word end offsets must not decrease")
)

// Trailing decides what happens to frames after the last word's end boundary.
type Trailing int

const (
	// TrailingDrop discards them.
	TrailingDrop Trailing = iota
	// TrailingAppend attaches them to the last word.
	TrailingAppend
)

// ParseTrailing maps the config spelling to a Trailing policy.
func ParseTrailing(s string) Trailing {
	if s == "append" {
		return TrailingAppend
	}
	return TrailingDrop
}

// Span is a word with its end offset in samples, relative to the start of the
// concatenated audio.
type Span struct {
	Word      string
	EndSample int
}

// WordCodes is the per-word training record.
type WordCodes struct {
	Word     string  `json:"word"`
	Duration float64 `json:"duration"`
	Codes    []int   `json:"codes"`
}

// Speaker is one aligned utterance.
type Speaker struct {
	Text  string      `json:"text"`
	Words []WordCodes `json:"words"`
}

type Options struct {
	SampleRate   int
	FrameRate    int
	SentinelCode int
	Trailing     Trailing
}

func (o Options) withDefaults() Options {
	if o.FrameRate == 0 {
		o.FrameRate = DefaultFrameRate
	}
	return o
}

// FrameIndex converts a sample offset to a frame boundary, rounding half to even.
func FrameIndex(sample, sampleRate, frameRate int) int {
	return int(math.RoundToEven(float64(sample) / float64(sampleRate) * float64(frameRate)))
}

// Round2 rounds to two decimals, half to even.
func Round2(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}

// Duration is the length in seconds of n frames at frameRate, rounded to two decimals.
func Duration(n, frameRate int) float64 {
	return Round2(float64(n) / float64(frameRate))
}

// DefaultOptions returns the reference settings for audio aligned at sampleRate.
func DefaultOptions(sampleRate int) Options {
	return Options{
		SampleRate:   sampleRate,
		FrameRate:    DefaultFrameRate,
		SentinelCode: DefaultSentinelCode,
		Trailing:     TrailingDrop,
	}
}

// Boundaries returns the frame cursor after each span. Boundaries never decrease
// and never exceed frameCount.
func Boundaries(spans []Span, frameCount int, opts Options) []int {
	opts = opts.withDefaults()
	out := make([]int, len(spans))
	start := 0
	for i, span := range spans {
		end := FrameIndex(span.EndSample, opts.SampleRate, opts.FrameRate)
		if end > frameCount {
			end = frameCount
		}
		if end < start {
			end = start
		}
		out[i] = end
		start = end
	}
	return out
}

// Map assigns every span a contiguous slice of frames. frames is the codec output
// for the concatenation of all span audio, in order.
func Map(spans []Span, frames []int, opts Options) ([]WordCodes, error) {
	opts = opts.withDefaults()
	if opts.SampleRate <= 0 || opts.FrameRate <= 0 {
		return nil, ErrInvalidRate
	}
	if len(spans) == 0 {
		return nil, ErrNoWords
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].EndSample < spans[i-1].EndSample {
			return nil, ErrDescendingSpans
		}
	}

	bounds := Boundaries(spans, len(frames), opts)
	out := make([]WordCodes, len(spans))
	start := 0
	for i, span := range spans {
		end := bounds[i]
		codes := make([]int, end-start, end-start+1)
		copy(codes, frames[start:end])
		out[i] = WordCodes{Word: span.Word, Codes: codes}
		start = end
	}

	if opts.Trailing == TrailingAppend && start < len(frames) {
		last := &out[len(out)-1]
		last.Codes = append(last.Codes, frames[start:]...)
	}

	for i := range out {
		if len(out[i].Codes) == 0 {
			out[i].Codes = []int{opts.SentinelCode}
		}
		out[i].Duration = Duration(len(out[i].Codes), opts.FrameRate)
	}
	return out, nil
}
