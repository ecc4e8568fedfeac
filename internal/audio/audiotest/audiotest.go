// Package audiotest builds encoded audio payloads for tests.
package audiotest

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

const flacBlockSize = 4096

// Tone returns seconds of a 220 Hz sine at rate.
func Tone(seconds float64, rate int) []float32 {
	samples := make([]float32, int(seconds*float64(rate)))
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
	}
	return samples
}

// FLAC encodes samples as a 16-bit mono FLAC payload with verbatim subframes.
func FLAC(tb testing.TB, samples []float32, rate int) []byte {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "tone.flac")
	file, err := os.Create(path)
	if err != nil {
		tb.Fatal(err)
	}

	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  65535,
		SampleRate:    uint32(rate),
		NChannels:     1,
		BitsPerSample: 16,
	}
	enc, err := flac.NewEncoder(file, info)
	if err != nil {
		tb.Fatalf("flac encoder: %v", err)
	}
	for start := 0; start < len(samples); start += flacBlockSize {
		block := samples[start:min(start+flacBlockSize, len(samples))]
		pcm := make([]int32, len(block))
		for i, s := range block {
			pcm[i] = int32(s * math.MaxInt16)
		}
		f := &frame.Frame{
			Header: frame.Header{
				BlockSize:     uint16(len(block)),
				SampleRate:    uint32(rate),
				Channels:      frame.ChannelsMono,
				BitsPerSample: 16,
			},
			Subframes: []*frame.Subframe{{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   pcm,
				NSamples:  len(pcm),
			}},
		}
		if err := enc.WriteFrame(f); err != nil {
			tb.Fatalf("write flac frame: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		tb.Fatalf("close flac encoder: %v", err)
	}
	file.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		tb.Fatal(err)
	}
	return data
}
