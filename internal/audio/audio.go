// Package audio holds mono PCM buffers: decoding dataset payloads, resampling, and
// the WAV files handed to aligner and codec adapters.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
	"github.com/gopxl/beep"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"
)

var (
	ErrUnsupportedAudio = errors.New("unsupported audio container")
	ErrEmptyAudio       = errors.New("audio contains no samples")
)

// Buffer is a mono float32 signal in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

func New(samples []float32, sampleRate int) *Buffer {
	return &Buffer{Samples: samples, SampleRate: sampleRate}
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Samples)
}

func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Slice returns the samples in [start, end) clamped to the buffer bounds.
// The returned buffer shares memory with b.
func (b *Buffer) Slice(start, end int) *Buffer {
	if start < 0 {
		start = 0
	}
	if end > len(b.Samples) {
		end = len(b.Samples)
	}
	if end < start {
		end = start
	}
	return &Buffer{Samples: b.Samples[start:end], SampleRate: b.SampleRate}
}

// Concat joins buffers in order. All buffers must share a sample rate.
func Concat(parts ...*Buffer) (*Buffer, error) {
	if len(parts) == 0 {
		return nil, ErrEmptyAudio
	}
	rate := parts[0].SampleRate
	total := 0
	for i, p := range parts {
		if p.SampleRate != rate {
			return nil, fmt.Errorf("segment %d has sample rate %d, want %d", i, p.SampleRate, rate)
		}
		total += len(p.Samples)
	}
	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p.Samples...)
	}
	return &Buffer{Samples: out, SampleRate: rate}, nil
}

// resampleQuality is the interpolation window handed to beep.Resample.
const resampleQuality = 4

// Resample converts b to the target rate.
func (b *Buffer) Resample(rate int) *Buffer {
	if rate <= 0 || rate == b.SampleRate || len(b.Samples) == 0 {
		return &Buffer{Samples: b.Samples, SampleRate: b.SampleRate}
	}
	want := int(math.Round(float64(len(b.Samples)) * float64(rate) / float64(b.SampleRate)))
	resampler := beep.Resample(resampleQuality, beep.SampleRate(b.SampleRate), beep.SampleRate(rate), &streamer{samples: b.Samples})

	out := readMono(resampler, want)
	if len(out) > want {
		out = out[:want]
	}
	for len(out) < want {
		out = append(out, 0)
	}
	return &Buffer{Samples: out, SampleRate: rate}
}

// Container identifies an encoded audio payload.
type Container string

const (
	ContainerUnknown Container = ""
	ContainerWAV     Container = "wav"
	ContainerFLAC    Container = "flac"
	ContainerMP3     Container = "mp3"
)

// Sniff detects the container of data from its leading bytes.
func Sniff(data []byte) Container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return ContainerWAV
	case bytes.HasPrefix(data, []byte("fLaC")):
		return ContainerFLAC
	case bytes.HasPrefix(data, []byte("ID3")):
		return ContainerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContainerMP3
	}
	return ContainerUnknown
}

// Decode parses a WAV, FLAC or MP3 payload and downmixes it to mono.
func Decode(data []byte) (*Buffer, error) {
	var (
		stream beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	kind := Sniff(data)
	r := bytes.NewReader(data)
	switch kind {
	case ContainerWAV:
		stream, format, err = wav.Decode(r)
	case ContainerFLAC:
		stream, format, err = flac.Decode(r)
	case ContainerMP3:
		stream, format, err = mp3.Decode(io.NopCloser(r))
	default:
		return nil, ErrUnsupportedAudio
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	defer stream.Close()

	samples := readMono(stream, stream.Len())
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	return &Buffer{Samples: samples, SampleRate: int(format.SampleRate)}, nil
}

// readMono drains s, averaging the two beep channels.
func readMono(s beep.Streamer, sizeHint int) []float32 {
	out := make([]float32, 0, max(sizeHint, 0))
	chunk := make([][2]float64, 4096)
	for {
		n, ok := s.Stream(chunk)
		for _, frame := range chunk[:n] {
			out = append(out, float32((frame[0]+frame[1])/2))
		}
		if !ok {
			return out
		}
	}
}

// streamer plays a mono sample slice on both beep channels.
type streamer struct {
	samples []float32
	pos     int
}

func (s *streamer) Stream(out [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy32(out, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *streamer) Err() error { return nil }

func copy32(out [][2]float64, in []float32) int {
	n := min(len(out), len(in))
	for i := 0; i < n; i++ {
		v := float64(in[i])
		out[i] = [2]float64{v, v}
	}
	return n
}

// WriteWAV encodes b as 16-bit mono PCM.
func (b *Buffer) WriteWAV(file *os.File) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: b.SampleRate},
		SourceBitDepth: 16,
	}
	data := make([]int, len(b.Samples))
	for i, s := range b.Samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * math.MaxInt16)
	}
	buffer.Data = data

	enc := gowav.NewEncoder(file, b.SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteTempWAV writes b to a new temporary file and returns its path. The caller
// removes the file.
func (b *Buffer) WriteTempWAV(pattern string) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	if err := b.WriteWAV(file); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close temp wav: %w", err)
	}
	return file.Name(), nil
}
