package codec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
)

func TestMockCodecFrameCount(t *testing.T) {
	c := NewMockCodec(24000, 75)
	// one second at 16 kHz is resampled before encoding
	codes, err := c.Encode(context.Background(), audio.New(make([]float32, 16000), 16000))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if codes.Frames() != 75 {
		t.Fatalf("expected 75 frames, got %d", codes.Frames())
	}
	for _, code := range codes.Primary() {
		if code < 0 || code >= mockCodebookSize {
			t.Fatalf("code %d outside codebook", code)
		}
	}
}

func TestMockCodecDeterministic(t *testing.T) {
	samples := make([]float32, 4800)
	for i := range samples {
		samples[i] = float32(i%50) / 100
	}
	c := NewMockCodec(24000, 75)
	a, err := c.Encode(context.Background(), audio.New(samples, 24000))
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encode(context.Background(), audio.New(samples, 24000))
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Primary() {
		if a.Primary()[i] != b.Primary()[i] {
			t.Fatalf("frame %d differs between runs", i)
		}
	}
}

func TestMockCodecEmptyAudio(t *testing.T) {
	c := NewMockCodec(24000, 75)
	if _, err := c.Encode(context.Background(), audio.New(nil, 24000)); !errors.Is(err, audio.ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
	// 10 samples round to zero frames
	if _, err := c.Encode(context.Background(), audio.New(make([]float32, 10), 24000)); !errors.Is(err, ErrNoCodes) {
		t.Fatalf("expected ErrNoCodes, got %v", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codec.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\ncat >/dev/null\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecCodecTakesFirstBatch(t *testing.T) {
	script := writeScript(t, "echo '{\"codes\":[[[5,6,7],[8,9,10]]]}'\n")
	c, err := NewExecCodec(config.CodecConfig{Mode: "exec", Command: script, SampleRate: 24000, FrameRate: 75})
	if err != nil {
		t.Fatalf("new exec codec: %v", err)
	}
	codes, err := c.Encode(context.Background(), audio.New(make([]float32, 960), 24000))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(codes) != 2 || codes.Frames() != 3 || codes.Primary()[2] != 7 {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestExecCodecErrors(t *testing.T) {
	cases := map[string]string{
		"empty":   "echo '{\"codes\":[]}'\n",
		"ragged":  "echo '{\"codes\":[[[1,2],[3]]]}'\n",
		"error":   "echo '{\"error\":\"cuda out of memory\"}'\n",
		"garbage": "echo 'not json'\n",
		"exit":    "exit 3\n",
	}
	for name, body := range cases {
		c, err := NewExecCodec(config.CodecConfig{Command: writeScript(t, body), SampleRate: 24000, FrameRate: 75})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, err := c.Encode(context.Background(), audio.New(make([]float32, 960), 24000)); err == nil {
			t.Fatalf("%s: expected encode error", name)
		}
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.CodecConfig{Mode: "dac"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(config.CodecConfig{Mode: "exec", Command: "/nonexistent/codec"}); err == nil {
		t.Fatal("expected error for missing command")
	}
}
