package aligner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
)

func TestMockAlignerIsContiguous(t *testing.T) {
	buf := audio.New(make([]float32, 24000), 24000)
	a := NewMockAligner(16000)

	words, err := a.Align(context.Background(), buf, "the quick brown fox")
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if len(words) != 4 {
		t.Fatalf("expected 4 words, got %d", len(words))
	}
	prev := 0
	total := 0
	for i, w := range words {
		if w.StartSample != prev {
			t.Fatalf("word %d starts at %d, expected %d", i, w.StartSample, prev)
		}
		if w.Audio.Len() != w.EndSample-w.StartSample {
			t.Fatalf("word %d audio length %d does not match span", i, w.Audio.Len())
		}
		if w.Audio.SampleRate != 16000 {
			t.Fatalf("word %d has rate %d", i, w.Audio.SampleRate)
		}
		total += w.Audio.Len()
		prev = w.EndSample
	}
	if total != 16000 {
		t.Fatalf("expected segments to cover 16000 samples, got %d", total)
	}
}

func TestMockAlignerRejectsEmptyInput(t *testing.T) {
	a := NewMockAligner(16000)
	if _, err := a.Align(context.Background(), audio.New(make([]float32, 10), 16000), "   "); err == nil {
		t.Fatal("expected error for empty transcript")
	}
	if _, err := a.Align(context.Background(), audio.New(nil, 16000), "hello"); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestContiguousClampsOffsets(t *testing.T) {
	buf := audio.New(make([]float32, 100), 16000)
	words := contiguous(buf, []string{"a", "b", "c"}, []int{40, 30, 500})
	if words[1].StartSample != 40 || words[1].EndSample != 40 {
		t.Fatalf("expected backwards offset clamped to 40, got %+v", words[1])
	}
	if words[2].EndSample != 100 {
		t.Fatalf("expected final offset clamped to 100, got %d", words[2].EndSample)
	}
}

func TestExecAlignerParsesResponse(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "align.sh")
	body := "#!/bin/sh\necho '{\"sample_rate\":16000,\"words\":[{\"word\":\"hello\",\"x0\":0,\"x1\":4000},{\"word\":\"world\",\"x0\":4100,\"x1\":9000}]}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	a, err := NewExecAligner(config.AlignerConfig{Mode: "exec", Command: script, SampleRate: 16000})
	if err != nil {
		t.Fatalf("new exec aligner: %v", err)
	}
	words, err := a.Align(context.Background(), audio.New(make([]float32, 16000), 16000), "hello world")
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if len(words) != 2 || words[0].Word != "hello" || words[1].Word != "world" {
		t.Fatalf("unexpected words %+v", words)
	}
	if words[1].StartSample != 4000 || words[1].EndSample != 9000 {
		t.Fatalf("expected second word to start where the first ends, got %+v", words[1])
	}
}

func TestExecAlignerMissingCommand(t *testing.T) {
	if _, err := NewExecAligner(config.AlignerConfig{Command: "/nonexistent/aligner --fast"}); err == nil {
		t.Fatal("expected error for missing command")
	}
	if _, err := New(config.AlignerConfig{Mode: "whisperx"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
