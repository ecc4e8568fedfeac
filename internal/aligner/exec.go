package aligner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/mattn/go-shellwords"
)

type execAligner struct {
	cmd []string
	cfg config.AlignerConfig
	mu  sync.Mutex
}

type execWord struct {
	Word string `json:"word"`
	X0   int    `json:"x0"`
	X1   int    `json:"x1"`
}

type execResult struct {
	SampleRate int        `json:"sample_rate"`
	Words      []execWord `json:"words"`
}

// NewExecAligner runs an external forced-alignment command once per sample. The
// command receives --audio <wav> --transcript <text> and prints
// {"sample_rate":16000,"words":[{"word":"hi","x0":0,"x1":2133}]} on stdout.
func NewExecAligner(cfg config.AlignerConfig) (Aligner, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse aligner command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("aligner command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("aligner command %q not found; install the alignment runner or set aligner.mode=mock: %w", args[0], err)
	}
	return &execAligner{cmd: args, cfg: cfg}, nil
}

func (a *execAligner) SampleRate() int { return a.cfg.SampleRate }

func (a *execAligner) Align(ctx context.Context, buf *audio.Buffer, transcript string) ([]Word, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resampled := buf.Resample(a.cfg.SampleRate)
	path, err := resampled.WriteTempWAV("loqa_align_*.wav")
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	base := a.cmd[0]
	cmdArgs := append([]string{}, a.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path, "--transcript", transcript)
	if a.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", a.cfg.ModelPath)
	}
	if a.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", a.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("aligner command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode aligner response: %w", err)
	}
	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("aligner returned no words for %q", transcript)
	}
	if resp.SampleRate != 0 && resp.SampleRate != resampled.SampleRate {
		return nil, fmt.Errorf("aligner answered at %d Hz, expected %d Hz", resp.SampleRate, resampled.SampleRate)
	}

	words := make([]string, len(resp.Words))
	ends := make([]int, len(resp.Words))
	for i, w := range resp.Words {
		words[i] = w.Word
		ends[i] = w.X1
	}
	return contiguous(resampled, words, ends), nil
}
