package codec

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

type execCodec struct {
	cmd []string
	cfg config.CodecConfig
	mu  sync.Mutex
}

type execRequest struct {
	AudioPath  string `json:"audio_path"`
	SampleRate int    `json:"sample_rate"`
	ModelPath  string `json:"model_path,omitempty"`
}

// execResponse carries codes as [batch][codebook][frame].
type execResponse struct {
	Codes [][][]int `json:"codes"`
	Error string    `json:"error,omitempty"`
}

// NewExecCodec runs an external encoder. The command reads one JSON request on
// stdin and answers with {"codes": [[[...]]]}.
func NewExecCodec(cfg config.CodecConfig) (Codec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse codec command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("codec command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("codec command %q not found; install the codec runner or set codec.mode=mock: %w", args[0], err)
	}
	return &execCodec{cmd: args, cfg: cfg}, nil
}

func (e *execCodec) SampleRate() int { return e.cfg.SampleRate }
func (e *execCodec) FrameRate() int  { return e.cfg.FrameRate }

func (e *execCodec) Encode(ctx context.Context, buf *audio.Buffer) (Codes, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	path, err := buf.Resample(e.cfg.SampleRate).WriteTempWAV("loqa_codec_*.wav")
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	payload, err := json.Marshal(execRequest{
		AudioPath:  path,
		SampleRate: e.cfg.SampleRate,
		ModelPath:  e.cfg.ModelPath,
	})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("codec command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode codec response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("codec: %s", resp.Error)
	}
	if len(resp.Codes) == 0 || len(resp.Codes[0]) == 0 || len(resp.Codes[0][0]) == 0 {
		return nil, ErrNoCodes
	}
	codes := Codes(resp.Codes[0])
	for i, book := range codes {
		if len(book) != codes.Frames() {
			return nil, fmt.Errorf("codebook %d has %d frames, expected %d", i, len(book), codes.Frames())
		}
	}
	return codes, nil
}
