package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/mattn/go-shellwords"
)

// runnerGenerator drives an external inference runner (transformers for "hf",
// exllamav2 for "exl2"). Each call starts the runner, writes one JSON request to
// stdin and reads one JSON object per line from stdout.
type runnerGenerator struct {
	backend string
	cmd     []string
	cfg     config.GenerationConfig
	mu      sync.Mutex
}

type runnerRequest struct {
	Op                string         `json:"op"`
	Backend           string         `json:"backend"`
	ModelPath         string         `json:"model_path"`
	Device            string         `json:"device,omitempty"`
	GPULayers         int            `json:"n_gpu_layers,omitempty"`
	InputIDs          []int          `json:"input_ids,omitempty"`
	Text              string         `json:"text,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	RepetitionPenalty float64        `json:"repetition_penalty,omitempty"`
	MaxLength         int            `json:"max_length,omitempty"`
	MaxNewTokens      int            `json:"max_new_tokens,omitempty"`
	Additional        map[string]any `json:"additional,omitempty"`
}

type runnerLine struct {
	Token  *int   `json:"token,omitempty"`
	Tokens []int  `json:"tokens,omitempty"`
	Done   bool   `json:"done,omitempty"`
	Error  string `json:"error,omitempty"`
}

var errStopped = errors.New("generation stopped")

func NewRunnerGenerator(backend string, cfg config.GenerationConfig) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse %s runner command: %w", backend, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: %s backend needs generation.command", ErrBackendUnavailable, backend)
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %s runner %q not found on PATH; install it or choose another backend: %v",
			ErrBackendUnavailable, backend, args[0], err)
	}
	return &runnerGenerator{backend: backend, cmd: args, cfg: cfg}, nil
}

func (g *runnerGenerator) Generate(ctx context.Context, inputIDs []int, cfg Config) ([]int, error) {
	return collect(ctx, g, inputIDs, cfg)
}

func (g *runnerGenerator) Stream(ctx context.Context, inputIDs []int, cfg Config, consumer func(int) error) error {
	budget, err := cfg.budget(inputIDs)
	if err != nil {
		return err
	}
	req := g.request("generate")
	req.InputIDs = inputIDs
	req.Temperature = cfg.Temperature
	req.RepetitionPenalty = cfg.RepetitionPenalty
	req.MaxLength = cfg.MaxLength
	req.MaxNewTokens = budget
	req.Additional = cfg.Additional

	produced := 0
	return g.run(ctx, req, func(line runnerLine) error {
		if line.Token == nil {
			if line.Done {
				return errStopped
			}
			return nil
		}
		token := *line.Token
		if err := consumer(token); err != nil {
			return err
		}
		produced++
		if produced >= budget || g.isEOS(token) {
			return errStopped
		}
		return nil
	})
}

func (g *runnerGenerator) Tokenize(ctx context.Context, text string) ([]int, error) {
	req := g.request("tokenize")
	req.Text = text
	var tokens []int
	err := g.run(ctx, req, func(line runnerLine) error {
		if line.Tokens != nil {
			tokens = line.Tokens
			return errStopped
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("%s runner returned no tokens", g.backend)
	}
	return tokens, nil
}

func (g *runnerGenerator) isEOS(token int) bool {
	return g.backend == "exl2" && g.cfg.EOSTokenID >= 0 && token == g.cfg.EOSTokenID
}

func (g *runnerGenerator) request(op string) runnerRequest {
	return runnerRequest{
		Op:        op,
		Backend:   g.backend,
		ModelPath: g.cfg.ModelPath,
		Device:    g.cfg.Device,
		GPULayers: g.cfg.GPULayers,
	}
}

// run executes the runner and feeds each stdout line to handle until the runner
// exits or handle returns errStopped.
func (g *runnerGenerator) run(ctx context.Context, req runnerRequest, handle func(runnerLine) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	base := g.cmd[0]
	args := append([]string{}, g.cmd[1:]...)
	cmd := exec.CommandContext(runCtx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s runner: %w", g.backend, err)
	}

	stopped := false
	var handleErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var line runnerLine
		if err := json.Unmarshal(data, &line); err != nil {
			handleErr = fmt.Errorf("decode %s runner output: %w", g.backend, err)
			break
		}
		if line.Error != "" {
			handleErr = fmt.Errorf("%s runner: %s", g.backend, line.Error)
			break
		}
		if err := handle(line); err != nil {
			if errors.Is(err, errStopped) {
				stopped = true
			} else {
				handleErr = err
			}
			break
		}
	}
	scanErr := scanner.Err()

	if stopped || handleErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case handleErr != nil:
		return handleErr
	case stopped:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		return fmt.Errorf("%s runner failed: %w: %s", g.backend, waitErr, stderr.String())
	case scanErr != nil:
		return scanErr
	}
	return nil
}
