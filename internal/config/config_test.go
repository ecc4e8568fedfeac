package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataCreation.SaveLen != 5000 {
		t.Fatalf("expected default save_len 5000, got %d", cfg.DataCreation.SaveLen)
	}
	if cfg.Codec.FrameRate != 75 {
		t.Fatalf("expected default frame rate 75, got %d", cfg.Codec.FrameRate)
	}
	if cfg.DataCreation.TrailingFrames != "drop" {
		t.Fatalf("expected trailing frames to default to drop, got %q", cfg.DataCreation.TrailingFrames)
	}
	if cfg.Generation.Temperature != 0.1 || cfg.Generation.RepetitionPenalty != 1.1 {
		t.Fatalf("unexpected generation defaults: %+v", cfg.Generation)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-tts.yaml")
	data := []byte(`
data_creation:
  input_dir: /srv/raw
  save_dir: /srv/corpus
  format: jsonl
  save_len: 10
aligner:
  mode: exec
  command: "python3 align.py --device cuda"
generation:
  enabled: true
  backend: gguf
  endpoint: http://gpu-1:8081
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataCreation.Format != "jsonl" || cfg.DataCreation.SaveLen != 10 {
		t.Fatalf("unexpected data creation config: %+v", cfg.DataCreation)
	}
	if cfg.Aligner.Command != "python3 align.py --device cuda" {
		t.Fatalf("unexpected aligner command %q", cfg.Aligner.Command)
	}
	if cfg.Codec.Mode != "mock" {
		t.Fatalf("expected untouched codec mode to keep default")
	}
	if cfg.Generation.Endpoint != "http://gpu-1:8081" {
		t.Fatalf("unexpected endpoint %q", cfg.Generation.Endpoint)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_DATA_SAVE_LEN", "250")
	t.Setenv("LOQA_DATA_START_INDEX", "12")
	t.Setenv("LOQA_DATA_TRAILING_FRAMES", "append")
	t.Setenv("LOQA_CODEC_FRAME_RATE", "50")
	t.Setenv("LOQA_GENERATION_TEMPERATURE", "0.4")
	t.Setenv("LOQA_EVENT_STORE_MAX_RUNS", "7")
	t.Setenv("LOQA_NODE_ID", "gpu-3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.DataCreation.SaveLen != 250 || cfg.DataCreation.StartIndex != 12 {
		t.Fatalf("expected data creation overrides, got %+v", cfg.DataCreation)
	}
	if cfg.DataCreation.TrailingFrames != "append" {
		t.Fatalf("expected trailing frames override")
	}
	if cfg.Codec.FrameRate != 50 {
		t.Fatalf("expected frame rate override, got %d", cfg.Codec.FrameRate)
	}
	if cfg.Generation.Temperature != 0.4 {
		t.Fatalf("expected temperature override, got %v", cfg.Generation.Temperature)
	}
	if cfg.EventStore.MaxRuns != 7 {
		t.Fatalf("expected max runs override")
	}
	if cfg.Node.ID != "gpu-3" {
		t.Fatalf("expected node id override, got %q", cfg.Node.ID)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"save_len":        func(c *Config) { c.DataCreation.SaveLen = 0 },
		"format":          func(c *Config) { c.DataCreation.Format = "csv" },
		"trailing_frames": func(c *Config) { c.DataCreation.TrailingFrames = "keep" },
		"aligner_exec":    func(c *Config) { c.Aligner.Mode = "exec" },
		"codec_rate":      func(c *Config) { c.Codec.FrameRate = 0 },
		"backend": func(c *Config) {
			c.Generation.Enabled = true
			c.Generation.Backend = "vllm"
		},
		"hf_command": func(c *Config) {
			c.Generation.Enabled = true
			c.Generation.Backend = "hf"
		},
		"publish_without_bus": func(c *Config) { c.DataCreation.PublishBatches = true },
		"node_id":             func(c *Config) { c.Node.ID = "" },
		"heartbeat_timeout":   func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval - 1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
