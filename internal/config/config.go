package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Node         NodeConfig         `yaml:"node"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	DataCreation DataCreationConfig `yaml:"data_creation"`
	Aligner      AlignerConfig      `yaml:"aligner"`
	Codec        CodecConfig        `yaml:"codec"`
	Generation   GenerationConfig   `yaml:"generation"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies a generation daemon on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// DataCreationConfig drives the corpus creation pipeline.
type DataCreationConfig struct {
	InputDir       string `yaml:"input_dir"`
	SaveDir        string `yaml:"save_dir"`
	Format         string `yaml:"format"` // parquet, jsonl
	SaveLen        int    `yaml:"save_len"`
	StartIndex     int    `yaml:"start_index"`
	SentinelCode   int    `yaml:"sentinel_code"`
	TrailingFrames string `yaml:"trailing_frames"` // drop, append
	PublishBatches bool   `yaml:"publish_batches"`
	ObjectBucket   string `yaml:"object_bucket"`
}

type AlignerConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
}

type CodecConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	SampleRate int    `yaml:"sample_rate"`
	FrameRate  int    `yaml:"frame_rate"`
}

type GenerationConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Backend           string  `yaml:"backend"` // mock, hf, gguf, exl2
	ModelPath         string  `yaml:"model_path"`
	Command           string  `yaml:"command"`
	Endpoint          string  `yaml:"endpoint"`
	Device            string  `yaml:"device"`
	GPULayers         int     `yaml:"n_gpu_layers"`
	MaxLength         int     `yaml:"max_length"`
	Temperature       float64 `yaml:"temperature"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	EOSTokenID        int     `yaml:"eos_token_id"`
	TimeoutMS         int     `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Node: NodeConfig{
			ID:                "ttsd-local",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts-events.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		DataCreation: DataCreationConfig{
			InputDir:       "./data/raw",
			SaveDir:        "./data/corpus",
			Format:         "parquet",
			SaveLen:        5000,
			StartIndex:     0,
			SentinelCode:   1,
			TrailingFrames: "drop",
			ObjectBucket:   "TTS_CORPUS",
		},
		Aligner: AlignerConfig{
			Mode:       "mock",
			Language:   "en",
			SampleRate: 16000,
		},
		Codec: CodecConfig{
			Mode:       "mock",
			SampleRate: 24000,
			FrameRate:  75,
		},
		Generation: GenerationConfig{
			Enabled:           false,
			Backend:           "mock",
			Endpoint:          "http://localhost:8081",
			Device:            "cuda",
			MaxLength:         4096,
			Temperature:       0.1,
			RepetitionPenalty: 1.1,
			EOSTokenID:        -1,
			TimeoutMS:         120000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.DataCreation.InputDir, "LOQA_DATA_INPUT_DIR")
	overrideString(&cfg.DataCreation.SaveDir, "LOQA_DATA_SAVE_DIR")
	overrideString(&cfg.DataCreation.Format, "LOQA_DATA_FORMAT")
	overrideInt(&cfg.DataCreation.SaveLen, "LOQA_DATA_SAVE_LEN")
	overrideInt(&cfg.DataCreation.StartIndex, "LOQA_DATA_START_INDEX")
	overrideInt(&cfg.DataCreation.SentinelCode, "LOQA_DATA_SENTINEL_CODE")
	overrideString(&cfg.DataCreation.TrailingFrames, "LOQA_DATA_TRAILING_FRAMES")
	overrideBool(&cfg.DataCreation.PublishBatches, "LOQA_DATA_PUBLISH_BATCHES")
	overrideString(&cfg.DataCreation.ObjectBucket, "LOQA_DATA_OBJECT_BUCKET")
	overrideString(&cfg.Aligner.Mode, "LOQA_ALIGNER_MODE")
	overrideString(&cfg.Aligner.Command, "LOQA_ALIGNER_COMMAND")
	overrideString(&cfg.Aligner.ModelPath, "LOQA_ALIGNER_MODEL_PATH")
	overrideString(&cfg.Aligner.Language, "LOQA_ALIGNER_LANGUAGE")
	overrideInt(&cfg.Aligner.SampleRate, "LOQA_ALIGNER_SAMPLE_RATE")
	overrideString(&cfg.Codec.Mode, "LOQA_CODEC_MODE")
	overrideString(&cfg.Codec.Command, "LOQA_CODEC_COMMAND")
	overrideString(&cfg.Codec.ModelPath, "LOQA_CODEC_MODEL_PATH")
	overrideInt(&cfg.Codec.SampleRate, "LOQA_CODEC_SAMPLE_RATE")
	overrideInt(&cfg.Codec.FrameRate, "LOQA_CODEC_FRAME_RATE")
	overrideBool(&cfg.Generation.Enabled, "LOQA_GENERATION_ENABLED")
	overrideString(&cfg.Generation.Backend, "LOQA_GENERATION_BACKEND")
	overrideString(&cfg.Generation.ModelPath, "LOQA_GENERATION_MODEL_PATH")
	overrideString(&cfg.Generation.Command, "LOQA_GENERATION_COMMAND")
	overrideString(&cfg.Generation.Endpoint, "LOQA_GENERATION_ENDPOINT")
	overrideString(&cfg.Generation.Device, "LOQA_GENERATION_DEVICE")
	overrideInt(&cfg.Generation.GPULayers, "LOQA_GENERATION_N_GPU_LAYERS")
	overrideInt(&cfg.Generation.MaxLength, "LOQA_GENERATION_MAX_LENGTH")
	overrideFloat(&cfg.Generation.Temperature, "LOQA_GENERATION_TEMPERATURE")
	overrideFloat(&cfg.Generation.RepetitionPenalty, "LOQA_GENERATION_REPETITION_PENALTY")
	overrideInt(&cfg.Generation.EOSTokenID, "LOQA_GENERATION_EOS_TOKEN_ID")
	overrideInt(&cfg.Generation.TimeoutMS, "LOQA_GENERATION_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be > 0")
	}
	if cfg.Node.HeartbeatTimeout < cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be >= heartbeat_interval_ms")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validateDataCreation(cfg); err != nil {
		return err
	}
	if err := validateAdapters(cfg); err != nil {
		return err
	}
	if cfg.Generation.Enabled {
		return validateGeneration(cfg.Generation)
	}
	return nil
}

func validateDataCreation(cfg Config) error {
	dc := cfg.DataCreation
	if dc.SaveDir == "" {
		return errors.New("data_creation.save_dir must not be empty")
	}
	switch dc.Format {
	case "parquet", "jsonl":
	default:
		return errors.New("data_creation.format must be one of parquet|jsonl")
	}
	if dc.SaveLen <= 0 {
		return errors.New("data_creation.save_len must be >= 1")
	}
	if dc.StartIndex < 0 {
		return errors.New("data_creation.start_index must be >= 0")
	}
	switch dc.TrailingFrames {
	case "drop", "append":
	default:
		return errors.New("data_creation.trailing_frames must be one of drop|append")
	}
	if dc.PublishBatches {
		if !cfg.Bus.Enabled {
			return errors.New("data_creation.publish_batches requires bus.enabled")
		}
		if dc.ObjectBucket == "" {
			return errors.New("data_creation.object_bucket must be set when publish_batches is enabled")
		}
	}
	return nil
}

func validateAdapters(cfg Config) error {
	switch cfg.Aligner.Mode {
	case "mock", "exec":
	default:
		return errors.New("aligner.mode must be one of mock|exec")
	}
	if cfg.Aligner.Mode == "exec" && cfg.Aligner.Command == "" {
		return errors.New("aligner.command must be set when mode=exec")
	}
	if cfg.Aligner.SampleRate <= 0 {
		return errors.New("aligner.sample_rate must be positive")
	}
	switch cfg.Codec.Mode {
	case "mock", "exec":
	default:
		return errors.New("codec.mode must be one of mock|exec")
	}
	if cfg.Codec.Mode == "exec" && cfg.Codec.Command == "" {
		return errors.New("codec.command must be set when mode=exec")
	}
	if cfg.Codec.SampleRate <= 0 {
		return errors.New("codec.sample_rate must be positive")
	}
	if cfg.Codec.FrameRate <= 0 {
		return errors.New("codec.frame_rate must be positive")
	}
	return nil
}

func validateGeneration(gen GenerationConfig) error {
	switch gen.Backend {
	case "mock":
	case "hf", "exl2":
		if gen.Command == "" {
			return fmt.Errorf("generation.command must be set when backend=%s", gen.Backend)
		}
	case "gguf":
		if gen.Endpoint == "" {
			return errors.New("generation.endpoint must be set when backend=gguf")
		}
	default:
		return errors.New("generation.backend must be one of mock|hf|gguf|exl2")
	}
	if gen.MaxLength <= 0 {
		return errors.New("generation.max_length must be positive")
	}
	if gen.Temperature < 0 {
		return errors.New("generation.temperature must be >= 0")
	}
	if gen.RepetitionPenalty < 1.0 {
		return errors.New("generation.repetition_penalty must be >= 1.0")
	}
	if gen.GPULayers < 0 {
		return errors.New("generation.n_gpu_layers must be >= 0")
	}
	return nil
}
