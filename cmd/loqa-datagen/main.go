package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/aligner"
	"github.com/loqalabs/loqa-tts/internal/alignment"
	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/codec"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/datagen"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/objectstore"
	"github.com/loqalabs/loqa-tts/internal/telemetry"
)

var version = "0.1.0-dev"

type speakerFlags struct {
	wav        string
	transcript string
	out        string
}

func main() {
	var (
		configPath  string
		showVersion bool
		speaker     speakerFlags
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&speaker.wav, "speaker", "", "Build a speaker profile from this audio file (wav, flac or mp3) instead of running the corpus pipeline")
	flag.StringVar(&speaker.transcript, "transcript", "", "Transcript of the -speaker audio")
	flag.StringVar(&speaker.out, "out", "speaker.json", "Where to write the speaker profile")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	level.Set(telemetry.ParseLevel(cfg.Telemetry.LogLevel))
	logger = logger.With(slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if speaker.wav != "" {
		err = buildSpeaker(ctx, cfg, speaker, logger)
	} else {
		err = run(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("datagen exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	providers, err := telemetry.Setup(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	if cfg.Telemetry.PrometheusBind != "" {
		srv := &http.Server{Addr: cfg.Telemetry.PrometheusBind, Handler: providers.MetricsHandler, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	al, err := aligner.New(cfg.Aligner)
	if err != nil {
		return fmt.Errorf("init aligner: %w", err)
	}
	cd, err := codec.New(cfg.Codec)
	if err != nil {
		return fmt.Errorf("init codec: %w", err)
	}

	events, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer events.Close()

	runID := uuid.NewString()
	opts := []datagen.Option{datagen.WithRunID(runID), datagen.WithEventStore(events)}

	if cfg.DataCreation.PublishBatches {
		client, err := bus.Connect(ctx, cfg.Bus, cfg.RuntimeName+"-datagen", logger)
		if err != nil {
			return err
		}
		defer client.Close()
		store, err := objectstore.New(client.JetStream(), cfg.DataCreation.ObjectBucket)
		if err != nil {
			return err
		}
		opts = append(opts, datagen.WithFlushHook(datagen.NewBatchPublisher(client, store, runID).Hook))
	}

	pipeline, err := datagen.New(cfg.DataCreation, al, cd, logger, opts...)
	if err != nil {
		return err
	}
	stats, err := pipeline.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("corpus run interrupted", slog.Int("batches", stats.Batches))
			return nil
		}
		return err
	}
	return nil
}

func buildSpeaker(ctx context.Context, cfg config.Config, flags speakerFlags, logger *slog.Logger) error {
	if flags.transcript == "" {
		return errors.New("-speaker requires -transcript")
	}
	data, err := os.ReadFile(flags.wav)
	if err != nil {
		return err
	}
	buf, err := audio.Decode(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", flags.wav, err)
	}

	al, err := aligner.New(cfg.Aligner)
	if err != nil {
		return fmt.Errorf("init aligner: %w", err)
	}
	cd, err := codec.New(cfg.Codec)
	if err != nil {
		return fmt.Errorf("init codec: %w", err)
	}
	pipeline, err := datagen.New(cfg.DataCreation, al, cd, logger)
	if err != nil {
		return err
	}

	speaker, err := pipeline.CreateSpeaker(ctx, buf, flags.transcript)
	if err != nil {
		return err
	}
	if err := alignment.SaveSpeaker(flags.out, speaker); err != nil {
		return err
	}
	logger.Info("speaker profile written",
		slog.String("path", flags.out),
		slog.Int("words", len(speaker.Words)))
	return nil
}
