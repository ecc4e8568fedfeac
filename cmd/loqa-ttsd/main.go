package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/generate"
	"github.com/loqalabs/loqa-tts/internal/runtime"
	"github.com/loqalabs/loqa-tts/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath   string
		showVersion  bool
		listBackends bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&listBackends, "backends", false, "List generation backends and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if listBackends {
		for _, name := range generate.Backends() {
			fmt.Println(name)
		}
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
	logger = logger.With(slog.String("component", "ttsd"), slog.String("version", version))

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
