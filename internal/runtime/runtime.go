// Package runtime hosts the generation daemon: embedded broker, bus connection,
// generation service and the health and metrics endpoints.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/capability"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/generate"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/telemetry"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
	telemetry  *telemetry.Providers
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	service    *generate.Service
	workers    *capability.Registry
	ready      atomic.Bool
	started    chan struct{}
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP endpoints are listening.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the bound HTTP address, valid after Started.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	providers, err := telemetry.Setup(ctx, r.cfg, nil, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = providers

	if err := r.startGeneration(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", providers.MetricsHandler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.listener = listener
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startGeneration(ctx context.Context) error {
	if !r.cfg.Generation.Enabled {
		r.logger.Info("generation disabled")
		return nil
	}
	if !r.cfg.Bus.Enabled {
		return errors.New("generation requires bus.enabled")
	}

	generator, err := generate.New(r.cfg.Generation.Backend, r.cfg.Generation)
	if err != nil {
		return fmt.Errorf("init generation backend: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	r.service = generate.NewService(ctx, r.cfg.Generation, client, generator, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}

	_, tokenizes := generator.(generate.Tokenizer)
	self := &protocol.WorkerAnnounce{
		Backend:   r.cfg.Generation.Backend,
		Model:     filepath.Base(r.cfg.Generation.ModelPath),
		Tokenizes: tokenizes,
	}
	if r.cfg.Generation.ModelPath == "" {
		self.Model = ""
	}
	r.workers, err = capability.NewRegistry(ctx, r.cfg.Node, self, client, r.logger)
	return err
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.workers.Close()
	if r.service != nil {
		r.service.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()

	if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) healthy() bool {
	if r.service == nil {
		return true
	}
	return r.bus.Healthy() && r.service.Healthy() && r.workers.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
