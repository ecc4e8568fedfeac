package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/prompt"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// partialFlushSize is the number of streamed tokens per partial message.
const partialFlushSize = 16

// Service answers generation requests on the bus.
type Service struct {
	cfg       config.GenerationConfig
	bus       *bus.Client
	generator Generator
	formatter *prompt.Formatter
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	ready     atomic.Bool
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  metric.Int64Counter
	tokens    metric.Int64Counter
}

func NewService(parent context.Context, cfg config.GenerationConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("loqa-tts/generate")
	requests, _ := meter.Int64Counter("generate.requests")
	tokens, _ := meter.Int64Counter("generate.tokens")
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		formatter: prompt.NewFormatter(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "generate-service")),
		tracer:    otel.Tracer("loqa-tts/generate"),
		requests:  requests,
		tokens:    tokens,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectGenerateRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe generation requests: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.logger.Info("generation service started", slog.String("backend", s.cfg.Backend))
	return nil
}

// Close stops accepting requests and waits for in-flight generations.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.ready.Store(false)
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.wg.Wait()
}

// track registers an in-flight request unless the service is closing.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode generation request", slogError(err))
		s.reply(msg, protocol.GenerateResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if !s.track() {
		s.reply(msg, protocol.GenerateResponse{RequestID: req.RequestID, Error: "generation service is shutting down"})
		return
	}
	go func() {
		defer s.wg.Done()
		timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		start := time.Now()
		resp := s.generate(ctx, req)
		resp.LatencyMS = time.Since(start).Milliseconds()
		resp.Timestamp = time.Now().UTC()

		outcome := "ok"
		if resp.Error != "" {
			outcome = "error"
			s.logger.Warn("generation failed",
				slog.String("request_id", req.RequestID),
				slog.String("error", resp.Error))
		} else {
			s.logger.Info("generation complete",
				slog.String("request_id", req.RequestID),
				slog.Int("tokens", len(resp.Tokens)),
				slog.Duration("latency", time.Since(start)))
		}
		attrs := metric.WithAttributes(
			attribute.String("backend", s.cfg.Backend),
			attribute.String("outcome", outcome),
		)
		s.requests.Add(ctx, 1, attrs)
		s.tokens.Add(ctx, int64(len(resp.Tokens)), attrs)
		s.reply(msg, resp)
	}()
}

func (s *Service) generate(ctx context.Context, req protocol.GenerateRequest) protocol.GenerateResponse {
	ctx, span := s.tracer.Start(ctx, "generate")
	defer span.End()

	resp := protocol.GenerateResponse{RequestID: req.RequestID, Backend: s.cfg.Backend}
	inputIDs, err := s.inputIDs(ctx, req)
	if err != nil {
		span.RecordError(err)
		resp.Error = err.Error()
		return resp
	}
	resp.InputTokens = len(inputIDs)
	span.SetAttributes(attribute.Int("input_tokens", len(inputIDs)))

	cfg := ConfigFromSettings(s.cfg).Merge(req.Temperature, req.RepetitionPenalty, req.MaxLength, req.Additional)
	if !req.Stream {
		tokens, err := s.generator.Generate(ctx, inputIDs, cfg)
		if err != nil {
			span.RecordError(err)
			resp.Error = err.Error()
			return resp
		}
		resp.Tokens = tokens
		return resp
	}

	var pending []int
	sequence := 0
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := s.publishPartial(protocol.GenerateTokens{
			RequestID: req.RequestID,
			Sequence:  sequence,
			Tokens:    pending,
			TraceID:   req.TraceID,
		})
		sequence++
		pending = nil
		return err
	}
	err = s.generator.Stream(ctx, inputIDs, cfg, func(token int) error {
		resp.Tokens = append(resp.Tokens, token)
		pending = append(pending, token)
		if len(pending) >= partialFlushSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		span.RecordError(err)
		resp.Error = err.Error()
	}
	return resp
}

func (s *Service) inputIDs(ctx context.Context, req protocol.GenerateRequest) ([]int, error) {
	if len(req.InputIDs) > 0 {
		return req.InputIDs, nil
	}
	if req.Text == "" {
		return nil, ErrEmptyInput
	}
	tokenizer, ok := s.generator.(Tokenizer)
	if !ok {
		return nil, errors.New("backend cannot tokenize text; send input_ids")
	}
	text, err := s.formatter.GenerationPrompt(req.Text, req.Speaker)
	if err != nil {
		return nil, err
	}
	return tokenizer.Tokenize(ctx, text)
}

func (s *Service) publishPartial(msg protocol.GenerateTokens) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.bus.Conn().Publish(protocol.SubjectGenerateTokensPartial, data); err != nil {
		s.logger.Warn("failed to publish partial tokens", slogError(err))
		return err
	}
	return nil
}

func (s *Service) reply(msg *nats.Msg, resp protocol.GenerateResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode generation response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send generation response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
