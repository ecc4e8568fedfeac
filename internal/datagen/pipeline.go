// Package datagen turns raw transcript+audio rows into the prompt corpus.
//
// Each row is aligned into words, the concatenated word audio is encoded by the
// codec, codec frames are assigned to words and the result is rendered as a
// training prompt. Rows that fail at any step are logged and skipped.
package datagen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/aligner"
	"github.com/loqalabs/loqa-tts/internal/alignment"
	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/codec"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/corpus"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/prompt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const skipHint = "Occasional failures are expected due to inaccuracies or issues in the audio files; " +
	"a high failure rate suggests an underlying problem with the inputs."

// Stats summarises a run.
type Stats struct {
	Files     int
	Processed int
	Skipped   int
	Batches   int
}

type Option func(*Pipeline)

// WithEventStore records run progress and skipped samples.
func WithEventStore(es *eventstore.Store) Option {
	return func(p *Pipeline) { p.events = es }
}

// WithFlushHook runs h after every batch file is written.
func WithFlushHook(h corpus.FlushHook) Option {
	return func(p *Pipeline) { p.hooks = append(p.hooks, h) }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// Pipeline is the corpus creation run. It processes files and rows strictly in
// order on the calling goroutine.
type Pipeline struct {
	cfg       config.DataCreationConfig
	aligner   aligner.Aligner
	codec     codec.Codec
	formatter *prompt.Formatter
	format    corpus.Format
	acc       *corpus.Accumulator
	events    *eventstore.Store
	hooks     []corpus.FlushHook
	runID     string
	stats     Stats
	logger    *slog.Logger

	tracer    trace.Tracer
	processed metric.Int64Counter
	skipped   metric.Int64Counter
	flushed   metric.Int64Counter
}

func New(cfg config.DataCreationConfig, al aligner.Aligner, cd codec.Codec, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	format, err := corpus.FormatFor(cfg.Format)
	if err != nil {
		return nil, err
	}
	meter := otel.Meter("loqa-tts/datagen")
	p := &Pipeline{
		cfg:       cfg,
		aligner:   al,
		codec:     cd,
		formatter: prompt.NewFormatter(),
		format:    format,
		runID:     uuid.NewString(),
		tracer:    otel.Tracer("loqa-tts/datagen"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.With(slog.String("component", "datagen"), slog.String("run_id", p.runID))
	p.processed, _ = meter.Int64Counter("datagen.samples.processed")
	p.skipped, _ = meter.Int64Counter("datagen.samples.skipped")
	p.flushed, _ = meter.Int64Counter("datagen.batches.flushed")

	accOpts := []corpus.Option{
		corpus.WithStartIndex(cfg.StartIndex),
		corpus.WithLogger(logger),
		corpus.WithFlushHook(p.onFlush),
	}
	for _, h := range p.hooks {
		accOpts = append(accOpts, corpus.WithFlushHook(h))
	}
	p.acc = corpus.NewAccumulator(cfg.SaveDir, cfg.SaveLen, format, accOpts...)
	return p, nil
}

func (p *Pipeline) RunID() string { return p.runID }

// Run processes every input file and flushes the remaining records. The returned
// error is fatal: a storage failure or cancellation.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	files, err := corpus.FindFiles(p.cfg.InputDir, p.format.Ext())
	if err != nil {
		return p.stats, err
	}
	p.logger.Info("starting corpus run",
		slog.String("input_dir", p.cfg.InputDir),
		slog.String("save_dir", p.cfg.SaveDir),
		slog.Int("files", len(files)))

	run := eventstore.Run{ID: p.runID, InputDir: p.cfg.InputDir, SaveDir: p.cfg.SaveDir, Format: p.format.Name()}
	if err := p.events.StartRun(ctx, run); err != nil {
		p.logger.Warn("failed to record run start", slogError(err))
	}

	var runErr error
	for _, path := range files {
		if runErr = p.ProcessFile(ctx, path); runErr != nil {
			break
		}
	}

	// the pending buffer is written even when the run was cancelled
	closeCtx := context.WithoutCancel(ctx)
	if err := p.acc.Close(closeCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	run.Processed, run.Skipped, run.Batches = p.stats.Processed, p.stats.Skipped, p.stats.Batches
	run.Status = "completed"
	if runErr != nil {
		run.Status = "failed"
	}
	if err := p.events.FinishRun(closeCtx, run); err != nil {
		p.logger.Warn("failed to record run end", slogError(err))
	}
	p.logger.Info("corpus run finished",
		slog.String("status", run.Status),
		slog.Int("processed", p.stats.Processed),
		slog.Int("skipped", p.stats.Skipped),
		slog.Int("batches", p.stats.Batches))
	return p.stats, runErr
}

// ProcessFile reads one input file and processes its rows in order. An
// unreadable file is logged and skipped like a bad sample.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) error {
	rows, err := corpus.ReadRows(path)
	if err != nil {
		p.logger.Error("failed to read input file", slog.String("path", path), slogError(err))
		p.record(ctx, eventstore.TypeFileFailed, path, -1, err)
		return nil
	}
	p.stats.Files++
	p.logger.Info("processing file", slog.String("path", path), slog.Int("rows", len(rows)))

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := p.processRow(ctx, row)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.stats.Skipped++
			p.skipped.Add(ctx, 1)
			p.logger.Warn("skipping sample",
				slog.String("path", path),
				slog.Int("row", i),
				slogError(err),
				slog.String("hint", skipHint))
			p.record(ctx, eventstore.TypeSampleSkipped, path, i, err)
			continue
		}
		if err := p.acc.Append(ctx, rec); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
		p.stats.Processed++
		p.processed.Add(ctx, 1)
	}
	return nil
}

func (p *Pipeline) processRow(ctx context.Context, row corpus.Row) (rec corpus.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing sample: %v", r)
		}
	}()

	transcript := strings.TrimSpace(row.Transcript)
	if transcript == "" {
		return rec, errors.New("empty transcript")
	}
	buf, err := audio.Decode(row.Audio.Bytes)
	if err != nil {
		return rec, err
	}
	speaker, err := p.CreateSpeaker(ctx, buf, transcript)
	if err != nil {
		return rec, err
	}
	text, err := p.formatter.Format(speaker)
	if err != nil {
		return rec, fmt.Errorf("format prompt: %w", err)
	}
	return corpus.Record{Prompt: text}, nil
}

// CreateSpeaker aligns buf against transcript and attaches codec frames to every
// word.
func (p *Pipeline) CreateSpeaker(ctx context.Context, buf *audio.Buffer, transcript string) (alignment.Speaker, error) {
	ctx, span := p.tracer.Start(ctx, "create_speaker")
	defer span.End()

	speaker, err := p.createSpeaker(ctx, buf, transcript)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return speaker, err
	}
	span.SetAttributes(attribute.Int("words", len(speaker.Words)))
	return speaker, nil
}

func (p *Pipeline) createSpeaker(ctx context.Context, buf *audio.Buffer, transcript string) (alignment.Speaker, error) {
	var speaker alignment.Speaker

	words, err := p.align(ctx, buf, transcript)
	if err != nil {
		return speaker, err
	}

	segments := make([]*audio.Buffer, len(words))
	spans := make([]alignment.Span, len(words))
	end := 0
	for i, w := range words {
		segments[i] = w.Audio
		end += w.Audio.Len()
		spans[i] = alignment.Span{Word: w.Word, EndSample: end}
	}
	joined, err := audio.Concat(segments...)
	if err != nil {
		return speaker, fmt.Errorf("join word audio: %w", err)
	}

	frames, err := p.encode(ctx, joined)
	if err != nil {
		return speaker, err
	}

	opts := alignment.Options{
		SampleRate:   joined.SampleRate,
		FrameRate:    p.codec.FrameRate(),
		SentinelCode: p.cfg.SentinelCode,
		Trailing:     alignment.ParseTrailing(p.cfg.TrailingFrames),
	}
	mapped, err := alignment.Map(spans, frames.Primary(), opts)
	if err != nil {
		return speaker, fmt.Errorf("map frames: %w", err)
	}
	speaker.Text = transcript
	speaker.Words = mapped
	return speaker, nil
}

func (p *Pipeline) align(ctx context.Context, buf *audio.Buffer, transcript string) ([]aligner.Word, error) {
	ctx, span := p.tracer.Start(ctx, "align")
	defer span.End()
	words, err := p.aligner.Align(ctx, buf, transcript)
	if err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("align: %w", alignment.ErrNoWords)
	}
	return words, nil
}

func (p *Pipeline) encode(ctx context.Context, buf *audio.Buffer) (codec.Codes, error) {
	ctx, span := p.tracer.Start(ctx, "encode")
	defer span.End()
	frames, err := p.codec.Encode(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if frames.Frames() == 0 {
		return nil, fmt.Errorf("encode: %w", codec.ErrNoCodes)
	}
	span.SetAttributes(attribute.Int("frames", frames.Frames()))
	return frames, nil
}

func (p *Pipeline) onFlush(ctx context.Context, info corpus.FlushInfo) error {
	p.stats.Batches++
	p.flushed.Add(ctx, 1)
	p.record(ctx, eventstore.TypeBatchFlushed, info.Path, info.Index, nil)
	return nil
}

func (p *Pipeline) record(ctx context.Context, typ, source string, row int, cause error) {
	evt := eventstore.Event{RunID: p.runID, Type: typ, Source: source, Row: row}
	if cause != nil {
		evt.Payload = []byte(cause.Error())
	}
	if err := p.events.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		p.logger.Debug("failed to record event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
