// Package corpus reads raw speech datasets and writes the prompt corpus in
// fixed-size, sequentially numbered batch files.
package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// DefaultCapacity is the number of records per batch file.
const DefaultCapacity = 5000

// FlushInfo describes a batch file that has just been written.
type FlushInfo struct {
	Index   int
	Path    string
	Records int
	Bytes   int64
}

// FlushHook runs after every successful flush. Hook errors are logged and do not
// fail the flush.
type FlushHook func(ctx context.Context, info FlushInfo) error

type Option func(*Accumulator)

// WithStartIndex numbers the first batch file n instead of 0.
func WithStartIndex(n int) Option {
	return func(a *Accumulator) { a.index = n }
}

func WithFlushHook(h FlushHook) Option {
	return func(a *Accumulator) { a.hooks = append(a.hooks, h) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Accumulator) { a.logger = logger }
}

// Accumulator buffers records and writes them to <dir>/<index:06d><ext> every
// capacity records. It is not safe for concurrent use.
type Accumulator struct {
	dir      string
	capacity int
	format   Format
	index    int
	buf      []Record
	hooks    []FlushHook
	logger   *slog.Logger
}

func NewAccumulator(dir string, capacity int, format Format, opts ...Option) *Accumulator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if format == nil {
		format = parquetFormat{}
	}
	a := &Accumulator{
		dir:      dir,
		capacity: capacity,
		format:   format,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "corpus"))
	a.buf = make([]Record, 0, min(capacity, 1024))
	return a
}

// Append buffers rec and flushes once the buffer reaches capacity.
func (a *Accumulator) Append(ctx context.Context, rec Record) error {
	a.buf = append(a.buf, rec)
	if len(a.buf) >= a.capacity {
		return a.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered records to the next batch file. An empty buffer is
// a no-op and does not advance the index.
func (a *Accumulator) Flush(ctx context.Context) error {
	if len(a.buf) == 0 {
		return nil
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create save dir: %w", err)
	}
	path := a.Path(a.index)
	a.logger.Info("saving batch", slog.String("path", path), slog.Int("records", len(a.buf)))
	if err := a.format.Write(path, a.buf); err != nil {
		return err
	}

	info := FlushInfo{Index: a.index, Path: path, Records: len(a.buf)}
	if st, err := os.Stat(path); err == nil {
		info.Bytes = st.Size()
	}
	a.logger.Debug("batch saved",
		slog.String("path", path),
		slog.String("size", humanize.Bytes(uint64(info.Bytes))),
	)

	a.buf = a.buf[:0]
	a.index++

	for _, hook := range a.hooks {
		if err := hook(ctx, info); err != nil {
			a.logger.Warn("flush hook failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Close flushes any remaining records.
func (a *Accumulator) Close(ctx context.Context) error {
	return a.Flush(ctx)
}

// Index is the number the next batch file will carry.
func (a *Accumulator) Index() int { return a.index }

// Pending is the number of buffered records.
func (a *Accumulator) Pending() int { return len(a.buf) }

// Path returns the file name used for batch index.
func (a *Accumulator) Path(index int) string {
	return filepath.Join(a.dir, fmt.Sprintf("%06d%s", index, a.format.Ext()))
}
