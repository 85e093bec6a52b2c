// Package logsink persists log lines through a logrus hook. Fire never
// blocks the caller: lines go into a bounded buffer and are written in
// batches by a background flusher. When the buffer is full lines are
// dropped and counted.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"go_certorch/internal/model"
)

// Component is the component field value of the sink's own log lines.
// Entries carrying it are never persisted.
const Component = "logsink"

// Writer persists a batch of log lines
type Writer interface {
	WriteLogs(ctx context.Context, logs []model.SystemLog) error
}

// Options tunes the hook
type Options struct {
	MinLevel      logrus.Level
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (o *Options) defaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// Hook is a logrus.Hook backed by a Writer
type Hook struct {
	writer  Writer
	opts    Options
	buf     chan model.SystemLog
	dropped atomic.Uint64
	writing atomic.Bool

	ctx         context.Context
	cancel      context.CancelFunc
	stoppedChan chan struct{}
}

var _ logrus.Hook = (*Hook)(nil)

// NewHook creates a hook. Call Start before adding it to a logger.
func NewHook(w Writer, opts Options) *Hook {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hook{
		writer:      w,
		opts:        opts,
		buf:         make(chan model.SystemLog, opts.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		stoppedChan: make(chan struct{}),
	}
}

// Levels returns every level at or above MinLevel
func (h *Hook) Levels() []logrus.Level {
	var out []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= h.opts.MinLevel {
			out = append(out, l)
		}
	}
	return out
}

// Fire queues entry. The sink's own lines are skipped, and so are database
// lines emitted while a batch is being written.
func (h *Hook) Fire(entry *logrus.Entry) error {
	c, _ := entry.Data["component"].(string)
	if c == Component || (c == "db" && h.writing.Load()) {
		return nil
	}

	line := model.SystemLog{
		Level:     entry.Level.String(),
		Component: c,
		Message:   entry.Message,
		LoggedAt:  entry.Time,
	}
	if len(entry.Data) > 0 {
		line.Fields = encodeFields(entry.Data)
	}

	select {
	case h.buf <- line:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Dropped is the number of lines lost to a full buffer
func (h *Hook) Dropped() uint64 {
	return h.dropped.Load()
}

// Start begins the background flusher
func (h *Hook) Start() {
	go h.run()
}

// Stop flushes what is buffered and stops the flusher
func (h *Hook) Stop() {
	h.cancel()
	<-h.stoppedChan
}

func (h *Hook) run() {
	defer close(h.stoppedChan)

	ticker := time.NewTicker(h.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			for n := h.flush(); n > 0; n = h.flush() {
			}
			return
		case <-ticker.C:
			for n := h.flush(); n == h.opts.BatchSize; n = h.flush() {
			}
		}
	}
}

// flush writes at most one batch and returns its size
func (h *Hook) flush() int {
	batch := make([]model.SystemLog, 0, h.opts.BatchSize)
drain:
	for len(batch) < h.opts.BatchSize {
		select {
		case line := <-h.buf:
			batch = append(batch, line)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return 0
	}

	h.writing.Store(true)
	defer h.writing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := h.writer.WriteLogs(ctx, batch); err != nil {
		// not through logrus: the line would land back in the buffer
		fmt.Fprintf(os.Stderr, "logsink: dropped %d lines: %v\n", len(batch), err)
	}
	return len(batch)
}

func encodeFields(data logrus.Fields) string {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if k == "component" {
			continue
		}
		if err, ok := v.(error); ok {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return ""
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(b)
}
