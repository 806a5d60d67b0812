package metrics

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// JSONLObserver writes one JSON object per event.
type JSONLObserver struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	closer io.Closer
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	o := &JSONLObserver{buf: buf}
	if c, ok := w.(io.Closer); ok {
		o.closer = c
	}
	o.logger = slog.New(slog.NewJSONHandler(buf, nil))
	return o
}

// OpenJSONL creates dir if needed and appends events to dir/metrics.jsonl.
func OpenJSONL(dir string) (*JSONLObserver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metrics: create artifacts dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("metrics: open jsonl: %w", err)
	}
	return NewJSONLObserver(f), nil
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("event_time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "metrics", attrs...)
}

// Flush writes buffered events and closes the underlying file, if any.
func (o *JSONLObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.buf.Flush(); err != nil {
		return err
	}
	if o.closer != nil {
		err := o.closer.Close()
		o.closer = nil
		return err
	}
	return nil
}
