package observers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harunnryd/callbridge/pkg/metrics"
)

// LoggerObserver writes metrics events to slog. Call level events log at
// info; per-frame and per-turn events stay at debug.
type LoggerObserver struct {
	log *slog.Logger
}

var infoEvents = map[string]bool{
	metrics.EventCallSummary:  true,
	metrics.EventLegFailed:    true,
	metrics.EventBreakerOpen:  true,
	metrics.EventBreakerClose: true,
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if infoEvents[ev.Name] {
		level = slog.LevelInfo
	}
	if !o.log.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name), slog.Float64("value", ev.Value))
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), level, "metrics", attrs...)
}

// MultiObserver fans every event out to a fixed list of observers.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush flushes every observer that buffers.
func (m *MultiObserver) Flush() error {
	var errs []error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			errs = append(errs, f.Flush())
		}
	}
	return errors.Join(errs...)
}
