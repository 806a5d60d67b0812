package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
)

// LatencyObserver logs how long each turn took to produce its first audio.
type LatencyObserver struct {
	mu      sync.Mutex
	started map[string]time.Time
	log     *slog.Logger
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		started: make(map[string]time.Time),
		log:     log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := callID(ev.Tags)
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventTurnStarted:
		o.started[id] = ev.Time
	case metrics.EventFirstAudio:
		start, ok := o.started[id]
		if !ok {
			return
		}
		delete(o.started, id)
		o.log.Info("turn_latency",
			"stream_sid", ev.Tags["stream_sid"],
			"trace_id", ev.Tags["trace_id"],
			"first_audio_ms", ev.Time.Sub(start).Milliseconds(),
		)
	case metrics.EventBargeIn, metrics.EventCallSummary:
		delete(o.started, id)
	}
}

// callID returns the key events of one call share.
func callID(tags map[string]string) string {
	if tags == nil {
		return ""
	}
	if id := tags["trace_id"]; id != "" {
		return id
	}
	return tags["stream_sid"]
}
