package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the bridge.
const (
	EventCallState     = "call_state"
	EventBargeIn       = "barge_in"
	EventTurnStarted   = "turn_started"
	EventTurnDone      = "turn_done"
	EventTurnCancelled = "turn_cancelled"
	EventTranscript    = "transcript_committed"
	EventToolExecuted  = "tool_executed"
	EventMediaDropped  = "media_dropped"
	EventMediaIn       = "media_in"
	EventMediaOut      = "media_out"
	EventFirstAudio    = "first_audio"
	EventCallSummary   = "call_summary"
	EventLegFailed     = "leg_failed"
	EventSMSReply      = "sms_reply"

	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)

// Record emits an event stamped with the current time; a nil observer is
// ignored.
func Record(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags, Fields: fields})
}
