package observers

import (
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
)

// TimelineObserver appends every event of a call to <dir>/<call>.jsonl.
// Each line carries the offset from the call's first event so a timeline
// reads as a latency trace. A call's file is closed when its summary
// arrives.
type TimelineObserver struct {
	dir string

	mu    sync.Mutex
	calls map[string]*callTimeline
}

type callTimeline struct {
	f     *os.File
	enc   *json.Encoder
	start time.Time
}

type timelineEntry struct {
	Time      time.Time         `json:"time"`
	OffsetMS  int64             `json:"offset_ms"`
	Event     string            `json:"event"`
	StreamSID string            `json:"stream_sid,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, calls: make(map[string]*callTimeline)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	name := unsafeFileChars.ReplaceAllString(callID(ev.Tags), "_")
	if name == "" || o.dir == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	tl, err := o.open(name, ev.Time)
	if err != nil {
		return
	}
	_ = tl.enc.Encode(timelineEntry{
		Time:      ev.Time.UTC(),
		OffsetMS:  ev.Time.Sub(tl.start).Milliseconds(),
		Event:     ev.Name,
		StreamSID: ev.Tags["stream_sid"],
		TraceID:   ev.Tags["trace_id"],
		Tags:      maps.Clone(ev.Tags),
		Fields:    redactFields(ev.Fields),
	})
	if ev.Name == metrics.EventCallSummary {
		_ = tl.f.Close()
		delete(o.calls, name)
	}
}

// open must be called with o.mu held.
func (o *TimelineObserver) open(name string, at time.Time) (*callTimeline, error) {
	if tl := o.calls[name]; tl != nil {
		return tl, nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(o.dir, name+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	tl := &callTimeline{f: f, enc: json.NewEncoder(f), start: at}
	o.calls[name] = tl
	return tl, nil
}

// Close closes the files of calls still in progress. Later events for
// those calls reopen their files and append.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for name, tl := range o.calls {
		errs = append(errs, tl.f.Close())
		delete(o.calls, name)
	}
	return errors.Join(errs...)
}

// Flush is Close; files are unbuffered so closing is the only sync point.
func (o *TimelineObserver) Flush() error { return o.Close() }

func redactFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
