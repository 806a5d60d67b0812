package observers

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
)

func callTags() map[string]string {
	return map[string]string{"stream_sid": "MZ123", "call_sid": "CA123", "trace_id": "trace-1"}
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBargeIn, Time: time.Now(), Tags: callTags()})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCallSummary, Time: time.Now(), Tags: callTags(), Fields: map[string]any{"turns": 2}})
	obs.mu.Lock()
	open := len(obs.calls)
	obs.mu.Unlock()
	if open != 0 {
		t.Fatalf("expected the call file to be closed after its summary, %d open", open)
	}

	b, err := os.ReadFile(filepath.Join(dir, "trace-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), b)
	}
	if !strings.Contains(lines[0], `"event":"barge_in"`) || !strings.Contains(lines[0], `"stream_sid":"MZ123"`) {
		t.Fatalf("unexpected first line %s", lines[0])
	}
}

func TestTimelineObserverSkipsEventsWithoutCall(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventMediaDropped, Time: time.Now(), Tags: map[string]string{"reason": "before_start"}})
	_ = obs.Close()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestTimelineObserverRedactsFields(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: "note", Time: time.Now(), Tags: callTags(), Fields: map[string]any{"text": "mail jane@example.com"}})
	_ = obs.Close()
	b, err := os.ReadFile(filepath.Join(dir, "trace-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(b), "jane@example.com") {
		t.Fatalf("expected email to be redacted: %s", b)
	}
}

func TestLatencyObserverLogsFirstAudio(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	start := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnStarted, Time: start, Tags: callTags()})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFirstAudio, Time: start.Add(420 * time.Millisecond), Tags: callTags()})
	if !strings.Contains(buf.String(), "turn_latency") || !strings.Contains(buf.String(), "first_audio_ms=420") {
		t.Fatalf("unexpected log %q", buf.String())
	}

	buf.Reset()
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnStarted, Time: start, Tags: callTags()})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBargeIn, Time: start, Tags: callTags()})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFirstAudio, Time: start, Tags: callTags()})
	if buf.Len() != 0 {
		t.Fatalf("interrupted turn must not be measured: %q", buf.String())
	}
}

func TestPurgeArtifactsRemovesOldTimelines(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "CA-old.jsonl")
	fresh := filepath.Join(dir, "CA-fresh.jsonl")
	shared := filepath.Join(dir, "metrics.jsonl")
	notes := filepath.Join(dir, "notes.txt")
	past := time.Now().Add(-72 * time.Hour)
	for _, p := range []string{old, fresh, shared, notes} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if p != fresh {
			if err := os.Chtimes(p, past, past); err != nil {
				t.Fatalf("chtimes: %v", err)
			}
		}
	}
	n, err := PurgeArtifacts(dir, 1)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old timeline should be gone: %v", err)
	}
	for _, p := range []string{fresh, shared, notes} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s removed: %v", p, err)
		}
	}
}

func TestPurgeArtifactsMissingDir(t *testing.T) {
	n, err := PurgeArtifacts(filepath.Join(t.TempDir(), "absent"), 7)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got %d %v", n, err)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a, b := metrics.NewMemoryObserver(), metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	metrics.Record(m, metrics.EventTurnDone, nil, nil)
	if a.Count(metrics.EventTurnDone) != 1 || b.Count(metrics.EventTurnDone) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
}

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	o := NewLoggerObserver(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	metrics.Record(o, metrics.EventMediaIn, map[string]string{"stream_sid": "MZ1"}, nil)
	if buf.Len() != 0 {
		t.Fatalf("media events must stay at debug: %q", buf.String())
	}
	metrics.Record(o, metrics.EventCallSummary, map[string]string{"stream_sid": "MZ1"}, map[string]any{"turns": 2})
	out := buf.String()
	if !strings.Contains(out, "event=call_summary") || !strings.Contains(out, "turns=2") {
		t.Fatalf("expected call summary at info, got %q", out)
	}
}
