package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/calendar"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/notify"
	"github.com/harunnryd/callbridge/pkg/store"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *captureNotifier) Name() string { return "capture" }

func (n *captureNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.msgs = append(n.msgs, msg)
	return nil
}

type captureRecords struct {
	mu   sync.Mutex
	recs []store.PatientRecord
}

func (r *captureRecords) LogPatient(_ context.Context, rec store.PatientRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return int64(len(r.recs)), nil
}

func call(id, name, raw string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Raw: raw}
}

func clinicExecutor(t *testing.T) (*Executor, *calendar.Memory, *captureRecords, *metrics.MemoryObserver) {
	t.Helper()
	cal, err := calendar.NewMemory(calendar.WorkingHours{Open: "09:00", Close: "12:00"})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	records := &captureRecords{}
	reg, err := Build(ProfileClinic, Deps{Notifier: &captureNotifier{}, Calendar: cal, Records: records})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	obs := metrics.NewMemoryObserver()
	return NewExecutor(reg, Options{CallSID: "CA1", Observer: obs}), cal, records, obs
}

func TestScheduleMeetingRequiresReason(t *testing.T) {
	n := &captureNotifier{}
	reg, err := Build(ProfileMeeting, Deps{Notifier: n})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ex := NewExecutor(reg, Options{CallSID: "CA9"})

	res := ex.Execute(context.Background(), call("c1", ScheduleMeeting, `{"caller_name":"Sam"}`))
	if res.Status != StatusError {
		t.Fatalf("expected failure without reason, got %+v", res)
	}
	res = ex.Execute(context.Background(), call("c2", ScheduleMeeting, `{"caller_name":"Sam","reason":"billing question"}`))
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if len(n.msgs) != 1 || n.msgs[0].Subject != "Meeting request from Sam" {
		t.Fatalf("unexpected notifications %+v", n.msgs)
	}
	manifest := ex.Manifest()
	if len(manifest) != 1 || manifest[0].Name != ScheduleMeeting {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
	if req, _ := manifest[0].Schema["required"].([]string); len(req) != 1 || req[0] != "reason" {
		t.Fatalf("expected reason to be required in the schema, got %v", manifest[0].Schema["required"])
	}
}

func TestUnknownToolAndMalformedArguments(t *testing.T) {
	ex, _, _, _ := clinicExecutor(t)
	if res := ex.Execute(context.Background(), call("c1", "transfer_call", `{}`)); res.Status != StatusError {
		t.Fatalf("expected failure for unknown tool, got %+v", res)
	}
	if res := ex.Execute(context.Background(), call("c2", CheckAvailability, `{"date":`)); res.Status != StatusError {
		t.Fatalf("expected failure for malformed json, got %+v", res)
	}
}

func TestBookingRequiresAvailabilityAndRunsOnce(t *testing.T) {
	ex, cal, _, obs := clinicExecutor(t)
	ctx := context.Background()

	res := ex.Execute(ctx, call("c1", BookAppointment, `{"start":"2026-03-10T09:00:00Z","patient_name":"Jane"}`))
	if res.Status != StatusRejected {
		t.Fatalf("expected booking before availability to be rejected, got %+v", res)
	}

	res = ex.Execute(ctx, call("c2", CheckAvailability, `{"date":"2026-03-10","duration_minutes":60}`))
	if res.Status != StatusOK {
		t.Fatalf("availability: %+v", res)
	}
	slots, _ := res.Data["slots"].([]string)
	if len(slots) != 3 {
		t.Fatalf("expected 3 hourly slots, got %v", slots)
	}

	args, _ := json.Marshal(map[string]any{"start": slots[0], "duration_minutes": 60, "patient_name": "Jane", "reason": "checkup"})
	res = ex.Execute(ctx, call("c3", BookAppointment, string(args)))
	if res.Status != StatusOK || res.Data["appointment_id"] == "" {
		t.Fatalf("expected booking, got %+v", res)
	}
	args, _ = json.Marshal(map[string]any{"start": slots[1], "duration_minutes": 60, "patient_name": "Jane"})
	res = ex.Execute(ctx, call("c4", BookAppointment, string(args)))
	if res.Status != StatusAlreadyPerformed {
		t.Fatalf("expected already_performed, got %+v", res)
	}
	if got := len(cal.Bookings()); got != 1 {
		t.Fatalf("expected exactly one booking side effect, got %d", got)
	}
	if obs.Count(metrics.EventToolExecuted) != 4 {
		t.Fatalf("expected 4 tool metrics, got %d", obs.Count(metrics.EventToolExecuted))
	}
}

func TestTakenSlotDoesNotConsumeBooking(t *testing.T) {
	ex, cal, _, _ := clinicExecutor(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if _, err := cal.Book(ctx, calendar.Booking{Start: start, End: start.Add(30 * time.Minute)}); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	ex.Execute(ctx, call("c1", CheckAvailability, `{"date":"2026-03-10"}`))
	res := ex.Execute(ctx, call("c2", BookAppointment, `{"start":"2026-03-10T09:00:00Z","patient_name":"Jane"}`))
	if res.Status != StatusError {
		t.Fatalf("expected slot taken failure, got %+v", res)
	}
	res = ex.Execute(ctx, call("c3", BookAppointment, `{"start":"2026-03-10T09:30:00Z","patient_name":"Jane"}`))
	if res.Status != StatusOK {
		t.Fatalf("expected second attempt at a free slot to book, got %+v", res)
	}
}

func TestPatientRecordFollowsBooking(t *testing.T) {
	ex, _, records, _ := clinicExecutor(t)
	ctx := context.Background()

	res := ex.Execute(ctx, call("c1", LogPatientRecord, `{"patient_name":"Jane"}`))
	if res.Status != StatusRejected {
		t.Fatalf("expected intake before booking to be rejected, got %+v", res)
	}
	bookJane(t, ex)
	res = ex.Execute(ctx, call("c4", LogPatientRecord, `{"patient_name":"Jane"}`))
	if res.Status != StatusOK {
		t.Fatalf("expected intake after booking, got %+v", res)
	}
	if len(records.recs) != 1 {
		t.Fatalf("expected one record, got %d", len(records.recs))
	}
}

func bookJane(t *testing.T, ex *Executor) {
	t.Helper()
	ctx := context.Background()
	if res := ex.Execute(ctx, call("c2", CheckAvailability, `{"date":"2026-03-10"}`)); res.Status != StatusOK {
		t.Fatalf("availability: %+v", res)
	}
	if res := ex.Execute(ctx, call("c3", BookAppointment, `{"start":"2026-03-10T09:00:00Z","patient_name":"Jane"}`)); res.Status != StatusOK {
		t.Fatalf("booking: %+v", res)
	}
}

func TestConcurrentPatientRecordRunsOnce(t *testing.T) {
	ex, _, records, _ := clinicExecutor(t)
	bookJane(t, ex)
	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := ex.Execute(context.Background(), call("c", LogPatientRecord, `{"patient_name":"Jane","date_of_birth":"1990-04-02"}`))
			switch res.Status {
			case StatusOK:
				ok.Add(1)
			case StatusAlreadyPerformed:
				dup.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || dup.Load() != 7 {
		t.Fatalf("expected 1 ok and 7 duplicates, got %d and %d", ok.Load(), dup.Load())
	}
	if len(records.recs) != 1 || records.recs[0].CallSID != "CA1" {
		t.Fatalf("unexpected records %+v", records.recs)
	}
}

func TestRetriesAndTimeouts(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	_ = reg.Register(Spec{
		Tool: llm.Tool{Name: "flaky", Schema: llm.ObjectSchema(map[string]any{})},
		Handler: func(context.Context, Invocation) (Result, error) {
			if attempts.Add(1) < 3 {
				return Result{}, errors.New("temporary")
			}
			return OK("done", nil), nil
		},
	})
	_ = reg.Register(Spec{
		Tool:      llm.Tool{Name: "slow_once", Schema: llm.ObjectSchema(map[string]any{})},
		SingleUse: true,
		Handler: func(ctx context.Context, _ Invocation) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
	})
	ex := NewExecutor(reg, Options{Retries: 2, RetryBackoff: time.Millisecond, Timeout: 20 * time.Millisecond})

	if res := ex.Execute(context.Background(), call("c1", "flaky", "")); res.Status != StatusOK || attempts.Load() != 3 {
		t.Fatalf("expected success on third attempt, got %+v after %d", res, attempts.Load())
	}
	if res := ex.Execute(context.Background(), call("c2", "slow_once", "")); res.Status != StatusError {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
	if res := ex.Execute(context.Background(), call("c3", "slow_once", "")); res.Status != StatusAlreadyPerformed {
		t.Fatalf("a timed out single-use tool may have run and must not repeat, got %+v", res)
	}
}

func TestResultJSON(t *testing.T) {
	var out map[string]any
	if err := json.Unmarshal([]byte(Rejected("no").JSON()), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "rejected" || out["message"] != "no" {
		t.Fatalf("unexpected result %v", out)
	}
	if _, ok := out["data"]; ok {
		t.Fatalf("empty data should be omitted")
	}
}

func TestBuildValidatesProfile(t *testing.T) {
	if _, err := Build("bank", Deps{Notifier: &captureNotifier{}}); err == nil {
		t.Fatalf("expected unknown profile error")
	}
	if _, err := Build(ProfileClinic, Deps{Notifier: &captureNotifier{}}); err == nil {
		t.Fatalf("expected clinic to require calendar and records")
	}
}
