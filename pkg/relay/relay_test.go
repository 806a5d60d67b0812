package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/tools"
	"github.com/harunnryd/callbridge/pkg/turn"
)

type sentMedia struct {
	streamSID string
	payload   string
}

type fakeCarrier struct {
	events chan CarrierEvent
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	media  []sentMedia
	clears []string
	closes int
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{events: make(chan CarrierEvent, 32), done: make(chan struct{})}
}

func (c *fakeCarrier) Events() <-chan CarrierEvent { return c.events }
func (c *fakeCarrier) Done() <-chan struct{}       { return c.done }

func (c *fakeCarrier) SendMedia(streamSID, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = append(c.media, sentMedia{streamSID: streamSID, payload: payload})
	return nil
}

func (c *fakeCarrier) Clear(streamSID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears = append(c.clears, streamSID)
	return nil
}

func (c *fakeCarrier) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeCarrier) snapshot() ([]sentMedia, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMedia(nil), c.media...), append([]string(nil), c.clears...)
}

type fakeConversation struct {
	tracker *turn.Tracker
	events  chan llm.Event
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error

	mu       sync.Mutex
	audio    []string
	texts    []string
	requests int
	cancels  int
	results  map[string]string
}

func newFakeConversation() *fakeConversation {
	ready := make(chan struct{})
	close(ready)
	return &fakeConversation{
		tracker: turn.NewTracker(),
		events:  make(chan llm.Event, 64),
		ready:   ready,
		done:    make(chan struct{}),
		results: make(map[string]string),
	}
}

func (c *fakeConversation) Name() string                { return "fake" }
func (c *fakeConversation) Start(context.Context) error { return nil }
func (c *fakeConversation) Ready() <-chan struct{}      { return c.ready }
func (c *fakeConversation) Events() <-chan llm.Event    { return c.events }
func (c *fakeConversation) Done() <-chan struct{}       { return c.done }
func (c *fakeConversation) Err() error                  { return c.err }
func (c *fakeConversation) Busy() bool                  { return c.tracker.Busy() }

func (c *fakeConversation) SubmitAudio(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, payload)
	return nil
}

func (c *fakeConversation) SubmitText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeConversation) RequestResponse() error {
	if err := c.tracker.Request(); err != nil {
		return err
	}
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
	return nil
}

func (c *fakeConversation) CancelActiveResponse() bool {
	if !c.tracker.Cancel() {
		return false
	}
	c.mu.Lock()
	c.cancels++
	c.mu.Unlock()
	return true
}

func (c *fakeConversation) SubmitToolResult(callID, output string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[callID] = output
	return nil
}

func (c *fakeConversation) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// created and finish play the provider side of a response cycle.
func (c *fakeConversation) created(id string) {
	if c.tracker.Created(id) {
		c.events <- llm.Event{Type: llm.EventResponseCreated, ResponseID: id}
	}
}

func (c *fakeConversation) finish(id, status string) {
	if c.tracker.Done(id) {
		c.events <- llm.Event{Type: llm.EventResponseDone, ResponseID: id, Status: status}
	}
}

func (c *fakeConversation) counts() (texts []string, requests, cancels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...), c.requests, c.cancels
}

func (c *fakeConversation) resultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

type fakeRecognizer struct {
	events chan stt.Event
	done   chan struct{}
	once   sync.Once
	err    error

	mu    sync.Mutex
	audio [][]byte
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{events: make(chan stt.Event, 32), done: make(chan struct{})}
}

func (r *fakeRecognizer) Name() string                { return "fake_stt" }
func (r *fakeRecognizer) Start(context.Context) error { return nil }
func (r *fakeRecognizer) Events() <-chan stt.Event    { return r.events }
func (r *fakeRecognizer) Ready() <-chan struct{}      { return r.done }
func (r *fakeRecognizer) Done() <-chan struct{}       { return r.done }
func (r *fakeRecognizer) Err() error                  { return r.err }

func (r *fakeRecognizer) SendAudio(ulaw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, ulaw)
	return nil
}

func (r *fakeRecognizer) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *fakeRecognizer) frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audio)
}

type fakeSynth struct {
	audio chan string
	done  chan struct{}
	once  sync.Once
	// stuck keeps Done open after Close.
	stuck bool

	mu      sync.Mutex
	texts   []string
	flushes int
	resets  int
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{audio: make(chan string, 32), done: make(chan struct{})}
}

func (s *fakeSynth) Name() string                { return "fake_tts" }
func (s *fakeSynth) Start(context.Context) error { return nil }
func (s *fakeSynth) Audio() <-chan string        { return s.audio }
func (s *fakeSynth) Ready() <-chan struct{}      { return s.done }
func (s *fakeSynth) Done() <-chan struct{}       { return s.done }
func (s *fakeSynth) Err() error                  { return nil }

func (s *fakeSynth) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSynth) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *fakeSynth) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *fakeSynth) Close() error {
	if !s.stuck {
		s.once.Do(func() { close(s.done) })
	}
	return nil
}

func (s *fakeSynth) counts() (texts []string, flushes, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...), s.flushes, s.resets
}

type gatedExecutor struct {
	release chan struct{}
	mu      sync.Mutex
	calls   []string
}

func (e *gatedExecutor) Execute(ctx context.Context, call llm.ToolCall) tools.Result {
	e.mu.Lock()
	e.calls = append(e.calls, call.ID)
	e.mu.Unlock()
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return tools.OK("done", nil)
}

type harness struct {
	carrier *fakeCarrier
	conv    *fakeConversation
	rec     *fakeRecognizer
	synth   *fakeSynth
	obs     *metrics.MemoryObserver
	relay   *Relay
	errc    chan error
	cancel  context.CancelFunc
}

func start(t *testing.T, topology Topology, exec ToolExecutor) *harness {
	t.Helper()
	h := &harness{
		carrier: newFakeCarrier(),
		conv:    newFakeConversation(),
		obs:     metrics.NewMemoryObserver(),
		errc:    make(chan error, 1),
	}
	if topology == TopologyPipeline {
		h.rec = newFakeRecognizer()
		h.synth = newFakeSynth()
	}
	r, err := New(h.carrier, Config{
		Topology:   topology,
		DrainGrace: 200 * time.Millisecond,
		Observer:   h.obs,
		NewLegs: func(context.Context, CallInfo) (Legs, error) {
			legs := Legs{Conversation: h.conv, Tools: exec}
			if h.rec != nil {
				legs.Recognizer = h.rec
				legs.Synthesizer = h.synth
			}
			return legs, nil
		},
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	h.relay = r
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errc:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *harness) startStream(t *testing.T) {
	t.Helper()
	h.carrier.events <- CarrierEvent{Kind: CarrierStart, StreamSID: "MZ123", CallSID: "CA123"}
	waitFor(t, "relay active", func() bool { return h.relay.State() == StateActive })
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		h.errc <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestStartMediaStopScenario(t *testing.T) {
	h := start(t, TopologyPipeline, nil)
	h.startStream(t)

	h.carrier.events <- CarrierEvent{Kind: CarrierMedia, Payload: "//8="}
	waitFor(t, "audio at recognizer", func() bool { return h.rec.frames() == 1 })

	h.synth.audio <- "AAEC"
	waitFor(t, "media at carrier", func() bool { m, _ := h.carrier.snapshot(); return len(m) == 1 })
	media, _ := h.carrier.snapshot()
	if media[0].streamSID != "MZ123" || media[0].payload != "AAEC" {
		t.Fatalf("unexpected media %+v", media[0])
	}

	h.carrier.events <- CarrierEvent{Kind: CarrierStop}
	if err := h.wait(t); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if h.relay.State() != StateClosed {
		t.Fatalf("expected closed, got %s", h.relay.State())
	}
	if !isClosed(h.conv.Done()) || !isClosed(h.rec.Done()) || !isClosed(h.synth.Done()) {
		t.Fatalf("expected every provider leg closed")
	}
	if h.rec.frames() != 1 {
		t.Fatalf("expected exactly one audio append, got %d", h.rec.frames())
	}
}

func TestMediaBeforeStartIsDropped(t *testing.T) {
	h := start(t, TopologyPipeline, nil)
	h.carrier.events <- CarrierEvent{Kind: CarrierMedia, Payload: "//8="}
	waitFor(t, "drop recorded", func() bool { return h.obs.Count(metrics.EventMediaDropped) == 1 })
	h.startStream(t)
	if h.rec.frames() != 0 {
		t.Fatalf("media received before start must not reach the recognizer")
	}
}

func TestCommittedTranscriptStartsOneTurn(t *testing.T) {
	h := start(t, TopologyPipeline, nil)
	h.startStream(t)

	h.rec.events <- stt.Event{Kind: stt.EventPartial, Text: "What serv"}
	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "What services do you offer?"}
	waitFor(t, "turn request", func() bool { _, n, _ := h.conv.counts(); return n == 1 })
	texts, requests, _ := h.conv.counts()
	if len(texts) != 1 || texts[0] != "What services do you offer?" || requests != 1 {
		t.Fatalf("expected one turn with the caller text, got %v / %d", texts, requests)
	}

	h.conv.created("R1")
	h.conv.events <- llm.Event{Type: llm.EventTextDelta, ResponseID: "R1", Text: "We offer "}
	h.conv.events <- llm.Event{Type: llm.EventTextDelta, ResponseID: "R1", Text: "checkups."}
	h.conv.finish("R1", "completed")
	waitFor(t, "synth flush", func() bool { _, f, _ := h.synth.counts(); return f == 1 })
	sent, _, resets := h.synth.counts()
	if len(sent) != 2 || sent[0] != "We offer " || resets != 0 {
		t.Fatalf("unexpected synthesizer traffic %v resets=%d", sent, resets)
	}
}

func TestSpeechStartedDuringActiveResponse(t *testing.T) {
	h := start(t, TopologyRealtime, nil)
	h.startStream(t)

	h.carrier.events <- CarrierEvent{Kind: CarrierMedia, Payload: "//8="}
	h.conv.created("R1")
	h.conv.events <- llm.Event{Type: llm.EventAudioDelta, ResponseID: "R1", Audio: "AAEC"}
	waitFor(t, "model audio at carrier", func() bool { m, _ := h.carrier.snapshot(); return len(m) == 1 })

	h.conv.events <- llm.Event{Type: llm.EventSpeechStarted}
	waitFor(t, "clear", func() bool { _, c := h.carrier.snapshot(); return len(c) == 1 })
	// Output already queued for the interrupted response is discarded.
	h.conv.events <- llm.Event{Type: llm.EventAudioDelta, ResponseID: "R1", Audio: "LATE"}
	h.conv.finish("R1", "cancelled")
	waitFor(t, "cancel confirmed", func() bool { return h.obs.Count(metrics.EventTurnCancelled) == 1 })

	media, clears := h.carrier.snapshot()
	_, _, cancels := h.conv.counts()
	if len(clears) != 1 || clears[0] != "MZ123" {
		t.Fatalf("expected exactly one clear for MZ123, got %v", clears)
	}
	if cancels != 1 {
		t.Fatalf("expected exactly one response.cancel, got %d", cancels)
	}
	if len(media) != 1 {
		t.Fatalf("late audio must be dropped, got %+v", media)
	}
	h.conv.mu.Lock()
	audio := len(h.conv.audio)
	h.conv.mu.Unlock()
	if audio != 1 {
		t.Fatalf("expected caller audio forwarded to the model, got %d frames", audio)
	}
}

func TestCancelSuppressedWhenNoResponseActive(t *testing.T) {
	h := start(t, TopologyRealtime, nil)
	h.startStream(t)

	h.conv.events <- llm.Event{Type: llm.EventSpeechStarted}
	waitFor(t, "clear", func() bool { _, c := h.carrier.snapshot(); return len(c) == 1 })

	h.conv.created("R1")
	h.conv.finish("R1", "completed")
	h.conv.events <- llm.Event{Type: llm.EventSpeechStarted}
	waitFor(t, "second barge-in", func() bool { return h.obs.Count(metrics.EventBargeIn) == 2 })
	if _, _, cancels := h.conv.counts(); cancels != 0 {
		t.Fatalf("expected no cancel while idle or done, got %d", cancels)
	}
}

func TestCommittedWhileActiveIsFoldedIntoNextTurn(t *testing.T) {
	h := start(t, TopologyPipeline, nil)
	h.startStream(t)

	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "Hello"}
	waitFor(t, "first turn", func() bool { _, n, _ := h.conv.counts(); return n == 1 })
	h.conv.created("R1")
	h.conv.events <- llm.Event{Type: llm.EventTextDelta, ResponseID: "R1", Text: "Hi there, how"}
	waitFor(t, "reply text", func() bool { s, _, _ := h.synth.counts(); return len(s) == 1 })

	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "wait"}
	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "I need to reschedule"}
	waitFor(t, "barge-in", func() bool { _, _, c := h.conv.counts(); return c == 1 })
	if _, requests, _ := h.conv.counts(); requests != 1 {
		t.Fatalf("no second turn may start while the first is in flight, got %d requests", requests)
	}
	h.conv.events <- llm.Event{Type: llm.EventTextDelta, ResponseID: "R1", Text: " can I help?"}
	waitFor(t, "both corrections", func() bool { return h.obs.Count(metrics.EventTranscript) == 3 })

	h.conv.finish("R1", "cancelled")
	waitFor(t, "pending turn", func() bool { _, n, _ := h.conv.counts(); return n == 2 })
	texts, _, cancels := h.conv.counts()
	if len(texts) != 2 || texts[1] != "wait I need to reschedule" {
		t.Fatalf("expected pending text joined into one message, got %v", texts)
	}
	if cancels != 1 {
		t.Fatalf("expected exactly one cancel, got %d", cancels)
	}
	sent, flushes, resets := h.synth.counts()
	if len(sent) != 1 || resets != 1 || flushes != 0 {
		t.Fatalf("unexpected synthesizer traffic %v flushes=%d resets=%d", sent, flushes, resets)
	}
	if _, clears := h.carrier.snapshot(); len(clears) != 1 {
		t.Fatalf("expected exactly one clear, got %d", len(clears))
	}
}

func TestToolResultsResumeExactlyOnce(t *testing.T) {
	exec := &gatedExecutor{release: make(chan struct{})}
	h := start(t, TopologyPipeline, exec)
	h.startStream(t)

	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "Can someone call me back about billing?"}
	waitFor(t, "first turn", func() bool { _, n, _ := h.conv.counts(); return n == 1 })
	h.conv.created("R1")
	h.conv.events <- llm.Event{Type: llm.EventToolCall, ResponseID: "R1", Call: llm.ToolCall{ID: "c1", Name: "schedule_human_meeting"}}
	h.conv.events <- llm.Event{Type: llm.EventToolCall, ResponseID: "R1", Call: llm.ToolCall{ID: "c2", Name: "think"}}
	h.conv.finish("R1", "completed")
	waitFor(t, "cycle done", func() bool { return h.obs.Count(metrics.EventTurnDone) == 1 })
	if _, n, _ := h.conv.counts(); n != 1 {
		t.Fatalf("must not resume before tool results arrive, got %d requests", n)
	}

	close(exec.release)
	waitFor(t, "tool results", func() bool { return h.conv.resultCount() == 2 })
	waitFor(t, "resumed turn", func() bool { _, n, _ := h.conv.counts(); return n == 2 })
	if got := h.obs.Count(metrics.EventTurnStarted); got != 2 {
		t.Fatalf("expected exactly one resumed response, got %d turns", got)
	}
}

func TestToolCallsFromOneResponseRunInOrder(t *testing.T) {
	reg := tools.NewRegistry()
	_ = reg.Register(tools.Spec{
		Tool: llm.Tool{Name: "check_availability", Schema: llm.ObjectSchema(map[string]any{})},
		Handler: func(context.Context, tools.Invocation) (tools.Result, error) {
			time.Sleep(10 * time.Millisecond)
			return tools.OK("Tuesday 9am is free", nil), nil
		},
	})
	_ = reg.Register(tools.Spec{
		Tool:      llm.Tool{Name: "book_appointment", Schema: llm.ObjectSchema(map[string]any{})},
		SingleUse: true,
		After:     "check_availability",
		Handler: func(context.Context, tools.Invocation) (tools.Result, error) {
			return tools.OK("booked", nil), nil
		},
	})
	h := start(t, TopologyPipeline, tools.NewExecutor(reg, tools.Options{CallSID: "CA123"}))
	h.startStream(t)

	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "Book me for Tuesday at nine"}
	waitFor(t, "first turn", func() bool { _, n, _ := h.conv.counts(); return n == 1 })
	h.conv.created("R1")
	h.conv.events <- llm.Event{Type: llm.EventToolCall, ResponseID: "R1", Call: llm.ToolCall{ID: "c1", Name: "check_availability", Raw: "{}"}}
	h.conv.events <- llm.Event{Type: llm.EventToolCall, ResponseID: "R1", Call: llm.ToolCall{ID: "c2", Name: "book_appointment", Raw: "{}"}}
	h.conv.finish("R1", "completed")

	waitFor(t, "resumed turn", func() bool { _, n, _ := h.conv.counts(); return n == 2 })
	h.conv.mu.Lock()
	availability, booking := h.conv.results["c1"], h.conv.results["c2"]
	h.conv.mu.Unlock()
	if !strings.Contains(availability, `"status":"ok"`) {
		t.Fatalf("unexpected availability result %s", availability)
	}
	if !strings.Contains(booking, `"status":"ok"`) {
		t.Fatalf("booking raised after availability in the same response must run after it, got %s", booking)
	}
}

func TestQueuedToolCallsRejectedOnBargeIn(t *testing.T) {
	exec := &gatedExecutor{release: make(chan struct{})}
	h := start(t, TopologyPipeline, exec)
	h.startStream(t)

	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "Book me for Tuesday"}
	waitFor(t, "first turn", func() bool { _, n, _ := h.conv.counts(); return n == 1 })
	h.conv.created("R1")
	h.conv.events <- llm.Event{Type: llm.EventToolCall, ResponseID: "R1", Call: llm.ToolCall{ID: "c1", Name: "check_availability"}}
	h.conv.events <- llm.Event{Type: llm.EventToolCall, ResponseID: "R1", Call: llm.ToolCall{ID: "c2", Name: "book_appointment"}}
	h.conv.events <- llm.Event{Type: llm.EventTextDelta, ResponseID: "R1", Text: "One moment."}
	waitFor(t, "reply text", func() bool { s, _, _ := h.synth.counts(); return len(s) == 1 })

	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "actually never mind"}
	waitFor(t, "queued call answered", func() bool { return h.conv.resultCount() == 1 })
	h.conv.mu.Lock()
	out := h.conv.results["c2"]
	h.conv.mu.Unlock()
	if !strings.Contains(out, `"status":"rejected"`) {
		t.Fatalf("expected the queued booking rejected, got %s", out)
	}

	close(exec.release)
	waitFor(t, "running call answered", func() bool { return h.conv.resultCount() == 2 })
	exec.mu.Lock()
	ran := append([]string(nil), exec.calls...)
	exec.mu.Unlock()
	if len(ran) != 1 || ran[0] != "c1" {
		t.Fatalf("only the call already running may execute, ran %v", ran)
	}
}

func TestToolCallAfterBargeInIsRejected(t *testing.T) {
	exec := &gatedExecutor{release: make(chan struct{})}
	close(exec.release)
	h := start(t, TopologyPipeline, exec)
	h.startStream(t)

	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "Book me for Tuesday"}
	waitFor(t, "first turn", func() bool { _, n, _ := h.conv.counts(); return n == 1 })
	h.conv.created("R1")
	h.conv.events <- llm.Event{Type: llm.EventTextDelta, ResponseID: "R1", Text: "Let me check Tuesday."}
	waitFor(t, "reply text", func() bool { s, _, _ := h.synth.counts(); return len(s) == 1 })
	h.rec.events <- stt.Event{Kind: stt.EventCommitted, Text: "actually never mind"}
	waitFor(t, "barge-in", func() bool { _, _, c := h.conv.counts(); return c == 1 })

	h.conv.events <- llm.Event{Type: llm.EventToolCall, ResponseID: "R1", Call: llm.ToolCall{ID: "c1", Name: "book_appointment"}}
	waitFor(t, "tool result", func() bool { return h.conv.resultCount() == 1 })
	h.conv.mu.Lock()
	out := h.conv.results["c1"]
	h.conv.mu.Unlock()
	if !strings.Contains(out, `"status":"rejected"`) {
		t.Fatalf("expected rejected result, got %s", out)
	}
	exec.mu.Lock()
	ran := len(exec.calls)
	exec.mu.Unlock()
	if ran != 0 {
		t.Fatalf("interrupted tool call must not run, ran %d", ran)
	}
}

func TestLegFailureDrainsCall(t *testing.T) {
	h := start(t, TopologyPipeline, nil)
	h.startStream(t)

	h.rec.err = errors.New("socket reset")
	_ = h.rec.Close()
	err := h.wait(t)
	if err == nil || err.Error() != "socket reset" {
		t.Fatalf("expected the recognizer failure, got %v", err)
	}
	if !isClosed(h.carrier.Done()) || !isClosed(h.conv.Done()) || !isClosed(h.synth.Done()) {
		t.Fatalf("expected remaining legs closed")
	}
	if h.obs.Count(metrics.EventLegFailed) != 1 {
		t.Fatalf("expected leg failure metric")
	}
}

func TestDrainIsBoundedByGracePeriod(t *testing.T) {
	h := start(t, TopologyPipeline, nil)
	h.synth.stuck = true
	var mu sync.Mutex
	var reasons []string
	h.relay.AddListener(ListenerFunc(func(ev StateChange) {
		mu.Lock()
		reasons = append(reasons, ev.To.String()+":"+ev.Reason)
		mu.Unlock()
	}))
	h.startStream(t)

	h.carrier.events <- CarrierEvent{Kind: CarrierStop}
	h.carrier.events <- CarrierEvent{Kind: CarrierStop}
	if err := h.wait(t); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"STREAM_STARTED:carrier_start", "ACTIVE:conversation_open", "DRAINING:carrier_stop", "CLOSED:grace_elapsed"}
	if len(reasons) != len(want) {
		t.Fatalf("unexpected transitions %v", reasons)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("unexpected transitions %v", reasons)
		}
	}
}

func TestStopBufferedAtSocketCloseEndsAsStop(t *testing.T) {
	h := start(t, TopologyRealtime, nil)
	reasons := make(chan string, 8)
	h.relay.AddListener(ListenerFunc(func(ev StateChange) {
		if ev.To == StateDraining {
			reasons <- ev.Reason
		}
	}))
	h.startStream(t)

	h.carrier.events <- CarrierEvent{Kind: CarrierMedia, Payload: "//8="}
	h.carrier.events <- CarrierEvent{Kind: CarrierStop}
	_ = h.carrier.Close()
	if err := h.wait(t); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if got := <-reasons; got != "carrier_stop" {
		t.Fatalf("expected the buffered stop to end the call, got %s", got)
	}
}

func TestLegValidation(t *testing.T) {
	if _, err := ParseTopology("hybrid"); err == nil {
		t.Fatalf("expected unknown topology error")
	}
	if top, _ := ParseTopology(""); top != TopologyPipeline {
		t.Fatalf("expected pipeline default, got %s", top)
	}

	carrier := newFakeCarrier()
	conv := newFakeConversation()
	r, err := New(carrier, Config{
		Topology: TopologyRealtime,
		NewLegs: func(context.Context, CallInfo) (Legs, error) {
			return Legs{Conversation: conv, Synthesizer: newFakeSynth()}, nil
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	carrier.events <- CarrierEvent{Kind: CarrierStart, StreamSID: "MZ1"}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected realtime topology to reject a synthesizer leg")
	}
	if !isClosed(carrier.Done()) || !isClosed(conv.Done()) {
		t.Fatalf("expected legs closed after a setup failure")
	}
}
