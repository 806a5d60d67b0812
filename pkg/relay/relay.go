// Package relay runs the per-call state machine that connects the carrier
// media stream with the recognizer, the model conversation and the
// synthesizer.
//
// One goroutine owns all call state and multiplexes the legs' channels, so
// the single-active-turn and barge-in rules need no locking.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/adapters/tts"
	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/tools"
	"github.com/harunnryd/callbridge/pkg/turn"
)

// Topology selects how caller audio reaches the model.
type Topology string

const (
	// TopologyPipeline routes audio through the recognizer and a text-only
	// model; replies are spoken by the synthesizer.
	TopologyPipeline Topology = "pipeline"
	// TopologyRealtime sends audio to the model and plays its audio back.
	TopologyRealtime Topology = "realtime"
)

// ParseTopology validates a configured topology name.
func ParseTopology(s string) (Topology, error) {
	switch t := Topology(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TopologyPipeline, nil
	case TopologyPipeline, TopologyRealtime:
		return t, nil
	default:
		return "", fmt.Errorf("relay: unknown topology %q", s)
	}
}

// CarrierEventKind classifies carrier control messages.
type CarrierEventKind int

const (
	CarrierStart CarrierEventKind = iota
	CarrierMedia
	CarrierStop
)

// CarrierEvent is one decoded message from the carrier media socket.
type CarrierEvent struct {
	Kind      CarrierEventKind
	StreamSID string
	CallSID   string
	From      string
	// Payload is base64 8 kHz mu-law audio.
	Payload string
}

// Carrier is the media socket of one call.
type Carrier interface {
	// Events is closed when the socket stops reading.
	Events() <-chan CarrierEvent
	SendMedia(streamSID, payload string) error
	Clear(streamSID string) error
	Done() <-chan struct{}
	Close() error
}

// ToolExecutor runs tool calls for one call.
type ToolExecutor interface {
	Execute(ctx context.Context, call llm.ToolCall) tools.Result
}

// CallInfo identifies the call the legs are built for.
type CallInfo struct {
	StreamSID string
	CallSID   string
	From      string
	TraceID   string
}

// Legs are the provider connections of one call. Recognizer and Synthesizer
// are set only in the pipeline topology.
type Legs struct {
	Conversation llm.Conversation
	Recognizer   stt.Recognizer
	Synthesizer  tts.Synthesizer
	Tools        ToolExecutor
}

// LegFactory builds the legs once the carrier has announced the stream.
type LegFactory func(ctx context.Context, call CallInfo) (Legs, error)

// Config is the per-call relay configuration.
type Config struct {
	Topology   Topology
	DrainGrace time.Duration
	NewLegs    LegFactory
	Logger     *slog.Logger
	Observer   metrics.Observer
}

// Relay is one call session.
type Relay struct {
	cfg     Config
	carrier Carrier
	sm      *stateMachine
	logger  *slog.Logger
	obs     metrics.Observer

	// Everything below is owned by the Run goroutine.
	cancel    context.CancelFunc
	call      CallInfo
	legs      Legs
	err       error
	convReady <-chan struct{}
	convEvts  <-chan llm.Event
	convDone  <-chan struct{}
	recEvts   <-chan stt.Event
	recDone   <-chan struct{}
	synthOut  <-chan string
	synthDone <-chan struct{}

	toolResults chan toolOutcome
	outstanding map[string]bool
	// toolQueue holds calls waiting for the running one; tools run one at a
	// time in the order the model raised them.
	toolQueue   []llm.ToolCall
	toolRunning bool
	// resume is set when tool results are waiting for a response.create.
	resume bool
	// pending holds caller text that arrived while a turn was in flight.
	pending string
	// dropping discards output of a cycle cancelled by barge-in until the
	// next cycle starts.
	dropping bool
	// awaitingAudio is set from a turn request until its first audio
	// reaches the carrier.
	awaitingAudio bool

	stats callStats
}

type callStats struct {
	mediaIn      int
	mediaOut     int
	mediaDropped int
	bargeIns     int
	turns        int
}

type toolOutcome struct {
	call   llm.ToolCall
	result tools.Result
}

// carrierLinger bounds how long buffered carrier events are read after the
// socket is gone.
const carrierLinger = 250 * time.Millisecond

// New validates cfg and returns a relay for carrier.
func New(carrier Carrier, cfg Config) (*Relay, error) {
	if carrier == nil {
		return nil, errors.New("relay: carrier is required")
	}
	if cfg.NewLegs == nil {
		return nil, errors.New("relay: leg factory is required")
	}
	topology, err := ParseTopology(string(cfg.Topology))
	if err != nil {
		return nil, err
	}
	cfg.Topology = topology
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 2 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	r := &Relay{
		cfg:         cfg,
		carrier:     carrier,
		sm:          &stateMachine{},
		logger:      logging.NewComponentLogger(cfg.Logger, "relay"),
		obs:         cfg.Observer,
		toolResults: make(chan toolOutcome, 8),
		outstanding: make(map[string]bool),
	}
	r.sm.AddListener(ListenerFunc(func(ev StateChange) {
		r.record(metrics.EventCallState,
			map[string]string{"from": ev.From.String(), "to": ev.To.String(), "reason": ev.Reason}, nil)
	}))
	return r, nil
}

// State returns the current call state.
func (r *Relay) State() State { return r.sm.State() }

// AddListener registers a call state listener.
func (r *Relay) AddListener(l StateListener) { r.sm.AddListener(l) }

// Run drives the call until it is closed. It returns the leg failure that
// ended the call, or nil for a normal hangup or ctx cancellation.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	carrierEvts := r.carrier.Events()
	carrierDone := r.carrier.Done()
	var carrierGone <-chan time.Time
	for r.sm.State() < StateDraining {
		select {
		case <-ctx.Done():
			r.drain("context_done", nil)
		case ev, ok := <-carrierEvts:
			if !ok {
				carrierEvts = nil
				r.drain("carrier_closed", nil)
				continue
			}
			r.onCarrier(ctx, ev)
		case <-carrierDone:
			// Events decoded before the socket closed, a final stop among
			// them, are still delivered.
			carrierDone = nil
			carrierGone = time.After(carrierLinger)
		case <-carrierGone:
			r.drain("carrier_closed", nil)
		case <-r.convReady:
			r.convReady = nil
			if err := r.sm.Transition(StateActive, "conversation_open"); err == nil {
				r.logger.Info("relay_active")
			}
		case ev, ok := <-r.convEvts:
			if !ok {
				r.convEvts = nil
				continue
			}
			r.onConversation(ctx, ev)
		case ev, ok := <-r.recEvts:
			if !ok {
				r.recEvts = nil
				continue
			}
			r.onRecognizer(ev)
		case payload, ok := <-r.synthOut:
			if !ok {
				r.synthOut = nil
				continue
			}
			r.forwardAudio(payload)
		case out := <-r.toolResults:
			r.onToolResult(ctx, out)
		case <-r.convDone:
			r.legClosed("conversation", r.legs.Conversation.Err())
		case <-r.recDone:
			r.legClosed("recognizer", r.legs.Recognizer.Err())
		case <-r.synthDone:
			r.legClosed("synthesizer", r.legs.Synthesizer.Err())
		}
	}
	r.finish()
	return r.err
}

func (r *Relay) onCarrier(ctx context.Context, ev CarrierEvent) {
	switch ev.Kind {
	case CarrierStart:
		r.onStart(ctx, ev)
	case CarrierMedia:
		r.onMedia(ev)
	case CarrierStop:
		r.drain("carrier_stop", nil)
	}
}

func (r *Relay) onStart(ctx context.Context, ev CarrierEvent) {
	if r.sm.State() != StateIdle {
		r.logger.Debug("relay_duplicate_start_ignored", "stream_sid", ev.StreamSID)
		return
	}
	if ev.StreamSID == "" {
		r.logger.Warn("relay_start_without_stream", "reason_code", string(errorsx.ReasonTransportProtocol))
		return
	}
	r.call = CallInfo{StreamSID: ev.StreamSID, CallSID: ev.CallSID, From: ev.From, TraceID: uuid.NewString()}
	r.logger = r.logger.With("stream_sid", r.call.StreamSID, "call_sid", r.call.CallSID, "trace_id", r.call.TraceID)
	_ = r.sm.Transition(StateStreamStarted, "carrier_start")
	r.logger.Info("relay_stream_started", "topology", string(r.cfg.Topology), "from", redact.Phone(ev.From))

	legs, err := r.cfg.NewLegs(ctx, r.call)
	if err == nil {
		err = r.checkLegs(legs)
	}
	if err != nil {
		r.legs = legs
		r.fail("legs", err)
		return
	}
	r.legs = legs
	if err := legs.Conversation.Start(ctx); err != nil {
		r.fail("conversation", errorsx.Wrap(err, errorsx.ReasonModelConnect))
		return
	}
	r.convReady = legs.Conversation.Ready()
	r.convEvts = legs.Conversation.Events()
	r.convDone = legs.Conversation.Done()
	if legs.Recognizer != nil {
		if err := legs.Recognizer.Start(ctx); err != nil {
			r.fail("recognizer", errorsx.Wrap(err, errorsx.ReasonRecognizerConnect))
			return
		}
		r.recEvts = legs.Recognizer.Events()
		r.recDone = legs.Recognizer.Done()
	}
	if legs.Synthesizer != nil {
		if err := legs.Synthesizer.Start(ctx); err != nil {
			r.fail("synthesizer", errorsx.Wrap(err, errorsx.ReasonSynthConnect))
			return
		}
		r.synthOut = legs.Synthesizer.Audio()
		r.synthDone = legs.Synthesizer.Done()
	}
}

func (r *Relay) checkLegs(legs Legs) error {
	if legs.Conversation == nil {
		return errors.New("relay: conversation leg is required")
	}
	switch r.cfg.Topology {
	case TopologyPipeline:
		if legs.Recognizer == nil || legs.Synthesizer == nil {
			return errors.New("relay: pipeline topology needs a recognizer and a synthesizer")
		}
	case TopologyRealtime:
		if legs.Recognizer != nil || legs.Synthesizer != nil {
			return errors.New("relay: realtime topology takes audio from the model only")
		}
	}
	return nil
}

func (r *Relay) onMedia(ev CarrierEvent) {
	if r.call.StreamSID == "" {
		r.stats.mediaDropped++
		r.record(metrics.EventMediaDropped, map[string]string{"reason": "before_start"}, nil)
		r.logger.Debug("relay_media_before_start_dropped")
		return
	}
	r.stats.mediaIn++
	r.record(metrics.EventMediaIn, nil, nil)
	switch r.cfg.Topology {
	case TopologyRealtime:
		if err := r.legs.Conversation.SubmitAudio(ev.Payload); err != nil {
			r.logger.Warn("relay_audio_submit_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
		}
	default:
		audio, err := codec.DecodePayload(ev.Payload)
		if err != nil {
			r.logger.Warn("relay_media_payload_invalid", errorsx.LogAttrs(err, errorsx.ReasonTransportProtocol)...)
			return
		}
		if err := r.legs.Recognizer.SendAudio(audio); err != nil {
			r.logger.Warn("relay_audio_submit_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
		}
	}
}

func (r *Relay) onRecognizer(ev stt.Event) {
	switch ev.Kind {
	case stt.EventPartial:
		r.logger.Debug("relay_partial_transcript", "text", redact.Text(ev.Text))
	case stt.EventCommitted:
		r.onCommitted(ev.Text)
	case stt.EventError:
		r.logger.Warn("relay_recognizer_error", errorsx.LogAttrs(ev.Err, errorsx.ReasonRecognizerProtocol)...)
	}
}

// onCommitted starts a model turn, or folds the text into the pending turn
// when one is already in flight.
func (r *Relay) onCommitted(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.logger.Info("relay_committed_transcript", "text", redact.Text(text))
	inFlight := r.turnInFlight()
	r.record(metrics.EventTranscript, nil, map[string]any{"chars": len(text), "while_active": inFlight})
	if inFlight {
		first := r.pending == ""
		if first {
			r.pending = text
		} else {
			r.pending += " " + text
		}
		if first && r.legs.Conversation.Busy() {
			r.bargeIn("committed_while_active")
		}
		return
	}
	conv := r.legs.Conversation
	if err := conv.SubmitText(text); err != nil {
		r.logger.Warn("relay_text_submit_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
		return
	}
	r.requestResponse()
}

func (r *Relay) turnInFlight() bool {
	return r.legs.Conversation.Busy() || len(r.outstanding) > 0 || r.pending != ""
}

func (r *Relay) requestResponse() {
	if err := r.legs.Conversation.RequestResponse(); err != nil {
		if errors.Is(err, turn.ErrBusy) {
			// The provider opened a response on its own; ask again once it ends.
			r.resume = true
			return
		}
		r.logger.Warn("relay_response_request_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
		return
	}
	r.stats.turns++
	r.awaitingAudio = true
	r.record(metrics.EventTurnStarted, nil, nil)
}

// maybeResume starts the next turn once the previous cycle has ended and
// every tool call it raised has a result.
func (r *Relay) maybeResume() {
	conv := r.legs.Conversation
	if conv.Busy() || len(r.outstanding) > 0 {
		return
	}
	if r.pending == "" && !r.resume {
		return
	}
	text := r.pending
	r.pending = ""
	r.resume = false
	if text != "" {
		if err := conv.SubmitText(text); err != nil {
			r.logger.Warn("relay_text_submit_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
			return
		}
	}
	r.requestResponse()
}

func (r *Relay) onConversation(ctx context.Context, ev llm.Event) {
	switch ev.Type {
	case llm.EventResponseCreated:
		r.dropping = false
		r.logger.Debug("relay_response_created", "response_id", ev.ResponseID)
	case llm.EventTextDelta:
		if r.dropping || r.legs.Synthesizer == nil {
			return
		}
		if err := r.legs.Synthesizer.SendText(ev.Text); err != nil {
			r.logger.Warn("relay_synth_send_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
		}
	case llm.EventAudioDelta:
		if r.dropping {
			return
		}
		r.forwardAudio(ev.Audio)
	case llm.EventToolCall:
		r.onToolCall(ctx, ev.Call)
	case llm.EventResponseDone:
		r.onResponseDone(ev)
	case llm.EventSpeechStarted:
		r.bargeIn("speech_started")
	case llm.EventError:
		r.logger.Warn("relay_conversation_error", errorsx.LogAttrs(ev.Err, errorsx.ReasonModelProtocol)...)
	}
}

func (r *Relay) onResponseDone(ev llm.Event) {
	name := metrics.EventTurnDone
	if ev.Status == "cancelled" {
		name = metrics.EventTurnCancelled
	}
	r.record(name, map[string]string{"status": ev.Status}, nil)
	r.logger.Debug("relay_response_done", "response_id", ev.ResponseID, "status", ev.Status)
	if r.legs.Synthesizer != nil && !r.dropping && ev.Status != "cancelled" {
		if err := r.legs.Synthesizer.Flush(); err != nil {
			r.logger.Warn("relay_synth_flush_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
		}
	}
	r.dropping = false
	r.maybeResume()
}

func (r *Relay) onToolCall(ctx context.Context, call llm.ToolCall) {
	conv := r.legs.Conversation
	if r.dropping {
		// The cycle was interrupted; answer without running the tool.
		r.logger.Info("relay_tool_call_skipped", "call_id", call.ID, "tool_name", call.Name)
		_ = conv.SubmitToolResult(call.ID, tools.Rejected("the caller interrupted before %s could run", call.Name).JSON())
		return
	}
	if r.outstanding[call.ID] {
		return
	}
	if r.legs.Tools == nil {
		_ = conv.SubmitToolResult(call.ID, tools.Failure("no tools are available on this call").JSON())
		r.resume = true
		return
	}
	r.outstanding[call.ID] = true
	r.toolQueue = append(r.toolQueue, call)
	r.logger.Info("relay_tool_call", "call_id", call.ID, "tool_name", call.Name, "queued", len(r.toolQueue)-1)
	r.runNextTool(ctx)
}

// runNextTool starts the oldest queued call unless one is still running.
func (r *Relay) runNextTool(ctx context.Context) {
	if r.toolRunning || len(r.toolQueue) == 0 {
		return
	}
	call := r.toolQueue[0]
	r.toolQueue = r.toolQueue[1:]
	r.toolRunning = true
	executor := r.legs.Tools
	go func() {
		res := executor.Execute(ctx, call)
		select {
		case r.toolResults <- toolOutcome{call: call, result: res}:
		case <-ctx.Done():
		}
	}()
}

func (r *Relay) onToolResult(ctx context.Context, out toolOutcome) {
	r.toolRunning = false
	if r.outstanding[out.call.ID] {
		delete(r.outstanding, out.call.ID)
		if err := r.legs.Conversation.SubmitToolResult(out.call.ID, out.result.JSON()); err != nil {
			r.logger.Warn("relay_tool_result_submit_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
		}
		r.resume = true
	}
	r.runNextTool(ctx)
	r.maybeResume()
}

// rejectQueuedTools answers calls that have not started yet after the
// caller interrupted the cycle that raised them.
func (r *Relay) rejectQueuedTools() {
	for _, call := range r.toolQueue {
		delete(r.outstanding, call.ID)
		r.logger.Info("relay_tool_call_skipped", "call_id", call.ID, "tool_name", call.Name)
		_ = r.legs.Conversation.SubmitToolResult(call.ID, tools.Rejected("the caller interrupted before %s could run", call.Name).JSON())
	}
	r.toolQueue = nil
}

// bargeIn stops playback, drops pending synthesis and cancels the active
// response. The cancel is only sent when a response is active.
func (r *Relay) bargeIn(reason string) {
	r.stats.bargeIns++
	if r.call.StreamSID != "" {
		if err := r.carrier.Clear(r.call.StreamSID); err != nil {
			r.logger.Warn("relay_clear_failed", errorsx.LogAttrs(err, errorsx.ReasonTransportSend)...)
		}
	}
	if r.legs.Synthesizer != nil {
		if err := r.legs.Synthesizer.Reset(); err != nil {
			r.logger.Warn("relay_synth_reset_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
		}
	}
	cancelled := r.legs.Conversation.CancelActiveResponse()
	if cancelled {
		r.dropping = true
		r.rejectQueuedTools()
	}
	r.awaitingAudio = false
	r.record(metrics.EventBargeIn, map[string]string{"reason": reason}, map[string]any{"cancelled": cancelled})
	r.logger.Info("relay_barge_in", "reason", reason, "cancelled", cancelled)
}

func (r *Relay) forwardAudio(payload string) {
	if payload == "" {
		return
	}
	if r.call.StreamSID == "" {
		r.stats.mediaDropped++
		r.record(metrics.EventMediaDropped, map[string]string{"reason": "no_stream"}, nil)
		r.logger.Info("relay_audio_without_stream_dropped")
		return
	}
	if err := r.carrier.SendMedia(r.call.StreamSID, payload); err != nil {
		r.logger.Warn("relay_carrier_send_failed", errorsx.LogAttrs(err, errorsx.ReasonTransportSend)...)
		return
	}
	r.stats.mediaOut++
	r.record(metrics.EventMediaOut, nil, nil)
	if r.awaitingAudio {
		r.awaitingAudio = false
		r.record(metrics.EventFirstAudio, nil, nil)
	}
}

func (r *Relay) legClosed(leg string, err error) {
	if err != nil {
		r.record(metrics.EventLegFailed, map[string]string{"leg": leg, "reason_code": string(errorsx.Reason(err))}, nil)
	}
	r.fail(leg, err)
}

func (r *Relay) fail(leg string, err error) {
	if err != nil {
		r.logger.Warn("relay_leg_failed", "leg", leg, "error", err, "reason_code", string(errorsx.Reason(err)))
	}
	r.drain(leg+"_closed", err)
}

// drain closes every leg. Closing discards messages still queued for a leg
// that never opened.
func (r *Relay) drain(reason string, err error) {
	if r.sm.State() >= StateDraining {
		return
	}
	if err != nil && r.err == nil {
		r.err = err
	}
	_ = r.sm.Transition(StateDraining, reason)
	r.logger.Info("relay_draining", "reason", reason)
	if r.cancel != nil {
		r.cancel()
	}
	if r.legs.Conversation != nil {
		_ = r.legs.Conversation.Close()
	}
	if r.legs.Recognizer != nil {
		_ = r.legs.Recognizer.Close()
	}
	if r.legs.Synthesizer != nil {
		_ = r.legs.Synthesizer.Close()
	}
	_ = r.carrier.Close()
}

// finish waits for every leg to report closed, bounded by the grace period.
func (r *Relay) finish() {
	waits := []<-chan struct{}{r.carrier.Done()}
	if r.legs.Conversation != nil {
		waits = append(waits, r.legs.Conversation.Done())
	}
	if r.legs.Recognizer != nil {
		waits = append(waits, r.legs.Recognizer.Done())
	}
	if r.legs.Synthesizer != nil {
		waits = append(waits, r.legs.Synthesizer.Done())
	}
	timer := time.NewTimer(r.cfg.DrainGrace)
	defer timer.Stop()
	reason := "legs_closed"
wait:
	for _, done := range waits {
		select {
		case <-done:
		case <-timer.C:
			reason = "grace_elapsed"
			r.logger.Warn("relay_drain_grace_elapsed")
			break wait
		}
	}
	_ = r.sm.Transition(StateClosed, reason)
	r.record(metrics.EventCallSummary, nil, map[string]any{
		"media_in":      r.stats.mediaIn,
		"media_out":     r.stats.mediaOut,
		"media_dropped": r.stats.mediaDropped,
		"barge_ins":     r.stats.bargeIns,
		"turns":         r.stats.turns,
	})
	r.logger.Info("relay_closed",
		"media_in", r.stats.mediaIn,
		"media_out", r.stats.mediaOut,
		"media_dropped", r.stats.mediaDropped,
		"barge_ins", r.stats.bargeIns,
		"turns", r.stats.turns)
}

// record emits a metrics event tagged with the call identifiers.
func (r *Relay) record(name string, tags map[string]string, fields map[string]any) {
	out := map[string]string{"stream_sid": r.call.StreamSID, "call_sid": r.call.CallSID, "trace_id": r.call.TraceID}
	for k, v := range tags {
		out[k] = v
	}
	metrics.Record(r.obs, name, out, fields)
}
