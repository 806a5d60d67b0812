package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/conn"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/turn"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// RealtimeConfig configures the realtime websocket session.
type RealtimeConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	BaseURL           string  `mapstructure:"base_url"`
	Temperature       float64 `mapstructure:"temperature"`
	VADThreshold      float64 `mapstructure:"vad_threshold"`
	PrefixPaddingMs   int     `mapstructure:"prefix_padding_ms"`
	SilenceDurationMs int     `mapstructure:"silence_duration_ms"`
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	if c.Model == "" {
		c.Model = "gpt-4o-realtime-preview"
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultRealtimeURL
	}
	return c
}

// Realtime is a conversation over the realtime websocket API.
type Realtime struct {
	cfg     RealtimeConfig
	session llm.SessionConfig
	logger  *slog.Logger
	conn    *conn.Conn
	tracker *turn.Tracker
	events  chan llm.Event
	// seenCalls is owned by the pump goroutine.
	seenCalls map[string]bool
}

// NewRealtime validates cfg and returns an unstarted session.
func NewRealtime(cfg RealtimeConfig, session llm.SessionConfig, logger *slog.Logger) (*Realtime, error) {
	return newRealtime(cfg, session, logger, nil)
}

func newRealtime(cfg RealtimeConfig, session llm.SessionConfig, logger *slog.Logger, dial conn.DialFunc) (*Realtime, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, errorsx.Wrapf(errorsx.ReasonConfigMissing, "openai realtime: api_key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Realtime{
		cfg:       cfg,
		session:   session,
		logger:    logging.NewComponentLogger(logger, "openai_realtime").With("stream_sid", session.StreamID),
		tracker:   turn.NewTracker(),
		events:    make(chan llm.Event, 256),
		seenCalls: make(map[string]bool),
	}
	if dial == nil {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+cfg.APIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
		dial = conn.WebsocketDialer(cfg.BaseURL+"?model="+url.QueryEscape(cfg.Model), header)
	}
	update, err := json.Marshal(r.sessionUpdate())
	if err != nil {
		return nil, err
	}
	r.conn = conn.New(conn.Options{
		Name:   "openai_realtime",
		Dial:   dial,
		Logger: r.logger,
		OnOpen: func(s conn.Socket) error {
			return s.WriteMessage(websocket.TextMessage, update)
		},
	})
	return r, nil
}

func (r *Realtime) Name() string { return "openai_realtime" }

type sessionUpdate struct {
	Type    string      `json:"type"`
	Session sessionBody `json:"session"`
}

type sessionBody struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *turnDetection `json:"turn_detection"`
	Tools             []realtimeTool `json:"tools,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type realtimeTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (r *Realtime) sessionUpdate() sessionUpdate {
	body := sessionBody{
		Modalities:   []string{"text"},
		Instructions: r.session.Instructions,
		Temperature:  r.cfg.Temperature,
	}
	if r.session.AudioOut {
		body.Modalities = []string{"audio", "text"}
		body.Voice = r.session.Voice
		body.OutputAudioFormat = audioFormat(r.session.OutputFormat)
	}
	if r.session.AudioIn {
		body.InputAudioFormat = audioFormat(r.session.InputFormat)
		body.TurnDetection = &turnDetection{
			Type:              "server_vad",
			Threshold:         r.cfg.VADThreshold,
			PrefixPaddingMs:   r.cfg.PrefixPaddingMs,
			SilenceDurationMs: r.cfg.SilenceDurationMs,
			CreateResponse:    true,
			InterruptResponse: true,
		}
	}
	for _, t := range r.session.Tools {
		body.Tools = append(body.Tools, realtimeTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}
	return sessionUpdate{Type: "session.update", Session: body}
}

func audioFormat(f string) string {
	if f == "" {
		return "g711_ulaw"
	}
	return f
}

// Start dials in the background; calls made before the socket opens are
// queued behind the session configuration.
func (r *Realtime) Start(ctx context.Context) error {
	r.logger.Info("openai_realtime_connecting", "model", r.cfg.Model, "audio_in", r.session.AudioIn, "audio_out", r.session.AudioOut)
	r.conn.Start(ctx)
	go r.pump()
	return nil
}

func (r *Realtime) pump() {
	for {
		select {
		case <-r.conn.Done():
			if err := r.conn.Err(); err != nil {
				r.logger.Warn("openai_realtime_closed", errorsx.LogAttrs(err, errorsx.ReasonModelConnect)...)
			}
			return
		case data := <-r.conn.Messages():
			r.handle(data)
		}
	}
}

type serverEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Response   *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Item *struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *Realtime) handle(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("openai_realtime_bad_message", errorsx.LogAttrs(err, errorsx.ReasonModelProtocol)...)
		return
	}
	switch ev.Type {
	case "session.created", "session.updated":
		r.logger.Debug("openai_realtime_session", "type", ev.Type)
	case "response.created":
		id := ""
		if ev.Response != nil {
			id = ev.Response.ID
		}
		if !r.tracker.Created(id) {
			r.logger.Debug("openai_realtime_response_for_cancelled_cycle", "response_id", id)
			return
		}
		r.emit(llm.Event{Type: llm.EventResponseCreated, ResponseID: id})
	case "response.output_audio.delta", "response.audio.delta":
		if !r.tracker.Delta(ev.ResponseID) {
			r.logger.Debug("openai_realtime_late_delta", "response_id", ev.ResponseID)
			return
		}
		r.emit(llm.Event{Type: llm.EventAudioDelta, ResponseID: ev.ResponseID, Audio: ev.Delta})
	case "response.text.delta", "response.output_text.delta":
		if !r.tracker.Delta(ev.ResponseID) {
			r.logger.Debug("openai_realtime_late_delta", "response_id", ev.ResponseID)
			return
		}
		r.emit(llm.Event{Type: llm.EventTextDelta, ResponseID: ev.ResponseID, Text: ev.Delta})
	case "response.function_call_arguments.done":
		r.toolCall(ev.ResponseID, ev.CallID, ev.Name, ev.Arguments)
	case "response.output_item.done":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			r.toolCall(ev.ResponseID, ev.Item.CallID, ev.Item.Name, ev.Item.Arguments)
		}
	case "response.done":
		id, status := "", ""
		if ev.Response != nil {
			id, status = ev.Response.ID, ev.Response.Status
		}
		if !r.tracker.Done(id) {
			r.logger.Debug("openai_realtime_stale_done", "response_id", id)
			return
		}
		r.emit(llm.Event{Type: llm.EventResponseDone, ResponseID: id, Status: status})
	case "input_audio_buffer.speech_started":
		r.emit(llm.Event{Type: llm.EventSpeechStarted})
	case "error":
		r.handleError(ev)
	}
}

func (r *Realtime) toolCall(responseID, callID, name, raw string) {
	if callID == "" || r.seenCalls[callID] {
		return
	}
	if !r.tracker.Accepts(responseID) {
		r.logger.Info("openai_realtime_tool_call_dropped", "call_id", callID, "tool", name)
		return
	}
	r.seenCalls[callID] = true
	args, _ := llm.ParseArguments(raw)
	r.emit(llm.Event{
		Type:       llm.EventToolCall,
		ResponseID: responseID,
		Call:       llm.ToolCall{ID: callID, Name: name, Arguments: args, Raw: raw},
	})
}

func (r *Realtime) handleError(ev serverEvent) {
	code, msg := "", ""
	if ev.Error != nil {
		code, msg = ev.Error.Code, ev.Error.Message
	}
	if code == "response_cancel_not_active" {
		// The cancelled response had already finished.
		if r.tracker.Busy() && !r.tracker.Active() {
			r.tracker.Settle()
			r.emit(llm.Event{Type: llm.EventResponseDone, ResponseID: r.tracker.ResponseID(), Status: "cancelled"})
		}
		return
	}
	r.logger.Warn("openai_realtime_error", "code", code, "message", msg, "reason_code", string(errorsx.ReasonModelProtocol))
	r.emit(llm.Event{Type: llm.EventError, Err: fmt.Errorf("openai realtime %s: %s", code, msg)})
}

func (r *Realtime) emit(ev llm.Event) {
	select {
	case r.events <- ev:
	case <-r.conn.Done():
	}
}

func (r *Realtime) send(v any) error {
	err := r.conn.Send(v)
	if errors.Is(err, conn.ErrClosed) {
		return nil
	}
	return errorsx.Wrap(err, errorsx.ReasonModelSend)
}

// SubmitAudio appends a base64 mu-law frame to the input buffer.
func (r *Realtime) SubmitAudio(payload string) error {
	if !r.session.AudioIn || payload == "" {
		return nil
	}
	return r.send(map[string]string{"type": "input_audio_buffer.append", "audio": payload})
}

// SubmitText adds a user message to the conversation.
func (r *Realtime) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return r.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "user",
			"content": []map[string]string{{"type": "input_text", "text": text}},
		},
	})
}

func (r *Realtime) RequestResponse() error {
	if err := r.tracker.Request(); err != nil {
		return err
	}
	return r.send(map[string]string{"type": "response.create"})
}

func (r *Realtime) CancelActiveResponse() bool {
	if !r.tracker.Cancel() {
		return false
	}
	_ = r.send(map[string]string{"type": "response.cancel"})
	return true
}

func (r *Realtime) SubmitToolResult(callID, output string) error {
	return r.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func (r *Realtime) Busy() bool               { return r.tracker.Busy() }
func (r *Realtime) Events() <-chan llm.Event { return r.events }
func (r *Realtime) Ready() <-chan struct{}   { return r.conn.Opened() }
func (r *Realtime) Done() <-chan struct{}    { return r.conn.Done() }
func (r *Realtime) Err() error               { return r.conn.Err() }
func (r *Realtime) Close() error             { return r.conn.Close() }

var _ llm.Conversation = (*Realtime)(nil)
