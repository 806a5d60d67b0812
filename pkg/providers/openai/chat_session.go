package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/turn"
)

var errAudioUnsupported = errors.New("openai chat: audio input is not supported")

// ChatSession is a text-only conversation over streamed chat completions.
// It keeps the role-tagged transcript for the life of the call.
type ChatSession struct {
	adapter llm.LLMAdapter
	session llm.SessionConfig
	logger  *slog.Logger
	tracker *turn.Tracker

	mu       sync.Mutex
	ctx      context.Context
	messages []map[string]any
	cancel   context.CancelFunc

	events    chan llm.Event
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewChatSession wraps adapter as a per-call conversation.
func NewChatSession(adapter llm.LLMAdapter, session llm.SessionConfig, logger *slog.Logger) *ChatSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatSession{
		adapter: adapter,
		session: session,
		logger:  logging.NewComponentLogger(logger, "openai_chat").With("stream_sid", session.StreamID),
		tracker: turn.NewTracker(),
		events:  make(chan llm.Event, 256),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *ChatSession) Name() string { return "openai_chat" }

// Start seeds the transcript with the system instructions.
func (s *ChatSession) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.ctx = ctx
	if len(s.messages) == 0 && strings.TrimSpace(s.session.Instructions) != "" {
		s.messages = append(s.messages, llm.Message("system", s.session.Instructions))
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func (s *ChatSession) SubmitAudio(string) error { return errAudioUnsupported }

func (s *ChatSession) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, llm.Message("user", text))
	return nil
}

func (s *ChatSession) SubmitToolResult(callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, map[string]any{
		"role":         "tool",
		"tool_call_id": callID,
		"content":      output,
	})
	return nil
}

// Transcript returns a copy of the conversation so far.
func (s *ChatSession) Transcript() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.messages...)
}

func (s *ChatSession) RequestResponse() error {
	if s.isClosed() {
		return nil
	}
	if err := s.tracker.Request(); err != nil {
		return err
	}
	id := "resp_" + uuid.NewString()
	s.mu.Lock()
	base := s.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	s.cancel = cancel
	input := llm.Context{Messages: append([]map[string]any(nil), s.messages...), Tools: s.session.Tools}
	s.mu.Unlock()
	go s.run(ctx, cancel, id, input)
	return nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (s *ChatSession) run(ctx context.Context, cancel context.CancelFunc, id string, input llm.Context) {
	defer cancel()
	if s.tracker.Created(id) {
		s.emit(llm.Event{Type: llm.EventResponseCreated, ResponseID: id})
	}
	var text strings.Builder
	calls := map[int]*pendingCall{}
	chunks, errs := s.adapter.Stream(ctx, input)
	for chunk := range chunks {
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if s.tracker.Delta(id) {
				s.emit(llm.Event{Type: llm.EventTextDelta, ResponseID: id, Text: chunk.Text})
			}
		}
		if chunk.ToolID != "" || chunk.ToolName != "" || chunk.ToolArgs != "" {
			pc := calls[chunk.ToolIndex]
			if pc == nil {
				pc = &pendingCall{}
				calls[chunk.ToolIndex] = pc
			}
			if chunk.ToolID != "" {
				pc.id = chunk.ToolID
			}
			if chunk.ToolName != "" {
				pc.name = chunk.ToolName
			}
			pc.args.WriteString(chunk.ToolArgs)
		}
	}
	err := <-errs

	if ctx.Err() != nil && s.tracker.State() == turn.StateCancelled {
		s.appendAssistant(text.String(), nil)
		if s.tracker.Done(id) {
			s.emit(llm.Event{Type: llm.EventResponseDone, ResponseID: id, Status: "cancelled"})
		}
		return
	}
	if err != nil {
		s.logger.Warn("openai_chat_stream_failed", errorsx.LogAttrs(err, errorsx.ReasonModelGenerate)...)
		s.emit(llm.Event{Type: llm.EventError, ResponseID: id, Err: errorsx.Wrap(err, errorsx.ReasonModelGenerate)})
		if s.tracker.Done(id) {
			s.emit(llm.Event{Type: llm.EventResponseDone, ResponseID: id, Status: "failed"})
		}
		return
	}

	toolCalls := orderedCalls(calls)
	s.appendAssistant(text.String(), toolCalls)
	for _, call := range toolCalls {
		s.emit(llm.Event{Type: llm.EventToolCall, ResponseID: id, Call: call})
	}
	if s.tracker.Done(id) {
		s.emit(llm.Event{Type: llm.EventResponseDone, ResponseID: id, Status: "completed"})
	}
}

func orderedCalls(calls map[int]*pendingCall) []llm.ToolCall {
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		pc := calls[i]
		if pc.id == "" {
			pc.id = fmt.Sprintf("call_%d", i)
		}
		raw := pc.args.String()
		args, _ := llm.ParseArguments(raw)
		out = append(out, llm.ToolCall{ID: pc.id, Name: pc.name, Arguments: args, Raw: raw})
	}
	return out
}

func (s *ChatSession) appendAssistant(text string, calls []llm.ToolCall) {
	if text == "" && len(calls) == 0 {
		return
	}
	msg := map[string]any{"role": "assistant", "content": text}
	if len(calls) > 0 {
		wire := make([]map[string]any, 0, len(calls))
		for _, c := range calls {
			wire = append(wire, map[string]any{
				"id":   c.ID,
				"type": "function",
				"function": map[string]any{
					"name":      c.Name,
					"arguments": c.Raw,
				},
			})
		}
		msg["tool_calls"] = wire
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

func (s *ChatSession) CancelActiveResponse() bool {
	if !s.tracker.Cancel() {
		return false
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (s *ChatSession) emit(ev llm.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *ChatSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *ChatSession) Busy() bool               { return s.tracker.Busy() }
func (s *ChatSession) Events() <-chan llm.Event { return s.events }
func (s *ChatSession) Ready() <-chan struct{}   { return s.ready }
func (s *ChatSession) Done() <-chan struct{}    { return s.done }
func (s *ChatSession) Err() error               { return nil }

// Close cancels any in-flight completion. Repeated calls are no-ops.
func (s *ChatSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(s.done)
	})
	return nil
}

var _ llm.Conversation = (*ChatSession)(nil)
