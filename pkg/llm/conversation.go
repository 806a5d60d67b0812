package llm

import "context"

// EventType classifies conversation events delivered to the relay.
type EventType int

const (
	EventResponseCreated EventType = iota
	EventTextDelta
	EventAudioDelta
	EventToolCall
	EventResponseDone
	EventSpeechStarted
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventResponseCreated:
		return "response_created"
	case EventTextDelta:
		return "text_delta"
	case EventAudioDelta:
		return "audio_delta"
	case EventToolCall:
		return "tool_call"
	case EventResponseDone:
		return "response_done"
	case EventSpeechStarted:
		return "speech_started"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one normalized model event.
type Event struct {
	Type       EventType
	ResponseID string
	Text       string
	// Audio is a base64 payload in the session output format.
	Audio  string
	Call   ToolCall
	Status string
	Err    error
}

// SessionConfig is the per-call configuration of a conversation.
type SessionConfig struct {
	Voice        string
	Instructions string
	Tools        []Tool
	// AudioIn routes caller audio to the model; AudioOut asks for spoken
	// replies. Both are false in the text-only pipeline.
	AudioIn      bool
	AudioOut     bool
	InputFormat  string
	OutputFormat string
	StreamID     string
	CallSID      string
	TraceID      string
}

// Conversation is the per-call model session.
type Conversation interface {
	Name() string
	Start(ctx context.Context) error
	Ready() <-chan struct{}
	SubmitAudio(payload string) error
	SubmitText(text string) error
	// RequestResponse starts a response cycle; it fails with turn.ErrBusy
	// while one is in flight.
	RequestResponse() error
	// CancelActiveResponse cancels the active cycle and reports whether a
	// cancel was sent. It is a no-op when nothing is active.
	CancelActiveResponse() bool
	SubmitToolResult(callID, output string) error
	// Busy reports whether a new response must wait.
	Busy() bool
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error
	Close() error
}
