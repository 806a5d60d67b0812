package stt

import "context"

// EventKind classifies recognizer output.
type EventKind int

const (
	EventPartial EventKind = iota
	EventCommitted
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventCommitted:
		return "committed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one utterance event. Partial text is informational only;
// committed text is final for its utterance.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Recognizer defines the contract for a streaming speech recognizer.
type Recognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start begins connecting; audio sent before the connection opens is queued.
	Start(ctx context.Context) error
	// SendAudio forwards one frame of 8 kHz mu-law audio.
	SendAudio(ulaw []byte) error
	Events() <-chan Event
	Ready() <-chan struct{}
	// Done is closed when the recognizer has stopped.
	Done() <-chan struct{}
	// Err reports the failure that stopped the recognizer, if any.
	Err() error
	Close() error
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	StreamID string
	CallSID  string
	TraceID  string
	Language string
}
