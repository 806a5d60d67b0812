package tts

import "context"

// Synthesizer defines the contract for a streaming text-to-speech vendor.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start begins connecting; text sent before the connection opens is queued.
	Start(ctx context.Context) error
	// SendText appends a text fragment to the current utterance.
	SendText(text string) error
	// Flush forces synthesis of buffered text at the end of a model turn.
	Flush() error
	// Reset flushes and discards audio still arriving for the interrupted
	// utterance.
	Reset() error
	// Audio delivers base64 8 kHz mu-law fragments ready for the carrier.
	Audio() <-chan string
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Config contains vendor-agnostic synthesizer configuration.
type Config struct {
	StreamID string
	CallSID  string
	TraceID  string
}
