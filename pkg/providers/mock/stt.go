package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
)

// STTConfig scripts the recognizer.
type STTConfig struct {
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	// FramesPerUtterance is the number of audio frames heard before the
	// transcript is committed. Only one utterance is committed per call.
	FramesPerUtterance int
}

// Recognizer commits a fixed transcript once enough audio has arrived.
type Recognizer struct {
	cfg    STTConfig
	events chan stt.Event
	ready  chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	frames   int
	emitted  bool
	doneOnce sync.Once
}

func NewRecognizer(cfg STTConfig) *Recognizer {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.FramesPerUtterance <= 0 {
		cfg.FramesPerUtterance = 50
	}
	return &Recognizer{
		cfg:    cfg,
		events: make(chan stt.Event, 16),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *Recognizer) Name() string { return "mock_stt" }

func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	close(r.ready)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = r.Close()
			case <-r.done:
			}
		}()
	}
	return nil
}

func (r *Recognizer) SendAudio(ulaw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("mock stt: closed")
	}
	if r.emitted || len(ulaw) == 0 {
		return nil
	}
	r.frames++
	if r.cfg.EmitInterim && r.frames == r.cfg.FramesPerUtterance/2 {
		interim := r.cfg.InterimTranscript
		if interim == "" {
			interim = r.cfg.Transcript
		}
		r.events <- stt.Event{Kind: stt.EventPartial, Text: interim}
	}
	if r.frames >= r.cfg.FramesPerUtterance {
		r.emitted = true
		r.events <- stt.Event{Kind: stt.EventCommitted, Text: r.cfg.Transcript}
	}
	return nil
}

func (r *Recognizer) Events() <-chan stt.Event { return r.events }
func (r *Recognizer) Ready() <-chan struct{}   { return r.ready }
func (r *Recognizer) Done() <-chan struct{}    { return r.done }
func (r *Recognizer) Err() error               { return nil }

func (r *Recognizer) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.doneOnce.Do(func() { close(r.done) })
	return nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
