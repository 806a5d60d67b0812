package mock

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"

	"github.com/harunnryd/callbridge/pkg/adapters/tts"
)

// silenceByte is mu-law for a zero sample.
const silenceByte = 0xFF

type TTSConfig struct {
	// FrameBytes is the size of each audio fragment; 160 bytes is 20 ms.
	FrameBytes int
}

// Synthesizer answers each flushed utterance with one fragment of silence
// per word.
type Synthesizer struct {
	cfg   TTSConfig
	audio chan string
	ready chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	pending  strings.Builder
	doneOnce sync.Once
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 160
	}
	return &Synthesizer{
		cfg:   cfg,
		audio: make(chan string, 64),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	close(s.ready)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-s.done:
			}
		}()
	}
	return nil
}

func (s *Synthesizer) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock tts: closed")
	}
	s.pending.WriteString(text)
	return nil
}

func (s *Synthesizer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock tts: closed")
	}
	words := len(strings.Fields(s.pending.String()))
	s.pending.Reset()
	frame := base64.StdEncoding.EncodeToString(silence(s.cfg.FrameBytes))
	for i := 0; i < words; i++ {
		select {
		case s.audio <- frame:
		default:
			return nil
		}
	}
	return nil
}

func (s *Synthesizer) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Reset()
	for {
		select {
		case <-s.audio:
		default:
			return nil
		}
	}
}

func (s *Synthesizer) Audio() <-chan string   { return s.audio }
func (s *Synthesizer) Ready() <-chan struct{} { return s.ready }
func (s *Synthesizer) Done() <-chan struct{}  { return s.done }
func (s *Synthesizer) Err() error             { return nil }

func (s *Synthesizer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func silence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = silenceByte
	}
	return b
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
