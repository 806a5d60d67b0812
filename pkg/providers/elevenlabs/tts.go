package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/adapters/tts"
	"github.com/harunnryd/callbridge/pkg/conn"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

const defaultTTSURL = "wss://api.elevenlabs.io/v1/text-to-speech"

// TTSConfig configures the stream-input synthesizer.
type TTSConfig struct {
	APIKey              string  `mapstructure:"api_key"`
	VoiceID             string  `mapstructure:"voice_id"`
	ModelID             string  `mapstructure:"model_id"`
	OutputFormat        string  `mapstructure:"output_format"`
	Stability           float64 `mapstructure:"stability"`
	SimilarityBoost     float64 `mapstructure:"similarity_boost"`
	ChunkLengthSchedule []int   `mapstructure:"chunk_length_schedule"`
	BaseURL             string  `mapstructure:"base_url"`
}

func (c TTSConfig) withDefaults() TTSConfig {
	if c.OutputFormat == "" {
		c.OutputFormat = "ulaw_8000"
	}
	if c.Stability == 0 {
		c.Stability = 0.5
	}
	if c.SimilarityBoost == 0 {
		c.SimilarityBoost = 0.8
	}
	if len(c.ChunkLengthSchedule) == 0 {
		c.ChunkLengthSchedule = []int{120, 160, 250, 290}
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultTTSURL
	}
	return c
}

// Synthesizer streams text fragments to ElevenLabs and returns audio. Each
// flush ends the provider's input stream; the next fragment opens a new one.
type Synthesizer struct {
	cfg    TTSConfig
	meta   tts.Config
	logger *slog.Logger
	dial   conn.DialFunc

	mu         sync.Mutex
	ctx        context.Context
	current    *conn.Conn
	streams    map[*conn.Conn]uint64
	generation uint64
	err        error

	audio     chan string
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewSynthesizer validates cfg and returns an unstarted synthesizer.
func NewSynthesizer(cfg TTSConfig, meta tts.Config, logger *slog.Logger) (*Synthesizer, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" || cfg.VoiceID == "" {
		return nil, errorsx.Wrapf(errorsx.ReasonConfigMissing, "elevenlabs tts: api_key and voice_id are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synthesizer{
		cfg:     cfg,
		meta:    meta,
		logger:  logging.NewComponentLogger(logger, "elevenlabs_tts").With("stream_sid", meta.StreamID),
		streams: make(map[*conn.Conn]uint64),
		audio:   make(chan string, 256),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.dial = conn.WebsocketDialer(s.buildURL(), http.Header{"xi-api-key": []string{cfg.APIKey}})
	return s, nil
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

func (s *Synthesizer) buildURL() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("inactivity_timeout", "180")
	return s.cfg.BaseURL + "/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input?" + q.Encode()
}

// Start opens the first input stream so the voice is warm before the first
// reply.
func (s *Synthesizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	if s.current == nil {
		s.openLocked()
	}
	return nil
}

type initMessage struct {
	Text             string           `json:"text"`
	VoiceSettings    voiceSettings    `json:"voice_settings"`
	GenerationConfig generationConfig `json:"generation_config"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type generationConfig struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// openLocked opens a new input stream; s.mu must be held.
func (s *Synthesizer) openLocked() *conn.Conn {
	init, _ := json.Marshal(initMessage{
		Text:             " ",
		VoiceSettings:    voiceSettings{Stability: s.cfg.Stability, SimilarityBoost: s.cfg.SimilarityBoost},
		GenerationConfig: generationConfig{ChunkLengthSchedule: s.cfg.ChunkLengthSchedule},
	})
	c := conn.New(conn.Options{
		Name:   "elevenlabs_tts",
		Dial:   s.dial,
		Logger: s.logger,
		OnOpen: func(sock conn.Socket) error {
			return sock.WriteMessage(websocket.TextMessage, init)
		},
	})
	s.current = c
	s.streams[c] = s.generation
	c.Start(s.ctx)
	go s.pump(c, s.generation)
	return c
}

func (s *Synthesizer) pump(c *conn.Conn, gen uint64) {
	defer func() {
		s.mu.Lock()
		delete(s.streams, c)
		wasCurrent := s.current == c
		if wasCurrent {
			s.current = nil
		}
		s.mu.Unlock()
		err := c.Err()
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			// The server ended the input stream, e.g. on inactivity; the next
			// fragment opens a new one.
			s.logger.Info("elevenlabs_tts_stream_ended", "code", closeErr.Code)
			return
		}
		if err != nil && wasCurrent {
			if rl := rateLimited(err); rl != nil {
				err = errorsx.Wrap(rl, errorsx.ReasonSynthRateLimit)
			}
			s.fail(errorsx.Wrap(err, errorsx.ReasonSynthConnect))
		}
	}()
	for {
		select {
		case <-c.Opened():
			s.readyOnce.Do(func() { close(s.ready) })
			s.forward(c, gen)
			return
		case <-c.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Synthesizer) forward(c *conn.Conn, gen uint64) {
	for {
		select {
		case <-c.Done():
			return
		case <-s.done:
			return
		case data := <-c.Messages():
			payload, ok := audioPayload(data)
			if !ok {
				s.logger.Debug("elevenlabs_tts_message_ignored", "size_bytes", len(data))
				continue
			}
			if s.currentGeneration() != gen {
				continue
			}
			select {
			case s.audio <- payload:
			case <-s.done:
				return
			}
		}
	}
}

func audioPayload(data []byte) (string, bool) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", false
	}
	for _, key := range []string{"audio", "audio_base_64", "audio_base64"} {
		if a, ok := msg[key].(string); ok && a != "" {
			return a, true
		}
	}
	return "", false
}

func rateLimited(err error) error {
	var de *conn.DialError
	if errors.As(err, &de) && de.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "elevenlabs", Message: de.Error()}
	}
	return nil
}

func (s *Synthesizer) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// SendText queues a fragment on the current input stream, opening one if
// the previous stream was flushed.
func (s *Synthesizer) SendText(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return conn.ErrClosed
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	c := s.current
	if c == nil {
		c = s.openLocked()
	}
	s.mu.Unlock()
	err := c.Send(textMessage{Text: text, TryTriggerGeneration: true})
	if errors.Is(err, conn.ErrClosed) {
		return nil
	}
	return errorsx.Wrap(err, errorsx.ReasonSynthSend)
}

// Flush sends the end-of-input signal so buffered text is synthesized.
func (s *Synthesizer) Flush() error {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	err := c.Send(textMessage{Text: ""})
	if errors.Is(err, conn.ErrClosed) {
		return nil
	}
	return errorsx.Wrap(err, errorsx.ReasonSynthSend)
}

// Reset flushes and drops audio of the interrupted utterance, including
// fragments already buffered for the carrier.
func (s *Synthesizer) Reset() error {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
	err := s.Flush()
drain:
	for {
		select {
		case <-s.audio:
		default:
			break drain
		}
	}
	s.logger.Debug("elevenlabs_tts_reset")
	return err
}

func (s *Synthesizer) Audio() <-chan string   { return s.audio }
func (s *Synthesizer) Ready() <-chan struct{} { return s.ready }
func (s *Synthesizer) Done() <-chan struct{}  { return s.done }

func (s *Synthesizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Synthesizer) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Synthesizer) fail(err error) {
	s.logger.Warn("elevenlabs_tts_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

// Close ends every open input stream. Repeated calls are no-ops.
func (s *Synthesizer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		streams := make([]*conn.Conn, 0, len(s.streams))
		for c := range s.streams {
			streams = append(streams, c)
		}
		s.current = nil
		s.mu.Unlock()
		close(s.done)
		for _, c := range streams {
			_ = c.Close()
		}
	})
	return nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
