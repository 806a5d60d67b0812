package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Config configures the Deepgram live recognizer.
type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim_results"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Endpointing    int    `mapstructure:"endpointing"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2-phonecall"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	return c
}

// Recognizer streams caller audio through the Deepgram SDK.
type Recognizer struct {
	cfg    Config
	meta   stt.Config
	format codec.Format
	logger *slog.Logger

	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	audio      chan []byte
	events     chan stt.Event

	mu        sync.Mutex
	err       error
	closing   bool
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewRecognizer validates cfg and returns an unstarted recognizer.
func NewRecognizer(cfg Config, meta stt.Config, logger *slog.Logger) (*Recognizer, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, errorsx.Wrapf(errorsx.ReasonConfigMissing, "deepgram: api_key is required")
	}
	format := codec.FormatMuLaw8k
	if cfg.Encoding == "linear16" {
		format = codec.FormatPCM16k
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		cfg:    cfg,
		meta:   meta,
		format: format,
		logger: logging.NewComponentLogger(logger, "deepgram_stt").With("stream_sid", meta.StreamID),
		audio:  make(chan []byte, 512),
		events: make(chan stt.Event, 64),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (s *Recognizer) Name() string { return "deepgram_stt" }

// Start connects in the background. Audio sent before the connection is up
// waits in a bounded queue.
func (s *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.pipeReader, s.pipeWriter = io.Pipe()

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.format.SampleRate(),
		Channels:       1,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}
	if s.cfg.Endpointing > 0 {
		transcriptOptions.Endpointing = fmt.Sprintf("%d", s.cfg.Endpointing)
	}

	dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, transcriptOptions, &callback{parent: s})
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("deepgram: create client: %w", err), errorsx.ReasonRecognizerConnect)
	}
	s.dgClient = dgClient

	go func() {
		s.logger.Info("deepgram_connecting", "model", s.cfg.Model, "encoding", s.cfg.Encoding)
		if !s.dgClient.Connect() {
			s.fail(errorsx.Wrapf(errorsx.ReasonRecognizerConnect, "deepgram: connection failed"))
			return
		}
		close(s.ready)
		go s.writeLoop()
		if err := s.dgClient.Stream(s.pipeReader); err != nil && !s.isClosing() {
			s.fail(errorsx.Wrap(fmt.Errorf("deepgram: stream: %w", err), errorsx.ReasonRecognizerSend))
		}
	}()
	return nil
}

func (s *Recognizer) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.audio:
			if _, err := s.pipeWriter.Write(frame); err != nil {
				if !s.isClosing() {
					s.fail(errorsx.Wrap(err, errorsx.ReasonRecognizerSend))
				}
				return
			}
		}
	}
}

// SendAudio queues one mu-law frame; the oldest frame is dropped when the
// queue is full.
func (s *Recognizer) SendAudio(ulaw []byte) error {
	if s.isClosing() {
		return nil
	}
	frame := codec.Convert(ulaw, codec.FormatMuLaw8k, s.format)
	select {
	case s.audio <- frame:
	default:
		select {
		case <-s.audio:
		default:
		}
		select {
		case s.audio <- frame:
		default:
		}
		s.logger.Warn("deepgram_audio_queue_full")
	}
	return nil
}

func (s *Recognizer) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Recognizer) Events() <-chan stt.Event { return s.events }
func (s *Recognizer) Ready() <-chan struct{}   { return s.ready }
func (s *Recognizer) Done() <-chan struct{}    { return s.done }

func (s *Recognizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Recognizer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Recognizer) fail(err error) {
	if s.isClosing() {
		return
	}
	s.logger.Warn("deepgram_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

// Close stops streaming. Repeated calls are no-ops.
func (s *Recognizer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		close(s.done)
		if s.pipeWriter != nil {
			_ = s.pipeWriter.Close()
		}
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
	})
	return nil
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	ev, ok := transcriptEvent(mr.Channel.Alternatives[0].Transcript, mr.IsFinal || mr.SpeechFinal)
	if ok {
		c.parent.emit(ev)
	}
	return nil
}

// transcriptEvent maps a Deepgram result to an utterance event.
func transcriptEvent(transcript string, final bool) (stt.Event, bool) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return stt.Event{}, false
	}
	if final {
		return stt.Event{Kind: stt.EventCommitted, Text: text}, true
	}
	return stt.Event{Kind: stt.EventPartial, Text: text}, true
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", "request_id", md.RequestID)
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("deepgram_speech_started")
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("deepgram_utterance_end")
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.fail(errorsx.Wrapf(errorsx.ReasonRecognizerConnect, "deepgram: connection closed by server"))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Warn("deepgram_error",
		"error_code", er.ErrCode,
		"error_message", er.ErrMsg,
		"reason_code", string(errorsx.ReasonRecognizerProtocol))
	c.parent.emit(stt.Event{Kind: stt.EventError, Err: fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", "size_bytes", len(byData))
	return nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
