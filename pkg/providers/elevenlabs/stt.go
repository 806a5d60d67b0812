package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/conn"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

const defaultSTTURL = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"

// STTConfig configures the Scribe realtime recognizer.
type STTConfig struct {
	APIKey                  string  `mapstructure:"api_key"`
	ModelID                 string  `mapstructure:"model_id"`
	AudioFormat             string  `mapstructure:"audio_format"`
	CommitStrategy          string  `mapstructure:"commit_strategy"`
	VADSilenceThresholdSecs float64 `mapstructure:"vad_silence_threshold_secs"`
	VADThreshold            float64 `mapstructure:"vad_threshold"`
	MinSpeechDurationMs     int     `mapstructure:"min_speech_duration_ms"`
	MinSilenceDurationMs    int     `mapstructure:"min_silence_duration_ms"`
	LanguageCode            string  `mapstructure:"language_code"`
	BaseURL                 string  `mapstructure:"base_url"`
}

func (c STTConfig) withDefaults() STTConfig {
	if c.ModelID == "" {
		c.ModelID = "scribe_v2_realtime"
	}
	if c.AudioFormat == "" {
		c.AudioFormat = string(codec.FormatMuLaw8k)
	}
	if c.CommitStrategy == "" {
		c.CommitStrategy = "vad"
	}
	if c.VADSilenceThresholdSecs <= 0 {
		c.VADSilenceThresholdSecs = 0.8
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = 0.4
	}
	if c.MinSpeechDurationMs <= 0 {
		c.MinSpeechDurationMs = 100
	}
	if c.MinSilenceDurationMs <= 0 {
		c.MinSilenceDurationMs = 100
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultSTTURL
	}
	return c
}

// Recognizer streams caller audio to Scribe and reports utterance events.
type Recognizer struct {
	cfg    STTConfig
	meta   stt.Config
	format codec.Format
	conn   *conn.Conn
	events chan stt.Event
	logger *slog.Logger
}

// NewRecognizer validates cfg and returns an unstarted recognizer.
func NewRecognizer(cfg STTConfig, meta stt.Config, logger *slog.Logger) (*Recognizer, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, errorsx.Wrapf(errorsx.ReasonConfigMissing, "elevenlabs stt: api_key is required")
	}
	format, err := codec.ParseFormat(cfg.AudioFormat)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	if meta.Language != "" && cfg.LanguageCode == "" {
		cfg.LanguageCode = meta.Language
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewComponentLogger(logger, "elevenlabs_stt").With("stream_sid", meta.StreamID)
	r := &Recognizer{
		cfg:    cfg,
		meta:   meta,
		format: format,
		events: make(chan stt.Event, 64),
		logger: logger,
	}
	r.conn = conn.New(conn.Options{
		Name:   "elevenlabs_stt",
		Dial:   conn.WebsocketDialer(r.buildURL(), http.Header{"xi-api-key": []string{cfg.APIKey}}),
		Logger: logger,
	})
	return r, nil
}

func (r *Recognizer) Name() string { return "elevenlabs_stt" }

func (r *Recognizer) buildURL() string {
	q := url.Values{}
	q.Set("model_id", r.cfg.ModelID)
	q.Set("audio_format", string(r.format))
	q.Set("commit_strategy", r.cfg.CommitStrategy)
	q.Set("vad_silence_threshold_secs", strconv.FormatFloat(r.cfg.VADSilenceThresholdSecs, 'f', -1, 64))
	q.Set("vad_threshold", strconv.FormatFloat(r.cfg.VADThreshold, 'f', -1, 64))
	q.Set("min_speech_duration_ms", strconv.Itoa(r.cfg.MinSpeechDurationMs))
	q.Set("min_silence_duration_ms", strconv.Itoa(r.cfg.MinSilenceDurationMs))
	if r.cfg.LanguageCode != "" {
		q.Set("language_code", r.cfg.LanguageCode)
	}
	return r.cfg.BaseURL + "?" + q.Encode()
}

// Start dials in the background and begins translating server messages.
func (r *Recognizer) Start(ctx context.Context) error {
	r.logger.Info("elevenlabs_stt_connecting", "model_id", r.cfg.ModelID, "audio_format", string(r.format))
	r.conn.Start(ctx)
	go r.pump()
	return nil
}

func (r *Recognizer) pump() {
	for {
		select {
		case <-r.conn.Done():
			if err := r.conn.Err(); err != nil {
				r.logger.Warn("elevenlabs_stt_closed", errorsx.LogAttrs(err, errorsx.ReasonRecognizerConnect)...)
			}
			return
		case data := <-r.conn.Messages():
			ev, ok := ClassifyMessage(data)
			if !ok {
				continue
			}
			if ev.Kind == stt.EventError {
				r.logger.Warn("elevenlabs_stt_error", errorsx.LogAttrs(ev.Err, errorsx.ReasonRecognizerProtocol)...)
			}
			select {
			case r.events <- ev:
			case <-r.conn.Done():
				return
			}
		}
	}
}

type audioChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	SampleRate  int    `json:"sample_rate"`
}

// SendAudio converts a mu-law frame to the session format and forwards it.
func (r *Recognizer) SendAudio(ulaw []byte) error {
	if len(ulaw) == 0 {
		return nil
	}
	audio := codec.Convert(ulaw, codec.FormatMuLaw8k, r.format)
	err := r.conn.Send(audioChunk{
		MessageType: "input_audio_chunk",
		AudioBase64: codec.EncodePayload(audio),
		SampleRate:  r.format.SampleRate(),
	})
	if errors.Is(err, conn.ErrClosed) {
		return nil
	}
	return errorsx.Wrap(err, errorsx.ReasonRecognizerSend)
}

func (r *Recognizer) Events() <-chan stt.Event { return r.events }
func (r *Recognizer) Ready() <-chan struct{}   { return r.conn.Opened() }
func (r *Recognizer) Done() <-chan struct{}    { return r.conn.Done() }
func (r *Recognizer) Err() error               { return r.conn.Err() }

func (r *Recognizer) Close() error {
	return r.conn.Close()
}

// ClassifyMessage maps one Scribe server message to an utterance event.
// It reports false for messages that carry nothing actionable.
func ClassifyMessage(data []byte) (stt.Event, bool) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.Event{}, false
	}
	kind := stringField(msg, "message_type")
	if kind == "" {
		kind = stringField(msg, "type")
	}
	kind = strings.ToLower(kind)
	switch {
	case kind == "" || kind == "session_started":
		return stt.Event{}, false
	case kind == "error" || strings.HasSuffix(kind, "error"):
		detail := firstString(msg, "error", "message", "detail")
		if detail == "" {
			detail = kind
		}
		return stt.Event{Kind: stt.EventError, Err: fmt.Errorf("scribe %s: %s", kind, detail)}, true
	case strings.Contains(kind, "partial"):
		text := strings.TrimSpace(firstString(msg, "text", "transcript", "transcription"))
		if text == "" {
			return stt.Event{}, false
		}
		return stt.Event{Kind: stt.EventPartial, Text: text}, true
	case strings.Contains(kind, "committed"):
		text := strings.TrimSpace(firstString(msg, "text", "transcript", "transcription"))
		if text == "" {
			return stt.Event{}, false
		}
		return stt.Event{Kind: stt.EventCommitted, Text: text}, true
	default:
		return stt.Event{}, false
	}
}

func stringField(msg map[string]any, key string) string {
	s, _ := msg[key].(string)
	return s
}

func firstString(msg map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(msg, k); strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

var _ stt.Recognizer = (*Recognizer)(nil)
