// Package sms answers inbound text messages with a one-shot model
// completion.
package sms

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

const (
	DefaultApology      = "Sorry, we could not process your message. Please call us."
	DefaultSystemPrompt = "You are a helpful assistant replying to a text message. Answer briefly in plain text."
)

// Config tunes the responder.
type Config struct {
	SystemPrompt string        `mapstructure:"system_prompt"`
	ApologyText  string        `mapstructure:"apology_text"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	// MaxReplyChars truncates long completions to fit a few SMS segments.
	MaxReplyChars    int           `mapstructure:"max_reply_chars"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if strings.TrimSpace(c.ApologyText) == "" {
		c.ApologyText = DefaultApology
	}
	if c.Timeout <= 0 {
		c.Timeout = 12 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.MaxReplyChars <= 0 {
		c.MaxReplyChars = 640
	}
	return c
}

// Responder turns an SMS body into a reply. It never fails: any completion
// error yields the apology text.
type Responder struct {
	cfg     Config
	adapter llm.LLMAdapter
	logger  *slog.Logger
	obs     metrics.Observer
	sleep   func(time.Duration)
}

// NewResponder wraps adapter with a circuit breaker that opens on any
// provider failure.
func NewResponder(adapter llm.LLMAdapter, cfg Config, logger *slog.Logger, obs metrics.Observer) *Responder {
	cfg = cfg.withDefaults()
	breaker := resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, resilience.WithTrip(resilience.AnyFailure))
	guarded := llm.NewCircuitBreakerAdapter(adapter, breaker)
	guarded.SetObserver(obs)
	return &Responder{
		cfg:     cfg,
		adapter: guarded,
		logger:  logging.NewComponentLogger(logger, "sms"),
		obs:     obs,
	}
}

// Reply returns the model's answer to body, or the apology text.
func (r *Responder) Reply(ctx context.Context, from, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return r.cfg.ApologyText
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	input := llm.Context{Messages: []map[string]any{
		llm.Message("system", r.cfg.SystemPrompt),
		llm.Message("user", body),
	}}
	resp, err := llm.Retry(ctx, llm.RetryConfig{
		MaxAttempts: r.cfg.MaxAttempts,
		Jitter:      0.2,
		Sleep:       r.sleep,
		IsRetryable: func(err error) bool {
			return !errorsx.HasReason(err, errorsx.ReasonModelCircuit) && llm.DefaultIsRetryable(err)
		},
	}, func(ctx context.Context) (llm.Response, error) {
		return r.adapter.Generate(ctx, input)
	})
	text := strings.TrimSpace(resp.Text)
	status := "ok"
	if err != nil || text == "" {
		status = "apology"
		reason := errorsx.ReasonModelGenerate
		if err != nil && errorsx.Reason(err) != errorsx.ReasonUnknown {
			reason = errorsx.Reason(err)
		}
		r.logger.Warn("sms_reply_failed", "from", redact.Phone(from), "error", err, "reason_code", string(reason))
		text = r.cfg.ApologyText
	} else {
		text = truncate(text, r.cfg.MaxReplyChars)
		r.logger.Info("sms_reply_sent", "from", redact.Phone(from), "reply", redact.Text(text), "tokens", resp.Usage.TotalTokens)
	}
	metrics.Record(r.obs, metrics.EventSMSReply, map[string]string{"status": status},
		map[string]any{"latency_ms": time.Since(start).Milliseconds()})
	return text
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if i := strings.LastIndexAny(cut, ".!?"); i > max/2 {
		return cut[:i+1]
	}
	return strings.TrimSpace(cut)
}
