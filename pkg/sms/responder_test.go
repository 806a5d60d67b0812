package sms

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/metrics"
)

type scriptedAdapter struct {
	mu     sync.Mutex
	calls  int
	inputs []llm.Context
	errs   []error
	text   string
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Generate(_ context.Context, input llm.Context) (llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.inputs = append(a.inputs, input)
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return llm.Response{}, err
	}
	return llm.Response{Text: a.text, Usage: llm.Usage{TotalTokens: 9}}, nil
}

func (a *scriptedAdapter) Stream(context.Context, llm.Context) (<-chan llm.StreamChunk, <-chan error) {
	chunks := make(chan llm.StreamChunk)
	errs := make(chan error)
	close(chunks)
	close(errs)
	return chunks, errs
}

func (a *scriptedAdapter) MapTools([]llm.Tool) (any, error) { return nil, nil }

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestResponder(adapter llm.LLMAdapter, cfg Config, obs metrics.Observer) *Responder {
	r := NewResponder(adapter, cfg, nil, obs)
	r.sleep = func(time.Duration) {}
	return r
}

func TestReplyUsesSystemPromptAndBody(t *testing.T) {
	adapter := &scriptedAdapter{text: "  We are open until 5pm.  "}
	obs := metrics.NewMemoryObserver()
	r := newTestResponder(adapter, Config{SystemPrompt: "You answer for Sunrise Clinic."}, obs)

	got := r.Reply(context.Background(), "+15550100", " When do you close? ")
	if got != "We are open until 5pm." {
		t.Fatalf("unexpected reply %q", got)
	}
	msgs := adapter.inputs[0].Messages
	if len(msgs) != 2 || msgs[0]["role"] != "system" || msgs[0]["content"] != "You answer for Sunrise Clinic." {
		t.Fatalf("unexpected system message %v", msgs)
	}
	if msgs[1]["role"] != "user" || msgs[1]["content"] != "When do you close?" {
		t.Fatalf("unexpected user message %v", msgs[1])
	}
	if obs.Count(metrics.EventSMSReply) != 1 {
		t.Fatalf("expected sms reply metric")
	}
}

func TestReplyFallsBackToApology(t *testing.T) {
	adapter := &scriptedAdapter{errs: []error{
		&llm.StatusError{Provider: "openai", StatusCode: 503},
		&llm.StatusError{Provider: "openai", StatusCode: 503},
	}}
	r := newTestResponder(adapter, Config{ApologyText: "Sorry, please call us."}, nil)

	if got := r.Reply(context.Background(), "+1", "hello"); got != "Sorry, please call us." {
		t.Fatalf("expected apology, got %q", got)
	}
	if adapter.callCount() != 2 {
		t.Fatalf("expected one retry, got %d calls", adapter.callCount())
	}
	if got := r.Reply(context.Background(), "+1", "   "); got != "Sorry, please call us." {
		t.Fatalf("expected apology for empty body, got %q", got)
	}
}

func TestReplyStopsCallingWhileBreakerOpen(t *testing.T) {
	adapter := &scriptedAdapter{text: "hi", errs: []error{
		&llm.StatusError{Provider: "openai", StatusCode: 500},
		&llm.StatusError{Provider: "openai", StatusCode: 500},
	}}
	obs := metrics.NewMemoryObserver()
	r := newTestResponder(adapter, Config{BreakerThreshold: 2, BreakerCooldown: time.Hour}, obs)

	if got := r.Reply(context.Background(), "+1", "hello"); got != DefaultApology {
		t.Fatalf("expected apology, got %q", got)
	}
	if got := r.Reply(context.Background(), "+1", "hello again"); got != DefaultApology {
		t.Fatalf("expected apology while open, got %q", got)
	}
	if adapter.callCount() != 2 {
		t.Fatalf("open breaker must not reach the provider, got %d calls", adapter.callCount())
	}
	if obs.Count(metrics.EventBreakerOpen) != 1 || obs.Count(metrics.EventBreakerDenied) != 1 {
		t.Fatalf("expected breaker metrics, got open=%d denied=%d",
			obs.Count(metrics.EventBreakerOpen), obs.Count(metrics.EventBreakerDenied))
	}
}

func TestTruncateKeepsWholeSentences(t *testing.T) {
	long := strings.Repeat("Our clinic opens at nine. ", 10)
	got := truncate(long, 60)
	if !strings.HasSuffix(got, ".") || len(got) > 60 {
		t.Fatalf("unexpected truncation %q", got)
	}
	if truncate("short", 60) != "short" {
		t.Fatalf("short replies are kept")
	}
}
