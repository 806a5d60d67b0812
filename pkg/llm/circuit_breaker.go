package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

// CircuitBreakerAdapter wraps an LLMAdapter with circuit breaking. Denied
// requests fail with a rate limit error carrying errorsx.ReasonModelCircuit.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer

	mu   sync.Mutex
	open bool
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if !a.breaker.Allow() {
		return Response{}, a.denied()
	}
	resp, err := a.inner.Generate(ctx, input)
	a.settle(err)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan StreamChunk, <-chan error) {
	if !a.breaker.Allow() {
		errs := make(chan error, 1)
		errs <- a.denied()
		close(errs)
		chunks := make(chan StreamChunk)
		close(chunks)
		return chunks, errs
	}
	chunks, innerErrs := a.inner.Stream(ctx, input)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		err, ok := <-innerErrs
		if !ok {
			err = nil
		}
		a.settle(err)
		if err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (a *CircuitBreakerAdapter) MapTools(tools []Tool) (any, error) {
	return a.inner.MapTools(tools)
}

func (a *CircuitBreakerAdapter) denied() error {
	a.record(metrics.EventBreakerDenied)
	a.sync()
	return errorsx.Wrap(resilience.RateLimitError{Provider: a.Name(), Message: "circuit open"}, errorsx.ReasonModelCircuit)
}

func (a *CircuitBreakerAdapter) settle(err error) {
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
		}
		a.breaker.OnError(err)
	} else {
		a.breaker.OnSuccess()
	}
	a.sync()
}

// sync emits open/close events when the breaker position changes.
func (a *CircuitBreakerAdapter) sync() {
	open := a.breaker.State() != resilience.BreakerClosed
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}

func (a *CircuitBreakerAdapter) record(name string) {
	metrics.Record(a.obs, name, map[string]string{"provider": a.inner.Name(), "component": "llm"}, nil)
}
