package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDrainTimeout is returned by Stop when draining outlived the timeout.
var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner runs the process through new, starting, running,
// draining and stopped. Shutdown happens once, whether it is triggered by
// the Run context or by Stop; concurrent callers all wait for it.
type LifecycleRunner struct {
	state   atomic.Int32
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	banner  bool

	mu     sync.Mutex
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewLifecycleRunner returns a runner that gives drainer at most timeout
// to finish once shutdown begins.
func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{hooks: hooks, drainer: drainer, timeout: timeout, banner: true}
}

// SetBanner toggles the startup banner.
func (r *LifecycleRunner) SetBanner(on bool) { r.banner = on }

// Run starts the hooks and blocks until ctx is cancelled or Stop is called,
// then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("runner: cannot run from state %s", r.State())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.banner {
		PrintBanner()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			r.state.Store(int32(StateStopped))
			return fmt.Errorf("start: %w", err)
		}
	}
	r.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	<-runCtx.Done()
	return r.shutdown()
}

// Stop ends Run, or drains directly when Run was never called.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	return r.shutdown()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) shutdown() error {
	r.shutdownOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		r.shutdownErr = r.drain()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.shutdownErr
}

func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrDrainTimeout
	}
}

var _ Runner = (*LifecycleRunner)(nil)
