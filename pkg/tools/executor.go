package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

// ErrTimeout is reported when a handler outlives the configured timeout.
var ErrTimeout = errors.New("tool timeout")

// Options tune execution.
type Options struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	CallSID      string
	Logger       *slog.Logger
	Observer     metrics.Observer
}

// Executor runs tool calls for one call session. Its ledger of performed
// single-use tools lives as long as the executor.
type Executor struct {
	registry *Registry
	opts     Options
	retry    resilience.RetryPolicy
	logger   *slog.Logger

	mu        sync.Mutex
	performed map[string]bool
	succeeded map[string]bool
}

// NewExecutor returns an executor with an empty ledger.
func NewExecutor(registry *Registry, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	return &Executor{
		registry:  registry,
		opts:      opts,
		retry:     resilience.NewRetryPolicy(opts.Retries, opts.RetryBackoff),
		logger:    logging.NewComponentLogger(opts.Logger, "tool_executor"),
		performed: make(map[string]bool),
		succeeded: make(map[string]bool),
	}
}

// Manifest returns the tools this executor can run.
func (e *Executor) Manifest() []llm.Tool { return e.registry.Manifest() }

// Execute runs call and always returns exactly one result.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) Result {
	start := time.Now()
	res, reason := e.execute(ctx, call)
	logArgs := []any{
		"call_id", call.ID,
		"tool_name", call.Name,
		"status", string(res.Status),
		"latency_ms", time.Since(start).Milliseconds(),
	}
	if reason != "" {
		logArgs = append(logArgs, "reason_code", string(reason))
		e.logger.Warn("tool_call_failed", logArgs...)
	} else {
		e.logger.Info("tool_call_finished", logArgs...)
	}
	metrics.Record(e.opts.Observer, metrics.EventToolExecuted,
		map[string]string{"tool_name": call.Name, "status": string(res.Status)},
		map[string]any{"latency_ms": time.Since(start).Milliseconds()})
	return res
}

func (e *Executor) execute(ctx context.Context, call llm.ToolCall) (Result, errorsx.ReasonCode) {
	spec, ok := e.registry.Lookup(call.Name)
	if !ok {
		return Failure("unknown tool %q", call.Name), errorsx.ReasonToolUnknown
	}
	args := call.Arguments
	if args == nil {
		parsed, err := llm.ParseArguments(call.Raw)
		if err != nil {
			return Failure("the arguments for %s were not valid JSON", call.Name), errorsx.ReasonToolArguments
		}
		args = parsed
	}
	var missing []string
	for _, name := range spec.Required {
		if stringArg(args, name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Failure("missing required argument: %s", strings.Join(missing, ", ")), errorsx.ReasonToolArguments
	}

	if !e.reserve(spec) {
		if spec.SingleUse && e.wasPerformed(spec.Tool.Name) {
			return Result{
				Status:  StatusAlreadyPerformed,
				Message: fmt.Sprintf("%s was already performed on this call and was not repeated", spec.Tool.Name),
			}, errorsx.ReasonToolDuplicate
		}
		return Rejected("%s must succeed before %s", spec.After, spec.Tool.Name), errorsx.ReasonToolRejected
	}

	inv := Invocation{CallID: call.ID, CallSID: e.opts.CallSID, Args: args}
	var res Result
	run := func(ctx context.Context) error {
		out, err := e.callWithTimeout(ctx, spec.Handler, inv)
		if err != nil {
			return err
		}
		res = out
		return nil
	}
	var err error
	if spec.SingleUse {
		err = run(ctx)
	} else {
		err = e.retry.Do(ctx, run)
	}
	if err != nil {
		if spec.SingleUse && !errors.Is(err, ErrTimeout) {
			// The side effect did not happen; let the model try again.
			e.release(spec.Tool.Name)
		}
		if errors.Is(err, ErrTimeout) {
			return Failure("%s timed out", spec.Tool.Name), errorsx.ReasonToolTimeout
		}
		return Failure("%s failed: %v", spec.Tool.Name, err), errorsx.ReasonToolFailed
	}
	if res.Status == StatusOK {
		e.mu.Lock()
		e.succeeded[spec.Tool.Name] = true
		e.mu.Unlock()
	} else if spec.SingleUse {
		e.release(spec.Tool.Name)
	}
	return res, ""
}

// reserve claims a single-use tool and checks ordering prerequisites.
func (e *Executor) reserve(spec Spec) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if spec.After != "" && !e.succeeded[spec.After] {
		return false
	}
	if !spec.SingleUse {
		return true
	}
	if e.performed[spec.Tool.Name] {
		return false
	}
	e.performed[spec.Tool.Name] = true
	return true
}

func (e *Executor) wasPerformed(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.performed[name]
}

func (e *Executor) release(name string) {
	e.mu.Lock()
	delete(e.performed, name)
	e.mu.Unlock()
}

func (e *Executor) callWithTimeout(ctx context.Context, h Handler, inv Invocation) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := h(ctx, inv)
		ch <- outcome{res: res, err: err}
	}()
	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		return Result{}, ctx.Err()
	}
}

func stringArg(args map[string]any, name string) string {
	v, ok := args[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
