// Package tools executes model tool calls against the bridge's side-effecting
// backends and keeps the per-call invariants on single-use tools.
package tools

import (
	"context"
	"fmt"

	"github.com/harunnryd/callbridge/pkg/llm"
)

// Handler runs one tool. Returned errors become failure results; business
// outcomes (slot taken, rejected input) are returned as a Result.
type Handler func(ctx context.Context, inv Invocation) (Result, error)

// Invocation is the validated input of a handler.
type Invocation struct {
	CallID  string
	CallSID string
	Args    map[string]any
}

// String returns the trimmed string argument name, or "".
func (inv Invocation) String(name string) string {
	return stringArg(inv.Args, name)
}

// Spec describes one tool.
type Spec struct {
	Tool    llm.Tool
	Handler Handler
	// Required arguments must be present and non-empty.
	Required []string
	// SingleUse tools run at most once per call and are never retried.
	SingleUse bool
	// After names a tool that must have succeeded earlier in the call.
	After string
}

// Registry is an ordered set of tool specs.
type Registry struct {
	specs map[string]Spec
	order []string
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds spec; names must be unique.
func (r *Registry) Register(spec Spec) error {
	name := spec.Tool.Name
	if name == "" || spec.Handler == nil {
		return fmt.Errorf("tools: spec needs a name and a handler")
	}
	if _, ok := r.specs[name]; ok {
		return fmt.Errorf("tools: %s registered twice", name)
	}
	if len(spec.Required) > 0 && spec.Tool.Schema != nil {
		spec.Tool.Schema["required"] = spec.Required
	}
	r.specs[name] = spec
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Spec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Manifest returns the tools advertised to the model, in registration order.
func (r *Registry) Manifest() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name].Tool)
	}
	return out
}
