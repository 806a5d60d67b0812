package mock

import (
	"context"

	"github.com/harunnryd/callbridge/pkg/llm"
)

// LLMAdapter answers every request with canned text and tool calls.
type LLMAdapter struct {
	cfg LLMConfig
}

type LLMConfig struct {
	ResponseText string
	ToolCalls    []llm.ToolCall
	StreamChunks []string
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	return llm.Response{
		Text:         a.cfg.ResponseText,
		ToolCalls:    a.cfg.ToolCalls,
		FinishReason: "stop",
	}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.StreamChunk, <-chan error) {
	texts := a.cfg.StreamChunks
	if len(texts) == 0 {
		texts = []string{a.cfg.ResponseText}
	}
	out := make(chan llm.StreamChunk, len(texts)+len(a.cfg.ToolCalls))
	errs := make(chan error, 1)
	for _, t := range texts {
		out <- llm.StreamChunk{Text: t}
	}
	// Tool calls are only offered on the first round so a resumed turn can
	// finish with text.
	if !hasToolResult(input.Messages) {
		for i, call := range a.cfg.ToolCalls {
			out <- llm.StreamChunk{ToolIndex: i, ToolID: call.ID, ToolName: call.Name, ToolArgs: call.Raw}
		}
	}
	close(out)
	if err := ctx.Err(); err != nil {
		errs <- err
	}
	close(errs)
	return out, errs
}

func (a *LLMAdapter) MapTools(tools []llm.Tool) (any, error) {
	return nil, nil
}

func hasToolResult(messages []map[string]any) bool {
	for _, m := range messages {
		if m["role"] == "tool" {
			return true
		}
	}
	return false
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
