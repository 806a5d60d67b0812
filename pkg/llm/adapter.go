package llm

import "context"

// Context is one completion request: a role-tagged transcript plus tools.
type Context struct {
	Messages []map[string]any
	Tools    []Tool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

// StreamChunk is one piece of a streamed completion. Tool call fragments
// carry the index of the call they extend.
type StreamChunk struct {
	Text         string
	ToolIndex    int
	ToolID       string
	ToolName     string
	ToolArgs     string
	FinishReason string
}

// LLMAdapter is a text completion provider.
type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan StreamChunk, <-chan error)
	MapTools(tools []Tool) (providerTools any, err error)
	Name() string
}

// Message builds a transcript entry.
func Message(role, content string) map[string]any {
	return map[string]any{"role": role, "content": content}
}
