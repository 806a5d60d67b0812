package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool is one entry of the manifest advertised to the model.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a model request to run a named tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	// Raw is the argument JSON exactly as the model produced it.
	Raw string
}

// ParseArguments decodes the raw argument JSON of a tool call. Empty input
// decodes to an empty map.
func ParseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ObjectSchema builds a JSON schema object with the given properties.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
