package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ChatConfig configures the chat completions adapter.
type ChatConfig struct {
	APIKey    string  `mapstructure:"api_key"`
	Model     string  `mapstructure:"model"`
	BaseURL   string  `mapstructure:"base_url"`
	TimeoutMS int     `mapstructure:"timeout_ms"`
	MaxTokens int     `mapstructure:"max_tokens"`
	Temp      float64 `mapstructure:"temperature"`
}

// Adapter talks to the chat completions endpoint.
type Adapter struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Temp      float64
	Client    *http.Client
}

func NewAdapter(cfg ChatConfig) *Adapter {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := 60 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Adapter{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		MaxTokens: cfg.MaxTokens,
		Temp:      cfg.Temp,
		Client:    &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) MapTools(tools []llm.Tool) (any, error) {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Schema,
			},
		})
	}
	return out, nil
}

type completionResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string         `json:"content"`
			ToolCalls []toolCallWire `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type toolCallWire struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	resp, err := a.post(ctx, input, false)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	var payload completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, fmt.Errorf("openai: decode completion: %w", err)
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices")
	}
	first := payload.Choices[0]
	out := llm.Response{
		Text:         first.Message.Content,
		FinishReason: first.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
	}
	for _, tc := range first.Message.ToolCalls {
		args, _ := llm.ParseArguments(tc.Function.Arguments)
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			Raw:       tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream posts a streaming completion. The chunk channel closes when the
// stream ends; the error channel yields at most one error.
func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.StreamChunk, <-chan error) {
	out := make(chan llm.StreamChunk, 128)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		resp, err := a.post(ctx, input, true)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if err := readStream(ctx, resp.Body, out); err != nil {
			errs <- err
		}
	}()
	return out, errs
}

type streamWire struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Delta        struct {
			Content   string         `json:"content"`
			ToolCalls []toolCallWire `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

func readStream(ctx context.Context, body io.Reader, out chan<- llm.StreamChunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		var chunk streamWire
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			var pieces []llm.StreamChunk
			if choice.Delta.Content != "" {
				pieces = append(pieces, llm.StreamChunk{Text: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				pieces = append(pieces, llm.StreamChunk{
					ToolIndex: tc.Index,
					ToolID:    tc.ID,
					ToolName:  tc.Function.Name,
					ToolArgs:  tc.Function.Arguments,
				})
			}
			if choice.FinishReason != "" {
				pieces = append(pieces, llm.StreamChunk{FinishReason: choice.FinishReason})
			}
			for _, p := range pieces {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- p:
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("openai: read stream: %w", err)
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, input llm.Context, stream bool) (*http.Response, error) {
	body, err := a.buildRequest(input, stream)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, resilience.RateLimitError{
			Provider:   "openai",
			Message:    string(b),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &llm.StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

func (a *Adapter) buildRequest(input llm.Context, stream bool) (*bytes.Buffer, error) {
	req := map[string]any{
		"model":    a.Model,
		"stream":   stream,
		"messages": input.Messages,
	}
	if a.MaxTokens > 0 {
		req["max_tokens"] = a.MaxTokens
	}
	if a.Temp > 0 {
		req["temperature"] = a.Temp
	}
	if len(input.Tools) > 0 {
		tools, err := a.MapTools(input.Tools)
		if err != nil {
			return nil, err
		}
		req["tools"] = tools
		req["tool_choice"] = "auto"
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.LLMAdapter = (*Adapter)(nil)

// parseRetryAfter reads a Retry-After header given in whole seconds.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
