package mock

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/llm"
)

func TestRecognizerCommitsOnce(t *testing.T) {
	r := NewRecognizer(STTConfig{Transcript: "hello there", FramesPerUtterance: 2})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Close()
	for i := 0; i < 5; i++ {
		if err := r.SendAudio([]byte{0xFF}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	select {
	case ev := <-r.Events():
		if ev.Kind != stt.EventCommitted || ev.Text != "hello there" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a committed transcript")
	}
	select {
	case ev := <-r.Events():
		t.Fatalf("expected a single commit, got %+v", ev)
	default:
	}
}

func TestSynthesizerResetDropsAudio(t *testing.T) {
	s := NewSynthesizer(TTSConfig{})
	_ = s.Start(context.Background())
	defer s.Close()
	_ = s.SendText("one two three")
	_ = s.Flush()
	if n := len(s.Audio()); n != 3 {
		t.Fatalf("expected 3 fragments, got %d", n)
	}
	_ = s.Reset()
	if n := len(s.Audio()); n != 0 {
		t.Fatalf("expected reset to drop audio, got %d", n)
	}
}

func TestLLMOffersToolCallsBeforeResults(t *testing.T) {
	a := NewLLMAdapter(LLMConfig{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "think", Raw: `{"thought":"x"}`}}})
	chunks, errs := a.Stream(context.Background(), llm.Context{})
	var sawTool bool
	for c := range chunks {
		if c.ToolName == "think" {
			sawTool = true
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !sawTool {
		t.Fatalf("expected a tool call")
	}

	chunks, _ = a.Stream(context.Background(), llm.Context{Messages: []map[string]any{{"role": "tool", "content": "{}"}}})
	for c := range chunks {
		if c.ToolName != "" {
			t.Fatalf("tool call repeated after results")
		}
	}
}
