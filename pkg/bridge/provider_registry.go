package bridge

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/adapters/tts"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/providers/deepgram"
	"github.com/harunnryd/callbridge/pkg/providers/elevenlabs"
	"github.com/harunnryd/callbridge/pkg/providers/mock"
	"github.com/harunnryd/callbridge/pkg/providers/openai"
)

// STTFactory builds the recognizer of one call.
type STTFactory func(settings map[string]any, meta stt.Config, logger *slog.Logger) (stt.Recognizer, error)

// TTSFactory builds the synthesizer of one call.
type TTSFactory func(settings map[string]any, meta tts.Config, logger *slog.Logger) (tts.Synthesizer, error)

// ConversationFactory builds the model session of one call.
type ConversationFactory func(settings map[string]any, session llm.SessionConfig, logger *slog.Logger) (llm.Conversation, error)

// ChatFactory builds a text completion adapter shared across requests.
type ChatFactory func(settings map[string]any) (llm.LLMAdapter, error)

type ProviderRegistry struct {
	stt  map[string]STTFactory
	tts  map[string]TTSFactory
	llm  map[string]ConversationFactory
	chat map[string]ChatFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:  make(map[string]STTFactory),
		tts:  make(map[string]TTSFactory),
		llm:  make(map[string]ConversationFactory),
		chat: make(map[string]ChatFactory),
	}
}

// DefaultProviderRegistry registers every built-in provider.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSTT("scribe", func(settings map[string]any, meta stt.Config, logger *slog.Logger) (stt.Recognizer, error) {
		var cfg elevenlabs.STTConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		return elevenlabs.NewRecognizer(cfg, meta, logger)
	})
	r.RegisterSTT("deepgram", func(settings map[string]any, meta stt.Config, logger *slog.Logger) (stt.Recognizer, error) {
		var cfg deepgram.Config
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		return deepgram.NewRecognizer(cfg, meta, logger)
	})
	r.RegisterSTT("mock", func(settings map[string]any, _ stt.Config, _ *slog.Logger) (stt.Recognizer, error) {
		var cfg mock.STTConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, fmt.Errorf("vendors.stt.settings: %w", err)
		}
		return mock.NewRecognizer(cfg), nil
	})

	r.RegisterTTS("elevenlabs", func(settings map[string]any, meta tts.Config, logger *slog.Logger) (tts.Synthesizer, error) {
		var cfg elevenlabs.TTSConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, fmt.Errorf("vendors.tts.settings: %w", err)
		}
		return elevenlabs.NewSynthesizer(cfg, meta, logger)
	})
	r.RegisterTTS("mock", func(settings map[string]any, _ tts.Config, _ *slog.Logger) (tts.Synthesizer, error) {
		var cfg mock.TTSConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, fmt.Errorf("vendors.tts.settings: %w", err)
		}
		return mock.NewSynthesizer(cfg), nil
	})

	r.RegisterChat("openai", openAIChat)
	r.RegisterChat("mock", func(settings map[string]any) (llm.LLMAdapter, error) {
		var cfg mock.LLMConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, fmt.Errorf("mock llm settings: %w", err)
		}
		return mock.NewLLMAdapter(cfg), nil
	})

	r.RegisterConversation("openai_realtime", func(settings map[string]any, session llm.SessionConfig, logger *slog.Logger) (llm.Conversation, error) {
		var cfg openai.RealtimeConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, fmt.Errorf("vendors.llm.settings: %w", err)
		}
		return openai.NewRealtime(cfg, session, logger)
	})
	r.RegisterConversation("openai_chat", r.chatConversation("openai"))
	r.RegisterConversation("mock", r.chatConversation("mock"))
	return r
}

func openAIChat(settings map[string]any) (llm.LLMAdapter, error) {
	var cfg openai.ChatConfig
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("openai settings: %w", err)
	}
	return openai.NewAdapter(cfg), nil
}

// chatConversation runs a text-only chat session over a registered chat
// adapter.
func (r *ProviderRegistry) chatConversation(chat string) ConversationFactory {
	return func(settings map[string]any, session llm.SessionConfig, logger *slog.Logger) (llm.Conversation, error) {
		adapter, err := r.BuildChat(chat, settings)
		if err != nil {
			return nil, err
		}
		return openai.NewChatSession(adapter, session, logger), nil
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterConversation(name string, factory ConversationFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterChat(name string, factory ChatFactory) {
	r.chat[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildRecognizer(vc VendorConfig, meta stt.Config, logger *slog.Logger) (stt.Recognizer, error) {
	fn := r.stt[normalizeProvider(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", vc.Provider)
	}
	return fn(vc.Settings, meta, logger)
}

func (r *ProviderRegistry) BuildSynthesizer(vc VendorConfig, meta tts.Config, logger *slog.Logger) (tts.Synthesizer, error) {
	fn := r.tts[normalizeProvider(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", vc.Provider)
	}
	return fn(vc.Settings, meta, logger)
}

func (r *ProviderRegistry) BuildConversation(vc VendorConfig, session llm.SessionConfig, logger *slog.Logger) (llm.Conversation, error) {
	fn := r.llm[normalizeProvider(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", vc.Provider)
	}
	return fn(vc.Settings, session, logger)
}

func (r *ProviderRegistry) BuildChat(provider string, settings map[string]any) (llm.LLMAdapter, error) {
	fn := r.chat[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("chat provider not registered: %s", provider)
	}
	return fn(settings)
}
