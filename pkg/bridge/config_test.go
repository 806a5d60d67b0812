package bridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/callbridge/pkg/errorsx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("CB_TEST_OPENAI_KEY", "sk-test")
	t.Setenv("CB_TEST_PUBLIC_URL", "https://bridge.example.com")
	path := writeConfig(t, `
server:
  public_url: "${CB_TEST_PUBLIC_URL}"
relay:
  topology: realtime
vendors:
  llm:
    provider: openai_realtime
    settings:
      api_key: "${CB_TEST_OPENAI_KEY}"
sms:
  provider: openai
  settings:
    api_key: "${CB_TEST_OPENAI_KEY}"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.PublicURL != "https://bridge.example.com" {
		t.Fatalf("expected expanded public url, got %q", cfg.Server.PublicURL)
	}
	if cfg.Vendors.LLM.Settings["api_key"] != "sk-test" {
		t.Fatalf("expected expanded api key, got %v", cfg.Vendors.LLM.Settings["api_key"])
	}
	if cfg.Server.Addr != ":8080" || cfg.Relay.DrainGraceMS != 2000 || cfg.Tools.Profile != "meeting" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("expected redaction on by default")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func validConfig() Config {
	return Config{
		Environment: "production",
		Twilio:      TwilioConfig{AuthToken: "token"},
		Relay:       RelayConfig{Topology: "pipeline"},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "scribe", Settings: map[string]any{"api_key": "el"}},
			TTS: VendorConfig{Provider: "elevenlabs", Settings: map[string]any{"api_key": "el", "voice_id": "v1"}},
			LLM: VendorConfig{Provider: "openai_chat", Settings: map[string]any{"api_key": "sk"}},
		},
		SMS:   SMSConfig{Provider: "openai", Settings: map[string]any{"api_key": "sk"}},
		Tools: ToolsConfig{Profile: "meeting", Notifier: VendorConfig{Provider: "log"}},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		reason errorsx.ReasonCode
		want   string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing synth voice", mutate: func(c *Config) {
			delete(c.Vendors.TTS.Settings, "voice_id")
		}, reason: errorsx.ReasonConfigMissing, want: "voice_id"},
		{name: "missing auth token outside development", mutate: func(c *Config) {
			c.Twilio.AuthToken = ""
		}, reason: errorsx.ReasonConfigMissing, want: "twilio.auth_token"},
		{name: "auth token optional in development", mutate: func(c *Config) {
			c.Environment = "development"
			c.Twilio.AuthToken = ""
		}},
		{name: "unknown stt provider", mutate: func(c *Config) {
			c.Vendors.STT.Provider = "whisper"
		}, reason: errorsx.ReasonConfigInvalid, want: "vendors.stt.provider"},
		{name: "realtime model in pipeline", mutate: func(c *Config) {
			c.Vendors.LLM.Provider = "openai_realtime"
		}, reason: errorsx.ReasonConfigInvalid, want: "openai_realtime"},
		{name: "realtime topology skips speech vendors", mutate: func(c *Config) {
			c.Relay.Topology = "realtime"
			c.Vendors.LLM.Provider = "openai_realtime"
			c.Vendors.STT = VendorConfig{}
			c.Vendors.TTS = VendorConfig{}
		}},
		{name: "unknown topology", mutate: func(c *Config) {
			c.Relay.Topology = "hybrid"
		}, reason: errorsx.ReasonConfigInvalid, want: "relay.topology"},
		{name: "clinic needs records path", mutate: func(c *Config) {
			c.Tools.Profile = "clinic"
			c.Tools.Calendar = VendorConfig{Provider: "memory"}
		}, reason: errorsx.ReasonConfigMissing, want: "tools.records.path"},
		{name: "recording needs account sid", mutate: func(c *Config) {
			c.Twilio.RecordCalls = true
		}, reason: errorsx.ReasonConfigMissing, want: "twilio.account_sid"},
		{name: "gmail needs recipients", mutate: func(c *Config) {
			c.Tools.Notifier = VendorConfig{Provider: "gmail", Settings: map[string]any{"credentials_file": "c.json", "token_file": "t.json"}}
		}, reason: errorsx.ReasonConfigMissing, want: "to"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
			if !errorsx.HasReason(err, tc.reason) {
				t.Fatalf("expected reason %s in %v", tc.reason, err)
			}
		})
	}
}
