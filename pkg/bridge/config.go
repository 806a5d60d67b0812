package bridge

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/relay"
	"github.com/harunnryd/callbridge/pkg/tools"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Twilio        TwilioConfig        `mapstructure:"twilio"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	SMS           SMSConfig           `mapstructure:"sms"`
	Tools         ToolsConfig         `mapstructure:"tools"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	PublicURL      string `mapstructure:"public_url"`
	DrainTimeoutMS int    `mapstructure:"drain_timeout_ms"`
}

func (s ServerConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutMS) * time.Millisecond
}

type TwilioConfig struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	Greeting    string `mapstructure:"greeting"`
	RecordCalls bool   `mapstructure:"record_calls"`
}

type RelayConfig struct {
	Topology     string `mapstructure:"topology"`
	DrainGraceMS int    `mapstructure:"drain_grace_ms"`
}

type AgentConfig struct {
	Voice        string `mapstructure:"voice"`
	Instructions string `mapstructure:"instructions"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type SMSConfig struct {
	Provider     string         `mapstructure:"provider"`
	Settings     map[string]any `mapstructure:"settings"`
	SystemPrompt string         `mapstructure:"system_prompt"`
	ApologyText  string         `mapstructure:"apology_text"`
}

type ToolsConfig struct {
	Profile   string        `mapstructure:"profile"`
	TimeoutMS int           `mapstructure:"timeout_ms"`
	Retries   int           `mapstructure:"retries"`
	Notifier  VendorConfig  `mapstructure:"notifier"`
	Calendar  VendorConfig  `mapstructure:"calendar"`
	Records   RecordsConfig `mapstructure:"records"`
}

type RecordsConfig struct {
	Path string `mapstructure:"path"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// MediaSampleRate is the fraction of per-frame media events recorded.
	MediaSampleRate float64 `mapstructure:"media_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads the YAML file at path. Variables from a .env file in the
// working directory are loaded first so ${VAR} references resolve.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.drain_timeout_ms", 20000)
	v.SetDefault("twilio.greeting", "Please wait while we connect you.")
	v.SetDefault("twilio.record_calls", false)
	v.SetDefault("relay.topology", string(relay.TopologyPipeline))
	v.SetDefault("relay.drain_grace_ms", 2000)
	v.SetDefault("agent.voice", "alloy")
	v.SetDefault("vendors.stt.provider", "scribe")
	v.SetDefault("vendors.tts.provider", "elevenlabs")
	v.SetDefault("vendors.llm.provider", "openai_realtime")
	v.SetDefault("sms.provider", "openai")
	v.SetDefault("tools.profile", tools.ProfileMeeting)
	v.SetDefault("tools.timeout_ms", 8000)
	v.SetDefault("tools.retries", 1)
	v.SetDefault("tools.notifier.provider", "log")
	v.SetDefault("tools.calendar.provider", "memory")
	v.SetDefault("tools.records.path", "data/records.db")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.media_sample_rate", 0.02)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfigInvalid)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfigInvalid)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// credentialSchemas lists the settings each provider cannot start without.
var credentialSchemas = map[string]configutil.Schema{
	"scribe":          {Required: []string{"api_key"}, Secrets: []string{"api_key"}, AllowUnknown: true},
	"deepgram":        {Required: []string{"api_key"}, Secrets: []string{"api_key"}, AllowUnknown: true},
	"elevenlabs":      {Required: []string{"api_key", "voice_id"}, Secrets: []string{"api_key"}, AllowUnknown: true},
	"openai_realtime": {Required: []string{"api_key"}, Secrets: []string{"api_key"}, AllowUnknown: true},
	"openai_chat":     {Required: []string{"api_key"}, Secrets: []string{"api_key"}, AllowUnknown: true},
	"openai":          {Required: []string{"api_key"}, Secrets: []string{"api_key"}, AllowUnknown: true},
	"gmail":           {Required: []string{"credentials_file", "token_file", "to"}, AllowUnknown: true},
	"google":          {Required: []string{"credentials_file"}, AllowUnknown: true},
}

// MaskedSettings returns vc's settings with provider secrets hidden.
func MaskedSettings(vc VendorConfig) map[string]any {
	return configutil.Masked(vc.Settings, credentialSchemas[normalizeProvider(vc.Provider)])
}

// Validate checks that every selected provider is known and has its
// credentials. Errors carry errorsx.ReasonConfigMissing or
// ReasonConfigInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, errorsx.Wrapf(errorsx.ReasonConfigInvalid, format, args...))
	}
	missing := func(format string, args ...any) {
		errs = append(errs, errorsx.Wrapf(errorsx.ReasonConfigMissing, format, args...))
	}

	topology, err := relay.ParseTopology(c.Relay.Topology)
	if err != nil {
		invalid("relay.topology: %v", err)
	}
	if c.Relay.DrainGraceMS < 0 {
		invalid("relay.drain_grace_ms must not be negative")
	}
	if err := configutil.RequireString(c.Twilio.AuthToken, "twilio.auth_token"); err != nil && !c.isDevelopment() {
		missing("%v", err)
	}
	if c.Twilio.RecordCalls {
		if err := configutil.RequireString(c.Twilio.AccountSID, "twilio.account_sid"); err != nil {
			missing("%v (record_calls is enabled)", err)
		}
	}

	checkVendor := func(path string, vc VendorConfig, allowed ...string) {
		name := normalizeProvider(vc.Provider)
		if !contains(allowed, name) {
			invalid("%s.provider: unknown provider %q", path, vc.Provider)
			return
		}
		schema, ok := credentialSchemas[name]
		if !ok {
			return
		}
		if err := configutil.ValidateSettings(vc.Settings, schema); err != nil {
			missing("%s.settings: %v", path, err)
		}
	}

	checkVendor("vendors.llm", c.Vendors.LLM, llmProviders...)
	if topology == relay.TopologyPipeline {
		checkVendor("vendors.stt", c.Vendors.STT, sttProviders...)
		checkVendor("vendors.tts", c.Vendors.TTS, ttsProviders...)
		if normalizeProvider(c.Vendors.LLM.Provider) == "openai_realtime" {
			invalid("vendors.llm.provider: openai_realtime needs relay.topology realtime; use openai_chat for the pipeline")
		}
	} else if normalizeProvider(c.Vendors.LLM.Provider) == "openai_chat" {
		invalid("vendors.llm.provider: openai_chat cannot carry audio; use openai_realtime for the realtime topology")
	}

	checkVendor("sms", VendorConfig{Provider: c.SMS.Provider, Settings: c.SMS.Settings}, smsProviders...)

	switch strings.ToLower(strings.TrimSpace(c.Tools.Profile)) {
	case tools.ProfileMeeting:
	case tools.ProfileClinic:
		checkVendor("tools.calendar", c.Tools.Calendar, "memory", "google")
		if err := configutil.RequireString(c.Tools.Records.Path, "tools.records.path"); err != nil {
			missing("%v", err)
		}
	default:
		invalid("tools.profile: unknown profile %q", c.Tools.Profile)
	}
	checkVendor("tools.notifier", c.Tools.Notifier, "log", "gmail")
	if c.Tools.TimeoutMS < 0 || c.Tools.Retries < 0 {
		invalid("tools.timeout_ms and tools.retries must not be negative")
	}
	return errors.Join(errs...)
}

func (c *Config) isDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "development")
}

var (
	sttProviders = []string{"scribe", "deepgram", "mock"}
	ttsProviders = []string{"elevenlabs", "mock"}
	llmProviders = []string{"openai_realtime", "openai_chat", "mock"}
	smsProviders = []string{"openai", "mock"}
)

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.SMS.Settings = expandSettings(cfg.SMS.Settings)
	cfg.Tools.Notifier.Settings = expandSettings(cfg.Tools.Notifier.Settings)
	cfg.Tools.Calendar.Settings = expandSettings(cfg.Tools.Calendar.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
