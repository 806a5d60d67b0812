package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/adapters/tts"
	"github.com/harunnryd/callbridge/pkg/calendar"
	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/notify"
	"github.com/harunnryd/callbridge/pkg/observers"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/relay"
	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/harunnryd/callbridge/pkg/sms"
	"github.com/harunnryd/callbridge/pkg/store"
	"github.com/harunnryd/callbridge/pkg/tools"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

// Engine serves the webhooks and runs one relay per media stream.
type Engine struct {
	cfg       Config
	topology  relay.Topology
	providers *ProviderRegistry
	tools     *tools.Registry
	server    *twilio.Server
	runner    *runner.LifecycleRunner
	obs       *metrics.AsyncObserver
	logger    *slog.Logger
	closers   []io.Closer
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Observer receives metrics alongside the configured observers.
	Observer metrics.Observer
	// ToolDeps replaces the backends built from tools configuration.
	ToolDeps *tools.Deps
}

// NewEngine builds the tool backends, the SMS responder and the webhook
// server. Nothing listens until Run.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topology, err := relay.ParseTopology(cfg.Relay.Topology)
	if err != nil {
		return nil, err
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}

	logger.Info("callbridge_init",
		"environment", cfg.Environment,
		"topology", string(topology),
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"tools_profile", cfg.Tools.Profile,
	)

	e := &Engine{
		cfg:       cfg,
		topology:  topology,
		providers: providers,
		logger:    logging.NewComponentLogger(logger, "engine"),
	}
	e.obs = metrics.NewAsyncObserver(e.buildObserver(logger, opts.Observer), 2048)

	deps := opts.ToolDeps
	if deps == nil {
		built, err := e.buildToolDeps(ctx, logger)
		if err != nil {
			e.closeAll()
			return nil, err
		}
		deps = &built
	}
	e.tools, err = tools.Build(cfg.Tools.Profile, *deps)
	if err != nil {
		e.closeAll()
		return nil, err
	}

	chat, err := providers.BuildChat(cfg.SMS.Provider, cfg.SMS.Settings)
	if err != nil {
		e.closeAll()
		return nil, err
	}
	responder := sms.NewResponder(chat, sms.Config{
		SystemPrompt: cfg.SMS.SystemPrompt,
		ApologyText:  cfg.SMS.ApologyText,
	}, logger, e.obs)

	e.server = twilio.New(twilio.Config{
		ServerAddr:  cfg.Server.Addr,
		PublicURL:   cfg.Server.PublicURL,
		AuthToken:   cfg.Twilio.AuthToken,
		AccountSID:  cfg.Twilio.AccountSID,
		Greeting:    cfg.Twilio.Greeting,
		RecordCalls: cfg.Twilio.RecordCalls,
	}, twilio.Options{
		Calls:  e.handleCall,
		SMS:    responder,
		Logger: logger,
	})

	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: e.start,
		OnStop:  e.stop,
	}, cfg.Server.DrainTimeout()+5*time.Second)
	return e, nil
}

func (e *Engine) buildObserver(logger *slog.Logger, extra metrics.Observer) metrics.Observer {
	list := []metrics.Observer{
		observers.NewLoggerObserver(logger),
		observers.NewLatencyObserver(logger),
	}
	if extra != nil {
		list = append(list, extra)
	}
	if dir := strings.TrimSpace(e.cfg.Observability.ArtifactsDir); dir != "" {
		if days := e.cfg.Observability.RetentionDays; days > 0 {
			if n, err := observers.PurgeArtifacts(dir, days); err != nil {
				e.logger.Warn("artifacts_purge_failed", "error", err)
			} else if n > 0 {
				e.logger.Info("artifacts_purged", "removed", n)
			}
		}
		if jsonl, err := metrics.OpenJSONL(dir); err != nil {
			e.logger.Warn("metrics_jsonl_unavailable", "error", err)
		} else {
			list = append(list, jsonl)
		}
		timeline := observers.NewTimelineObserver(dir)
		list = append(list, timeline)
		e.closers = append(e.closers, timeline)
	}
	multi := observers.NewMultiObserver(list...)
	return metrics.NewSamplingObserver(multi, e.cfg.Observability.MediaSampleRate, metrics.EventMediaIn, metrics.EventMediaOut)
}

func (e *Engine) buildToolDeps(ctx context.Context, logger *slog.Logger) (tools.Deps, error) {
	var deps tools.Deps
	switch normalizeProvider(e.cfg.Tools.Notifier.Provider) {
	case "gmail":
		var gc notify.GmailConfig
		if err := configutil.DecodeSettings(e.cfg.Tools.Notifier.Settings, &gc); err != nil {
			return deps, fmt.Errorf("tools.notifier.settings: %w", err)
		}
		n, err := notify.NewGmailNotifier(ctx, gc, logger)
		if err != nil {
			return deps, err
		}
		deps.Notifier = n
	default:
		deps.Notifier = notify.NewLogNotifier(logger)
	}

	if !strings.EqualFold(strings.TrimSpace(e.cfg.Tools.Profile), tools.ProfileClinic) {
		return deps, nil
	}
	switch normalizeProvider(e.cfg.Tools.Calendar.Provider) {
	case "google":
		var gc calendar.GoogleConfig
		if err := configutil.DecodeSettings(e.cfg.Tools.Calendar.Settings, &gc); err != nil {
			return deps, fmt.Errorf("tools.calendar.settings: %w", err)
		}
		cal, err := calendar.NewGoogle(ctx, gc, logger)
		if err != nil {
			return deps, err
		}
		deps.Calendar = cal
	default:
		var mc struct {
			Hours calendar.WorkingHours `mapstructure:"hours"`
		}
		if err := configutil.DecodeSettings(e.cfg.Tools.Calendar.Settings, &mc); err != nil {
			return deps, fmt.Errorf("tools.calendar.settings: %w", err)
		}
		cal, err := calendar.NewMemory(mc.Hours)
		if err != nil {
			return deps, fmt.Errorf("tools.calendar.settings: %w", err)
		}
		deps.Calendar = cal
	}

	db, err := store.Open(e.cfg.Tools.Records.Path, logger)
	if err != nil {
		return deps, err
	}
	e.closers = append(e.closers, db)
	deps.Records = db
	return deps, nil
}

// Run serves until ctx is cancelled or Stop is called, then drains active
// calls.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Handler exposes the webhook routes without binding a listener.
func (e *Engine) Handler() http.Handler { return e.server.Handler() }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) start(ctx context.Context) error {
	if err := e.server.Start(ctx); err != nil {
		return err
	}
	fields := []any{"message", "Callbridge Ready"}
	for k, v := range e.server.ReadyFields() {
		fields = append(fields, k, v)
	}
	e.logger.Info("engine_ready", fields...)
	return nil
}

func (e *Engine) drain(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, e.cfg.Server.DrainTimeout())
	defer cancel()
	return e.server.Shutdown(deadline)
}

func (e *Engine) stop() {
	if err := e.obs.Close(); err != nil {
		e.logger.Warn("metrics_flush_failed", "error", err)
	}
	if n := e.obs.Dropped(); n > 0 {
		e.logger.Warn("metrics_dropped", "events", n)
	}
	e.closeAll()
	e.logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.server.ActiveCalls())
}

func (e *Engine) closeAll() {
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Warn("close_failed", "error", err)
		}
	}
	e.closers = nil
}

// handleCall runs the relay of one media stream.
func (e *Engine) handleCall(ctx context.Context, carrier relay.Carrier) error {
	r, err := relay.New(carrier, relay.Config{
		Topology:   e.topology,
		DrainGrace: time.Duration(e.cfg.Relay.DrainGraceMS) * time.Millisecond,
		NewLegs:    e.newLegs,
		Logger:     e.logger,
		Observer:   e.obs,
	})
	if err != nil {
		_ = carrier.Close()
		return err
	}
	return r.Run(ctx)
}

// newLegs connects the providers for one call. Legs built before a failure
// are closed.
func (e *Engine) newLegs(ctx context.Context, call relay.CallInfo) (relay.Legs, error) {
	logger := e.logger.With("stream_sid", call.StreamSID, "call_sid", call.CallSID, "trace_id", call.TraceID)
	executor := tools.NewExecutor(e.tools, tools.Options{
		Timeout:  time.Duration(e.cfg.Tools.TimeoutMS) * time.Millisecond,
		Retries:  e.cfg.Tools.Retries,
		CallSID:  call.CallSID,
		Logger:   logger,
		Observer: e.obs,
	})
	realtime := e.topology == relay.TopologyRealtime
	session := llm.SessionConfig{
		Voice:        e.cfg.Agent.Voice,
		Instructions: e.cfg.Agent.Instructions,
		Tools:        executor.Manifest(),
		AudioIn:      realtime,
		AudioOut:     realtime,
		InputFormat:  string(codec.FormatMuLaw8k),
		OutputFormat: string(codec.FormatMuLaw8k),
		StreamID:     call.StreamSID,
		CallSID:      call.CallSID,
		TraceID:      call.TraceID,
	}
	conv, err := e.providers.BuildConversation(e.cfg.Vendors.LLM, session, logger)
	if err != nil {
		return relay.Legs{}, err
	}
	legs := relay.Legs{Conversation: conv, Tools: executor}
	if realtime {
		return legs, nil
	}

	rec, err := e.providers.BuildRecognizer(e.cfg.Vendors.STT, stt.Config{
		StreamID: call.StreamSID,
		CallSID:  call.CallSID,
		TraceID:  call.TraceID,
	}, logger)
	if err != nil {
		_ = conv.Close()
		return relay.Legs{}, err
	}
	synth, err := e.providers.BuildSynthesizer(e.cfg.Vendors.TTS, tts.Config{
		StreamID: call.StreamSID,
		CallSID:  call.CallSID,
		TraceID:  call.TraceID,
	}, logger)
	if err != nil {
		_ = conv.Close()
		_ = rec.Close()
		return relay.Legs{}, err
	}
	legs.Recognizer = rec
	legs.Synthesizer = synth
	return legs, nil
}

// CheckProviders builds every configured leg once without connecting, so
// settings errors surface before the server starts.
func CheckProviders(cfg Config, providers *ProviderRegistry) error {
	if providers == nil {
		providers = DefaultProviderRegistry()
	}
	topology, err := relay.ParseTopology(cfg.Relay.Topology)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var errs []error
	conv, err := providers.BuildConversation(cfg.Vendors.LLM, llm.SessionConfig{AudioIn: topology == relay.TopologyRealtime}, logger)
	if err != nil {
		errs = append(errs, fmt.Errorf("vendors.llm: %w", err))
	} else {
		_ = conv.Close()
	}
	if topology == relay.TopologyPipeline {
		if rec, err := providers.BuildRecognizer(cfg.Vendors.STT, stt.Config{}, logger); err != nil {
			errs = append(errs, fmt.Errorf("vendors.stt: %w", err))
		} else {
			_ = rec.Close()
		}
		if synth, err := providers.BuildSynthesizer(cfg.Vendors.TTS, tts.Config{}, logger); err != nil {
			errs = append(errs, fmt.Errorf("vendors.tts: %w", err))
		} else {
			_ = synth.Close()
		}
	}
	if _, err := providers.BuildChat(cfg.SMS.Provider, cfg.SMS.Settings); err != nil {
		errs = append(errs, fmt.Errorf("sms: %w", err))
	}
	return errors.Join(errs...)
}
