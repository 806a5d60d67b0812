// Package twilio serves the Twilio voice and SMS webhooks and accepts the
// bidirectional media streams that carry call audio.
package twilio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/relay"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	IncomingPath       string   `mapstructure:"incoming_path"`
	SMSPath            string   `mapstructure:"sms_path"`
	MediaPath          string   `mapstructure:"media_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	Greeting           string   `mapstructure:"greeting"`
	RecordCalls        bool     `mapstructure:"record_calls"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.IncomingPath == "" {
		c.IncomingPath = "/incoming"
	}
	if c.SMSPath == "" {
		c.SMSPath = "/incoming-sms"
	}
	if c.MediaPath == "" {
		c.MediaPath = "/media-stream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

func (c Config) incomingURL() string { return c.publicURL("https", c.IncomingPath) }

func (c Config) statusCallbackURL() string { return c.publicURL("https", c.StatusCallbackPath) }

func (c Config) publicURL(scheme, path string) string {
	if c.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(c.PublicURL) + path
	}
	addr := c.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if scheme == "https" {
		scheme = "http"
	}
	return scheme + "://" + addr + path
}

// CallHandler runs one call over an accepted carrier and returns when the
// call has ended.
type CallHandler func(ctx context.Context, carrier relay.Carrier) error

// SMSReplier answers one inbound text message.
type SMSReplier interface {
	Reply(ctx context.Context, from, body string) string
}

// Options wire the server to the rest of the process.
type Options struct {
	Calls  CallHandler
	SMS    SMSReplier
	Logger *slog.Logger
}

// Server is the HTTP surface Twilio talks to.
type Server struct {
	cfg      Config
	opts     Options
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	recorder interface {
		Record(ctx context.Context, callSID string) (string, error)
	}

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	active map[*Carrier]struct{}
	calls  sync.WaitGroup

	draining atomic.Bool
}

func New(cfg Config, opts Options) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recorder:   NewRecorder(cfg),
		baseCtx:    ctx,
		cancelBase: cancel,
		active:     make(map[*Carrier]struct{}),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Name() string { return "twilio" }

// ReadyFields reports the URLs to configure on the Twilio number.
func (s *Server) ReadyFields() map[string]any {
	return map[string]any{
		"addr":                s.cfg.ServerAddr,
		"voice_webhook_url":   s.cfg.incomingURL(),
		"sms_webhook_url":     s.cfg.publicURL("https", s.cfg.SMSPath),
		"status_callback_url": s.cfg.statusCallbackURL(),
	}
}

// Handler returns the webhook and media stream routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.IncomingPath, s.handleIncoming)
	mux.HandleFunc(s.cfg.SMSPath, s.handleSMS)
	mux.HandleFunc(s.cfg.StatusCallbackPath, s.handleStatusCallback)
	mux.HandleFunc(s.cfg.MediaPath, s.handleMediaStream)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", s.cfg.ServerAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	srv := s.server
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("twilio_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Shutdown refuses new media streams, hangs up active calls and waits for
// their relays to finish or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.mu.Lock()
	srv := s.server
	carriers := make([]*Carrier, 0, len(s.active))
	for c := range s.active {
		carriers = append(carriers, c)
	}
	s.mu.Unlock()
	s.logger.Info("twilio_server_draining", "active_calls", len(carriers))

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range carriers {
		_ = c.Close()
	}
	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancelBase()
		if err == nil {
			err = ctx.Err()
		}
	}
	s.cancelBase()
	return err
}

// ActiveCalls returns the number of media streams being relayed.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r, "twilio_incoming_invalid_signature") {
		return
	}
	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	s.logger.Info("twilio_incoming_call", "call_sid", callSID, "from", redact.Phone(from))

	stream := &twiml.VoiceStream{Url: s.mediaURL(r)}
	if from != "" {
		stream.InnerElements = []twiml.Element{&twiml.VoiceParameter{Name: "from", Value: from}}
	}
	var verbs []twiml.Element
	if greeting := strings.TrimSpace(s.cfg.Greeting); greeting != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: greeting})
	}
	verbs = append(verbs, &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}})
	doc, err := twiml.Voice(verbs)
	if err != nil {
		s.logger.Error("twilio_twiml_render_failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if s.cfg.RecordCalls && callSID != "" {
		go s.record(callSID)
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

func (s *Server) record(callSID string) {
	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()
	sid, err := s.recorder.Record(ctx, callSID)
	if err != nil {
		s.logger.With("call_sid", callSID).Warn("twilio_recording_failed", errorsx.LogAttrs(err, errorsx.ReasonTransportRecording)...)
		return
	}
	s.logger.Info("twilio_recording_started", "call_sid", callSID, "recording_sid", sid)
}

func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r, "twilio_sms_invalid_signature") {
		return
	}
	from := r.FormValue("From")
	body := strings.TrimSpace(r.FormValue("Body"))
	s.logger.Info("twilio_sms_received", "from", redact.Phone(from), "body", redact.Text(body))

	var verbs []twiml.Element
	if s.opts.SMS != nil && body != "" {
		reply := s.opts.SMS.Reply(r.Context(), from, body)
		if reply != "" {
			verbs = append(verbs, &twiml.MessagingMessage{Body: reply})
		}
	}
	doc, err := twiml.Messages(verbs)
	if err != nil {
		s.logger.Error("twilio_twiml_render_failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(w, r, "twilio_status_invalid_signature") {
		return
	}
	status := r.FormValue("CallStatus")
	if reason := normalizeCallEndReason(status); reason != "" {
		s.logger.Info("twilio_call_ended", "call_sid", r.FormValue("CallSid"), "status", status, "reason", reason,
			"duration_s", r.FormValue("CallDuration"))
	} else {
		s.logger.Debug("twilio_call_status", "call_sid", r.FormValue("CallSid"), "status", status)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.opts.Calls == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("twilio_media_upgrade_failed", errorsx.LogAttrs(err, errorsx.ReasonTransportProtocol)...)
		return
	}
	carrier := NewCarrier(ws, s.logger)

	s.mu.Lock()
	if s.draining.Load() {
		s.mu.Unlock()
		_ = carrier.Close()
		return
	}
	s.active[carrier] = struct{}{}
	s.calls.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, carrier)
		s.mu.Unlock()
		s.calls.Done()
	}()

	if err := s.opts.Calls(s.baseCtx, carrier); err != nil {
		s.logger.Warn("twilio_call_failed", errorsx.LogAttrs(err, errorsx.ReasonUnknown)...)
	}
	_ = carrier.Close()
}

func (s *Server) mediaURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.MediaPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.MediaPath
}

// authorized checks the webhook signature when an auth token is configured
// and writes 403 when it does not match.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request, event string) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if s.validateTwilioRequest(r) {
		return true
	}
	s.logger.Warn(event, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
	w.WriteHeader(http.StatusForbidden)
	return false
}

func (s *Server) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	return validator.Validate(s.requestURL(r), params, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		base := strings.TrimRight(s.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "initiated", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
