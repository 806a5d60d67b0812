package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// GmailConfig configures delivery through the Gmail API.
type GmailConfig struct {
	CredentialsFile string   `mapstructure:"credentials_file"`
	TokenFile       string   `mapstructure:"token_file"`
	From            string   `mapstructure:"from"`
	To              []string `mapstructure:"to"`
}

// GmailNotifier sends notifications as plain-text mail from the authorised
// account.
type GmailNotifier struct {
	cfg     GmailConfig
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailNotifier authorises with the OAuth client in CredentialsFile and
// the cached token in TokenFile.
func NewGmailNotifier(ctx context.Context, cfg GmailConfig, logger *slog.Logger) (*GmailNotifier, error) {
	if len(cfg.To) == 0 {
		return nil, errorsx.Wrapf(errorsx.ReasonConfigMissing, "gmail notifier: at least one recipient is required")
	}
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("gmail notifier: read credentials: %w", err), errorsx.ReasonConfigMissing)
	}
	oauthCfg, err := google.ConfigFromJSON(b, gmail.GmailSendScope)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("gmail notifier: parse credentials: %w", err), errorsx.ReasonConfigInvalid)
	}
	token, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("gmail notifier: no token at %s: %w", cfg.TokenFile, err), errorsx.ReasonConfigMissing)
	}
	return NewGmailNotifierWithOptions(ctx, cfg, logger, option.WithHTTPClient(oauthCfg.Client(ctx, token)))
}

// NewGmailNotifierWithOptions builds the Gmail service from explicit client
// options.
func NewGmailNotifierWithOptions(ctx context.Context, cfg GmailConfig, logger *slog.Logger, opts ...option.ClientOption) (*GmailNotifier, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail notifier: create service: %w", err)
	}
	return &GmailNotifier{cfg: cfg, service: svc, logger: logging.NewComponentLogger(logger, "notify_gmail")}, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	return tok, json.NewDecoder(f).Decode(tok)
}

func (n *GmailNotifier) Name() string { return "gmail" }

func (n *GmailNotifier) Notify(ctx context.Context, msg Message) error {
	raw := base64.URLEncoding.EncodeToString([]byte(n.compose(msg)))
	sent, err := n.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail notifier: send: %w", err)
	}
	n.logger.Info("notification_sent", "message_id", sent.Id, "recipients", len(n.cfg.To))
	return nil
}

func (n *GmailNotifier) compose(msg Message) string {
	var b strings.Builder
	if n.cfg.From != "" {
		fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerSafe(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.String()
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
