// Package notify delivers staff notifications raised by tool calls.
package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/redact"
)

// Message is one notification.
type Message struct {
	Subject string
	Body    string
}

// Notifier sends a notification to the configured recipients.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the log; used when no mail provider is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.NewComponentLogger(logger, "notify")}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("notification_logged", "subject", msg.Subject, "body", redact.Text(strings.TrimSpace(msg.Body)))
	return nil
}
