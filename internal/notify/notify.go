// Package notify delivers the text of notify-routed task results.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/clawtask/internal/persistence"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Config selects and configures the e-mail notifier.
type Config struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	FromAddress    string `yaml:"from_address"`
	FromName       string `yaml:"from_name"`
	ToAddress      string `yaml:"to_address"`
}

// Enabled reports whether the e-mail notifier has everything it needs.
func (c Config) Enabled() bool {
	return c.SendGridAPIKey != "" && c.FromAddress != "" && c.ToAddress != ""
}

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGrid mails each result to a single operator address.
type SendGrid struct {
	cfg    Config
	client mailSender
	logger *slog.Logger
}

func NewSendGrid(cfg Config, logger *slog.Logger) *SendGrid {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGrid{cfg: cfg, client: sendgrid.NewSendClient(cfg.SendGridAPIKey), logger: logger}
}

func (s *SendGrid) Notify(ctx context.Context, task *persistence.Task, text string) error {
	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromAddress)
	to := mail.NewEmail("", s.cfg.ToAddress)
	subject := Subject(task)
	email := mail.NewSingleEmail(from, subject, to, text, "")
	resp, err := s.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", resp.StatusCode)
	}
	s.logger.Info("notification sent", "task_id", task.ID, "status", resp.StatusCode)
	return nil
}

// Log writes results to the logger. It is the fallback when no mail
// provider is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, task *persistence.Task, text string) error {
	l.logger.Info("task notification", "task_id", task.ID, "subject", Subject(task), "text", text)
	return nil
}

// Notifier delivers a result text for a task.
type Notifier interface {
	Notify(ctx context.Context, task *persistence.Task, text string) error
}

// New returns SendGrid when cfg is complete and Log otherwise.
func New(cfg Config, logger *slog.Logger) Notifier {
	if cfg.Enabled() {
		return NewSendGrid(cfg, logger)
	}
	return NewLog(logger)
}

// Subject names the task in a single line.
func Subject(task *persistence.Task) string {
	name := strings.TrimSpace(task.Definition.Name)
	if name == "" {
		name = task.ID
	}
	return "[clawtask] " + name
}
