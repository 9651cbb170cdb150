// Package notify delivers escalation handoffs to agency staff and
// providers.
package notify

import (
	"context"
	"fmt"
	"html"
	"strconv"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// EmailSender delivers one handoff email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one handoff email. EscalationID and Level are carried
// as provider tags so staff inboxes can filter on them.
type EmailMessage struct {
	To           string
	ToName       string
	Subject      string
	Body         string
	EscalationID string
	Level        int
}

// tags returns the provider-side labels for a handoff email.
func (m EmailMessage) tags() map[string]string {
	out := map[string]string{"kind": "handoff"}
	if m.EscalationID != "" {
		out["escalation_id"] = m.EscalationID
	}
	if m.Level > 0 {
		out["level"] = strconv.Itoa(m.Level)
	}
	return out
}

// SendGridSender sends emails via the SendGrid API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

// SendGridConfig holds configuration for SendGrid. Endpoint overrides the
// API base URL.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	Endpoint  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = "FlightDesk"
	}
	client := sendgrid.NewSendClient(cfg.APIKey)
	if cfg.Endpoint != "" {
		client.BaseURL = cfg.Endpoint
	}
	return &SendGridSender{
		client:    client,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger.Component("notify"),
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	message := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.fromEmail),
		msg.Subject,
		mail.NewEmail(msg.ToName, msg.To),
		msg.Body,
		"<pre>"+html.EscapeString(msg.Body)+"</pre>",
	)
	message.AddCategories("handoff")
	for k, v := range msg.tags() {
		message.SetCustomArg(k, v)
	}

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		s.logger.Error("handoff email failed", "provider", "sendgrid", "error", err, "escalation_id", msg.EscalationID)
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("handoff email rejected", "provider", "sendgrid", "status", resp.StatusCode, "body", resp.Body, "escalation_id", msg.EscalationID)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}
	s.logger.Info("handoff email sent", "provider", "sendgrid", "escalation_id", msg.EscalationID, "status", resp.StatusCode)
	return nil
}

// StubEmailSender logs instead of sending. Used when no provider is set.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger.Component("notify")}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("handoff email skipped, no provider configured", "to", msg.To, "subject", msg.Subject, "escalation_id", msg.EscalationID)
	return nil
}
