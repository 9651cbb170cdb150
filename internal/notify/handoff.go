package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/internal/gateway"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// WhatsAppSender sends a text to a phone through the messaging gateway.
type WhatsAppSender interface {
	SendText(ctx context.Context, phone, text string) (*gateway.SendResult, error)
}

// Contact is a provider's handoff address, overriding what the booking
// carries.
type Contact struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// HandoffConfig lists where handoffs go.
type HandoffConfig struct {
	AdminPhones []string
	AdminEmail  string
	// ProviderContacts is keyed by provider name.
	ProviderContacts map[string]Contact
}

// HandoffNotifier fans a handoff out to WhatsApp, email and the live feed.
// It implements escalation.Notifier.
type HandoffNotifier struct {
	whatsapp WhatsAppSender
	email    EmailSender
	feed     *LiveFeed
	cfg      HandoffConfig
	logger   *logging.Logger
}

func NewHandoffNotifier(whatsapp WhatsAppSender, email EmailSender, feed *LiveFeed, cfg HandoffConfig, logger *logging.Logger) *HandoffNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &HandoffNotifier{
		whatsapp: whatsapp,
		email:    email,
		feed:     feed,
		cfg:      cfg,
		logger:   logger.Component("notify"),
	}
}

type route struct {
	channel string
	address string
}

func (n *HandoffNotifier) routes(rec escalation.Record) []route {
	var out []route
	if rec.Target == escalation.TargetProvider {
		phone, email := rec.ProviderPhone, rec.ProviderEmail
		if c, ok := n.cfg.ProviderContacts[rec.ProviderName]; ok {
			if c.Phone != "" {
				phone = c.Phone
			}
			if c.Email != "" {
				email = c.Email
			}
		}
		if phone != "" && n.whatsapp != nil {
			out = append(out, route{"whatsapp", phone})
		}
		if email != "" && n.email != nil {
			out = append(out, route{"email", email})
		}
	}
	// Admins are the fallback when a provider cannot be reached.
	if rec.Target == escalation.TargetHumanAdmin || len(out) == 0 {
		if n.whatsapp != nil {
			for _, phone := range n.cfg.AdminPhones {
				if phone = strings.TrimSpace(phone); phone != "" {
					out = append(out, route{"whatsapp", phone})
				}
			}
		}
		if n.cfg.AdminEmail != "" && n.email != nil {
			out = append(out, route{"email", n.cfg.AdminEmail})
		}
	}
	if n.feed != nil {
		out = append(out, route{"feed", ""})
	}
	return out
}

// Channels names each route as "channel" or "channel:address".
func (n *HandoffNotifier) Channels(rec escalation.Record) []string {
	routes := n.routes(rec)
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		if r.address == "" {
			out = append(out, r.channel)
			continue
		}
		out = append(out, r.channel+":"+r.address)
	}
	return out
}

// Notify attempts every route and joins the failures.
func (n *HandoffNotifier) Notify(ctx context.Context, rec escalation.Record) error {
	var errs []error
	for _, r := range n.routes(rec) {
		var err error
		switch r.channel {
		case "whatsapp":
			_, err = n.whatsapp.SendText(ctx, r.address, rec.PayloadText)
		case "email":
			err = n.email.Send(ctx, EmailMessage{
				To:           r.address,
				Subject:      subjectFor(rec),
				Body:         rec.PayloadText,
				EscalationID: escalationID(rec),
				Level:        rec.Level,
			})
		case "feed":
			n.feed.Broadcast(rec)
		}
		if err != nil {
			n.logger.Error("handoff channel failed", "channel", r.channel, "error", err, "escalation_id", rec.ID)
			errs = append(errs, fmt.Errorf("notify: %s: %w", r.channel, err))
		}
	}
	return errors.Join(errs...)
}

func escalationID(rec escalation.Record) string {
	if rec.ID == uuid.Nil {
		return ""
	}
	return rec.ID.String()
}

func subjectFor(rec escalation.Record) string {
	prefix := ""
	if rec.Urgent {
		prefix = "[URGENT] "
	}
	if rec.BookingRef != "" {
		return fmt.Sprintf("%sHandoff for booking %s (%s)", prefix, rec.BookingRef, rec.Reason)
	}
	return fmt.Sprintf("%sHandoff for %s (%s)", prefix, rec.CustomerPhone, rec.Reason)
}

var _ escalation.Notifier = (*HandoffNotifier)(nil)
