package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/flightdesk-ai/internal/config"
	"github.com/wolfman30/flightdesk-ai/internal/gateway"
	"github.com/wolfman30/flightdesk-ai/internal/notify"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// BuildGateway creates the WhatsApp gateway client used for replies and
// staff handoffs.
func BuildGateway(cfg *appconfig.Config, logger *logging.Logger) (*gateway.Client, error) {
	rps := cfg.GatewaySendRPS
	burst := 1
	if rps > 1 {
		burst = int(rps)
	}
	return gateway.New(gateway.Config{
		BaseURL:       cfg.GatewayBaseURL,
		APIKey:        cfg.GatewayAPIKey,
		Session:       cfg.GatewaySession,
		RatePerSecond: rps,
		Burst:         burst,
		Logger:        logger,
		UserAgent:     "flightdesk-ai",
	})
}

// BuildEmailSender prefers SendGrid, then SES, and otherwise logs emails
// through the stub sender.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.EmailSender, string) {
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		return sg, "sendgrid"
	}
	if strings.TrimSpace(cfg.SESFromEmail) != "" && awsCfg != nil {
		if ses := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); ses != nil {
			return ses, "ses"
		}
	}
	return notify.NewStubEmailSender(logger), "stub"
}

// BuildNotifier fans handoffs out over WhatsApp, email and the live feed.
func BuildNotifier(cfg *appconfig.Config, whatsapp notify.WhatsAppSender, email notify.EmailSender, feed *notify.LiveFeed, logger *logging.Logger) (*notify.HandoffNotifier, error) {
	contacts, err := cfg.ProviderContacts()
	if err != nil {
		return nil, err
	}
	providerContacts := make(map[string]notify.Contact, len(contacts))
	for name, c := range contacts {
		providerContacts[name] = notify.Contact{Phone: c.Phone, Email: c.Email}
	}
	return notify.NewHandoffNotifier(whatsapp, email, feed, notify.HandoffConfig{
		AdminPhones:      cfg.EscalationAdminPhone,
		AdminEmail:       cfg.EscalationEmail,
		ProviderContacts: providerContacts,
	}, logger), nil
}
