package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/flightdesk-ai/internal/conversation"
	"github.com/wolfman30/flightdesk-ai/internal/dedup"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

var webhookTracer = otel.Tracer("flightdesk.internal.webhook")

const (
	DefaultAckBudget    = 1500 * time.Millisecond
	DefaultMaxBodyBytes = 1 << 20
	DefaultGatewayID    = "default"

	eventMessage = "message"

	outcomeInvalid = "invalid"
)

// Submitter hands an inbound message to the conversation core.
type Submitter interface {
	Submit(ctx context.Context, msg messaging.InboundMessage) (<-chan conversation.TurnResult, error)
}

// Metrics is the slice of messaging metrics the ingestor records.
type Metrics interface {
	ObserveInbound(eventType, outcome string)
	ObserveUnsigned()
	ObserveWebhookLatency(eventType string, seconds float64)
}

// Config tunes the ingestor.
type Config struct {
	DefaultGatewayID string
	AckBudget        time.Duration
	MaxBodyBytes     int64
}

// Ingestor serves POST /webhook.
type Ingestor struct {
	verifier  *Verifier
	submitter Submitter
	metrics   Metrics
	logger    *logging.Logger
	cfg       Config
	now       func() time.Time
}

// Delivery is the gateway's webhook envelope.
type Delivery struct {
	Event   string         `json:"event"`
	Session string         `json:"session,omitempty"`
	Payload MessagePayload `json:"payload"`
}

// MessagePayload is the message body of a "message" event.
type MessagePayload struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe,omitempty"`
}

// Ack is the response body returned to the gateway.
type Ack struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Outcome   string `json:"outcome"`
}

func NewIngestor(verifier *Verifier, submitter Submitter, metrics Metrics, logger *logging.Logger, cfg Config) *Ingestor {
	if verifier == nil {
		panic("webhook: verifier cannot be nil")
	}
	if submitter == nil {
		panic("webhook: submitter cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.AckBudget <= 0 {
		cfg.AckBudget = DefaultAckBudget
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.DefaultGatewayID) == "" {
		cfg.DefaultGatewayID = DefaultGatewayID
	}
	return &Ingestor{
		verifier:  verifier,
		submitter: submitter,
		metrics:   metrics,
		logger:    logger.Component("webhook"),
		cfg:       cfg,
		now:       time.Now,
	}
}

func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := webhookTracer.Start(r.Context(), "webhook.inbound")
	defer span.End()
	start := i.now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.cfg.MaxBodyBytes))
	if err != nil {
		i.logger.Warn("failed to read webhook body", "error", err)
		i.respond(w, "unknown", start, Ack{Status: "ok", Outcome: outcomeInvalid})
		return
	}

	trust, err := i.verifier.Verify(body, r.Header.Get(SignatureHeader))
	if err != nil {
		i.logger.Warn("rejected webhook", "error", err)
		span.RecordError(err)
		i.observe("unknown", "unauthorized", start)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if trust == TrustUnsigned {
		i.logger.Info("accepted unsigned webhook")
		if i.metrics != nil {
			i.metrics.ObserveUnsigned()
		}
	}

	var delivery Delivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		i.logger.Warn("malformed webhook payload", "error", err)
		i.respond(w, "unknown", start, Ack{Status: "ok", Outcome: outcomeInvalid})
		return
	}
	event := strings.TrimSpace(delivery.Event)
	if event == "" {
		event = "unknown"
	}
	span.SetAttributes(
		attribute.String("webhook.event", event),
		attribute.String("webhook.trust", string(trust)),
		attribute.String("webhook.message_id", delivery.Payload.ID),
	)

	msg, ok := i.inbound(delivery)
	if !ok {
		i.logger.Debug("ignoring webhook", "event", event, "message_id", delivery.Payload.ID, "from_me", delivery.Payload.FromMe)
		i.respond(w, event, start, Ack{Status: "ok", MessageID: delivery.Payload.ID, Outcome: string(conversation.TurnIgnored)})
		return
	}

	outcome := i.submit(ctx, msg)
	i.respond(w, event, start, Ack{Status: "ok", MessageID: msg.MessageID, Outcome: string(outcome)})
}

// inbound converts a delivery into a message, or reports that it should
// be acknowledged and ignored.
func (i *Ingestor) inbound(d Delivery) (messaging.InboundMessage, bool) {
	if d.Event != eventMessage || d.Payload.FromMe {
		return messaging.InboundMessage{}, false
	}
	p := d.Payload
	phone := messaging.NormalizeE164(p.From)
	text := strings.TrimSpace(p.Body)
	if strings.TrimSpace(p.ID) == "" || phone == "" || text == "" {
		return messaging.InboundMessage{}, false
	}
	gatewayID := strings.TrimSpace(d.Session)
	if gatewayID == "" {
		gatewayID = i.cfg.DefaultGatewayID
	}
	received := i.now().UTC()
	if p.Timestamp > 0 {
		received = time.Unix(p.Timestamp, 0).UTC()
	}
	return messaging.InboundMessage{
		GatewayID:   gatewayID,
		MessageID:   strings.TrimSpace(p.ID),
		SenderPhone: phone,
		Text:        text,
		ReceivedAt:  received,
	}, true
}

// submit runs admission synchronously and waits for the turn up to the ack
// budget. A slow turn keeps running after the response is written.
func (i *Ingestor) submit(ctx context.Context, msg messaging.InboundMessage) (outcome conversation.TurnOutcome) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("webhook submit panicked", "panic", r, "message_id", msg.MessageID)
			outcome = conversation.TurnFailed
		}
	}()

	results, err := i.submitter.Submit(ctx, msg)
	if err != nil {
		outcome = conversation.AdmissionOutcome(err)
		switch {
		case errors.Is(err, dedup.ErrDuplicate):
			i.logger.Debug("duplicate webhook acknowledged", "message_id", msg.MessageID, "error", err)
		case errors.Is(err, dedup.ErrStoreUnavailable):
			i.logger.Warn("store unavailable; message left for retry", "message_id", msg.MessageID, "error", err)
		default:
			i.logger.Error("failed to submit turn", "message_id", msg.MessageID, "error", err)
		}
		return outcome
	}

	timer := time.NewTimer(i.cfg.AckBudget)
	defer timer.Stop()
	select {
	case res, ok := <-results:
		if !ok {
			return conversation.TurnFailed
		}
		return res.Outcome
	case <-timer.C:
		i.logger.Debug("ack budget elapsed; turn continues", "message_id", msg.MessageID)
		return conversation.TurnDeferred
	}
}

func (i *Ingestor) respond(w http.ResponseWriter, event string, start time.Time, ack Ack) {
	i.observe(event, ack.Outcome, start)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ack)
}

func (i *Ingestor) observe(event, outcome string, start time.Time) {
	if i.metrics == nil {
		return
	}
	i.metrics.ObserveInbound(event, outcome)
	i.metrics.ObserveWebhookLatency(event, i.now().Sub(start).Seconds())
}
