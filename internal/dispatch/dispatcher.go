// Package dispatch sends the single reply a customer turn is allowed and
// records it against the inbound message that caused it.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/flightdesk-ai/internal/dedup"
	"github.com/wolfman30/flightdesk-ai/internal/gateway"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// DefaultDuplicateWindow is how long an identical reply to the same
// recipient is suppressed.
const DefaultDuplicateWindow = 30 * time.Second

// ErrDispatchFailure means neither the reply nor the apology went out.
var ErrDispatchFailure = errors.New("dispatch: reply and apology both failed")

var dispatchTracer = otel.Tracer("flightdesk.internal.dispatch")

// Outcome summarizes what a dispatch did.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeSilent     Outcome = "silent"
	OutcomeApologized Outcome = "apologized"
	OutcomeFailed     Outcome = "failed"
)

// Sender delivers text to a phone.
type Sender interface {
	SendText(ctx context.Context, phone, text string) (*gateway.SendResult, error)
}

// Ledger is the durable record of inbound claims and outbound sends.
type Ledger interface {
	InsertOutbound(ctx context.Context, msg messaging.OutboundMessage) (uuid.UUID, error)
	MarkCompleted(ctx context.Context, gatewayID, messageID string) error
	MarkFailed(ctx context.Context, gatewayID, messageID, reason string) error
}

// Observer receives dispatch outcomes.
type Observer interface {
	ObserveDispatch(outcome string)
	ObserveDispatchFailure()
}

// Reply is one turn's outbound text. Apology is sent only when Body fails.
type Reply struct {
	Inbound messaging.InboundMessage
	Body    string
	Apology string
}

// Result is returned for every dispatch, including failed ones.
type Result struct {
	Outcome           Outcome
	ProviderMessageID string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) { d.observer = obs }
}

// WithDuplicateWindow overrides DefaultDuplicateWindow.
func WithDuplicateWindow(window time.Duration) Option {
	return func(d *Dispatcher) {
		if window > 0 {
			d.window = window
		}
	}
}

// Dispatcher sends replies with recent-send suppression.
type Dispatcher struct {
	sender       Sender
	ledger       Ledger
	reservations dedup.Window
	window       time.Duration
	observer     Observer
	logger       *logging.Logger
}

func New(sender Sender, ledger Ledger, reservations dedup.Window, logger *logging.Logger, opts ...Option) *Dispatcher {
	if sender == nil {
		panic("dispatch: sender required")
	}
	if ledger == nil {
		panic("dispatch: ledger required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{
		sender:       sender,
		ledger:       ledger,
		reservations: reservations,
		window:       DefaultDuplicateWindow,
		logger:       logger.Component("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ReservationKey identifies a reply by recipient and exact content.
func ReservationKey(recipient, body string) string {
	sum := sha256.Sum256([]byte(body))
	return "dispatch:" + recipient + ":" + hex.EncodeToString(sum[:])
}

// Dispatch sends reply.Body to the inbound sender. The send is detached
// from ctx cancellation so an expiring turn never abandons a send that has
// already started.
func (d *Dispatcher) Dispatch(ctx context.Context, reply Reply) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := dispatchTracer.Start(ctx, "dispatch.reply")
	defer span.End()

	msg := reply.Inbound
	span.SetAttributes(attribute.String("dispatch.inbound", msg.Key()))
	body := strings.TrimSpace(reply.Body)
	if body == "" {
		d.complete(ctx, msg)
		return d.finish(span, Result{Outcome: OutcomeSilent}, nil)
	}

	key := ReservationKey(msg.SenderPhone, body)
	if d.reservations != nil {
		holder, fresh, err := d.reservations.Reserve(ctx, key, msg.Key(), d.window)
		switch {
		case err != nil:
			d.logger.Warn("reply reservation unavailable; sending without suppression",
				"error", err, "message_id", msg.MessageID)
		case !fresh && holder != msg.Key():
			d.logger.Debug("identical reply sent recently; suppressing",
				"message_id", msg.MessageID, "held_by", holder)
			d.complete(ctx, msg)
			return d.finish(span, Result{Outcome: OutcomeSuppressed}, nil)
		}
	}

	sent, sendErr := d.sender.SendText(ctx, msg.SenderPhone, body)
	if sendErr == nil {
		providerID := ""
		if sent != nil {
			providerID = sent.ID
		}
		d.record(ctx, msg, body, messaging.OutboundReply, providerID)
		d.complete(ctx, msg)
		return d.finish(span, Result{Outcome: OutcomeSent, ProviderMessageID: providerID}, nil)
	}

	span.RecordError(sendErr)
	d.logger.Warn("reply send failed; attempting apology", "error", sendErr, "message_id", msg.MessageID)
	if d.reservations != nil {
		if err := d.reservations.Forget(ctx, key); err != nil {
			d.logger.Warn("failed to release reply reservation", "error", err, "message_id", msg.MessageID)
		}
	}
	if err := d.ledger.MarkFailed(ctx, msg.GatewayID, msg.MessageID, sendErr.Error()); err != nil {
		d.logger.Error("failed to mark inbound failed", "error", err, "message_id", msg.MessageID)
	}

	apology := strings.TrimSpace(reply.Apology)
	if apology == "" {
		return d.fail(span, msg, sendErr, nil)
	}
	sent, apologyErr := d.sender.SendText(ctx, msg.SenderPhone, apology)
	if apologyErr != nil {
		return d.fail(span, msg, sendErr, apologyErr)
	}
	providerID := ""
	if sent != nil {
		providerID = sent.ID
	}
	d.record(ctx, msg, apology, messaging.OutboundApology, providerID)
	return d.finish(span, Result{Outcome: OutcomeApologized, ProviderMessageID: providerID}, nil)
}

func (d *Dispatcher) fail(span trace.Span, msg messaging.InboundMessage, sendErr, apologyErr error) (Result, error) {
	if d.observer != nil {
		d.observer.ObserveDispatchFailure()
	}
	d.logger.Error("reply and apology both failed",
		"message_id", msg.MessageID,
		"recipient", msg.SenderPhone,
		"send_error", sendErr,
		"apology_error", apologyErr,
	)
	err := fmt.Errorf("%w: %v", ErrDispatchFailure, errors.Join(sendErr, apologyErr))
	return d.finish(span, Result{Outcome: OutcomeFailed}, err)
}

func (d *Dispatcher) finish(span trace.Span, res Result, err error) (Result, error) {
	span.SetAttributes(attribute.String("dispatch.outcome", string(res.Outcome)))
	if err != nil {
		span.RecordError(err)
	}
	if d.observer != nil {
		d.observer.ObserveDispatch(string(res.Outcome))
	}
	return res, err
}

func (d *Dispatcher) record(ctx context.Context, msg messaging.InboundMessage, body string, kind messaging.OutboundKind, providerID string) {
	_, err := d.ledger.InsertOutbound(ctx, messaging.OutboundMessage{
		GatewayID:         msg.GatewayID,
		InboundMessageID:  msg.MessageID,
		Recipient:         msg.SenderPhone,
		Body:              body,
		Kind:              kind,
		ProviderMessageID: providerID,
		SentAt:            time.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn("failed to persist outbound message", "error", err, "message_id", msg.MessageID, "kind", kind)
	}
}

func (d *Dispatcher) complete(ctx context.Context, msg messaging.InboundMessage) {
	if err := d.ledger.MarkCompleted(ctx, msg.GatewayID, msg.MessageID); err != nil {
		d.logger.Warn("failed to mark inbound completed", "error", err, "message_id", msg.MessageID)
	}
}

// MarkFailed records a turn that ended before any reply could be composed.
func (d *Dispatcher) MarkFailed(ctx context.Context, msg messaging.InboundMessage, reason string) {
	if err := d.ledger.MarkFailed(context.WithoutCancel(ctx), msg.GatewayID, msg.MessageID, reason); err != nil {
		d.logger.Error("failed to mark inbound failed", "error", err, "message_id", msg.MessageID)
	}
}
