package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var storeTracer = otel.Tracer("flightdesk.internal.messaging.store")

// ErrNotFound is returned when an inbound message was never recorded.
var ErrNotFound = errors.New("messaging: message not found")

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the durable source of truth for whether a message has been
// claimed or answered.
type Store struct {
	pool rowQuerier
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("messaging: pgx pool required")
	}
	return &Store{pool: pool}
}

func newStoreWithExec(exec rowQuerier) *Store {
	if exec == nil {
		panic("messaging: exec required")
	}
	return &Store{pool: exec}
}

// RecordInbound persists a message in the received state. It returns false
// when the message was already recorded.
func (s *Store) RecordInbound(ctx context.Context, msg InboundMessage) (bool, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO inbound_messages (gateway_id, message_id, sender_phone, body, received_at, status)
		VALUES ($1, $2, $3, $4, $5, 'received')
		ON CONFLICT (gateway_id, message_id) DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, msg.GatewayID, msg.MessageID, msg.SenderPhone, msg.Text, msg.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("messaging: record inbound: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Status returns the durable state of a message.
func (s *Store) Status(ctx context.Context, gatewayID, messageID string) (Status, error) {
	query := `SELECT status FROM inbound_messages WHERE gateway_id = $1 AND message_id = $2`
	var status string
	if err := s.pool.QueryRow(ctx, query, gatewayID, messageID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("messaging: load status: %w", err)
	}
	return Status(status), nil
}

// Claim atomically moves a received message to processing. Exactly one
// caller system-wide gets true for a given message.
func (s *Store) Claim(ctx context.Context, gatewayID, messageID string) (bool, error) {
	ctx, span := storeTracer.Start(ctx, "messaging.claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.gateway_id", gatewayID),
		attribute.String("messaging.message_id", messageID),
	)

	query := `
		UPDATE inbound_messages
		SET status = 'processing', claimed_at = now()
		WHERE gateway_id = $1 AND message_id = $2 AND status = 'received'
	`
	ct, err := s.pool.Exec(ctx, query, gatewayID, messageID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("messaging: claim: %w", err)
	}
	claimed := ct.RowsAffected() == 1
	span.SetAttributes(attribute.Bool("messaging.claimed", claimed))
	return claimed, nil
}

// StartTurn marks a claimed message's turn as started. Only the first
// caller gets true, so a redelivered queue job cannot run the turn again.
func (s *Store) StartTurn(ctx context.Context, gatewayID, messageID string) (bool, error) {
	query := `
		UPDATE inbound_messages
		SET turn_started_at = now()
		WHERE gateway_id = $1 AND message_id = $2
		  AND status = 'processing' AND turn_started_at IS NULL
	`
	ct, err := s.pool.Exec(ctx, query, gatewayID, messageID)
	if err != nil {
		return false, fmt.Errorf("messaging: start turn: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkSuppressed retires an unclaimed message that duplicated recent
// content from the same sender.
func (s *Store) MarkSuppressed(ctx context.Context, gatewayID, messageID string) error {
	query := `
		UPDATE inbound_messages
		SET status = 'suppressed', completed_at = now()
		WHERE gateway_id = $1 AND message_id = $2 AND status = 'received'
	`
	if _, err := s.pool.Exec(ctx, query, gatewayID, messageID); err != nil {
		return fmt.Errorf("messaging: mark suppressed: %w", err)
	}
	return nil
}

// MarkCompleted records that the turn's reply went out.
func (s *Store) MarkCompleted(ctx context.Context, gatewayID, messageID string) error {
	query := `
		UPDATE inbound_messages
		SET status = 'completed', completed_at = now()
		WHERE gateway_id = $1 AND message_id = $2 AND status = 'processing'
	`
	if _, err := s.pool.Exec(ctx, query, gatewayID, messageID); err != nil {
		return fmt.Errorf("messaging: mark completed: %w", err)
	}
	return nil
}

// MarkFailed leaves the message claimed so it is never reprocessed
// automatically.
func (s *Store) MarkFailed(ctx context.Context, gatewayID, messageID, reason string) error {
	query := `
		UPDATE inbound_messages
		SET status = 'failed', last_error = $3, completed_at = now()
		WHERE gateway_id = $1 AND message_id = $2 AND status = 'processing'
	`
	if _, err := s.pool.Exec(ctx, query, gatewayID, messageID, reason); err != nil {
		return fmt.Errorf("messaging: mark failed: %w", err)
	}
	return nil
}

// InsertOutbound appends a sent reply to the outbound log.
func (s *Store) InsertOutbound(ctx context.Context, msg OutboundMessage) (uuid.UUID, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = OutboundReply
	}
	query := `
		INSERT INTO outbound_messages (
			id, gateway_id, inbound_message_id, recipient, body, kind,
			provider_message_id, sent_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`
	_, err := s.pool.Exec(ctx, query,
		msg.ID, msg.GatewayID, msg.InboundMessageID, msg.Recipient, msg.Body, string(msg.Kind),
		msg.ProviderMessageID, msg.SentAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("messaging: insert outbound: %w", err)
	}
	return msg.ID, nil
}

// RecordTransition appends a turn's audit row.
func (s *Store) RecordTransition(ctx context.Context, rec TransitionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO conversation_transitions (
			gateway_id, message_id, customer_phone, previous_state, next_state,
			action, reason, confidence, source, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.GatewayID, rec.MessageID, rec.CustomerPhone, rec.Previous, rec.Next,
		rec.Action, rec.Reason, rec.Confidence, rec.Source, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("messaging: record transition: %w", err)
	}
	return nil
}
