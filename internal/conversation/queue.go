package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
)

type queueClient interface {
	Send(ctx context.Context, item queueItem) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// queueItem is one outgoing turn. GroupID keeps a customer's turns in
// order on FIFO queues; DedupID lets the queue drop a republished turn.
type queueItem struct {
	Body    string
	GroupID string
	DedupID string
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// queuePayload is one admitted turn waiting for a worker.
type queuePayload struct {
	ID          string                   `json:"id"`
	Message     messaging.InboundMessage `json:"message"`
	TrackStatus bool                     `json:"track_status"`
	EnqueuedAt  time.Time                `json:"enqueued_at"`
}

type PublishOption func(*queuePayload)

// WithoutJobTracking disables job status persistence for fire-and-forget work.
func WithoutJobTracking() PublishOption {
	return func(p *queuePayload) {
		p.TrackStatus = false
	}
}

func itemFor(payload queuePayload, body string) queueItem {
	sum := sha256.Sum256([]byte(payload.Message.Key()))
	return queueItem{
		Body:    body,
		GroupID: messaging.Digits(payload.Message.SenderPhone),
		DedupID: hex.EncodeToString(sum[:]),
	}
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	if payload.EnqueuedAt.IsZero() {
		payload.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}
	return payload, string(body), nil
}
