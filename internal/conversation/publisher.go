package conversation

import (
	"context"
	"fmt"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// Publisher enqueues admitted turns for the conversation workers.
type Publisher struct {
	queue  queueClient
	logger *logging.Logger
}

func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger.Component("publisher")}
}

// Enqueue publishes one turn. Job status is tracked unless an option
// turns it off.
func (p *Publisher) Enqueue(ctx context.Context, jobID string, msg messaging.InboundMessage, opts ...PublishOption) error {
	payload := queuePayload{ID: jobID, Message: msg, TrackStatus: true}
	for _, opt := range opts {
		opt(&payload)
	}
	payload, body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if err := p.queue.Send(ctx, itemFor(payload, body)); err != nil {
		return fmt.Errorf("conversation: failed to enqueue job: %w", err)
	}
	p.logger.Debug("conversation job enqueued", "job_id", payload.ID, "message_id", msg.MessageID)
	return nil
}
