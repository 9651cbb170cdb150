package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// Runner accepts inbound messages from the webhook. Submit admits the
// message synchronously and returns a channel that yields exactly one
// TurnResult once the turn is over (or handed to a queue).
type Runner interface {
	Submit(ctx context.Context, msg messaging.InboundMessage) (<-chan TurnResult, error)
	Wait(ctx context.Context) error
}

// TurnProcessor is the part of Processor the runners drive.
type TurnProcessor interface {
	TurnHandler
	Admit(ctx context.Context, msg messaging.InboundMessage) error
	Abandon(ctx context.Context, msg messaging.InboundMessage, reason string)
	Wait(ctx context.Context) error
}

var _ TurnProcessor = (*Processor)(nil)

// InlineRunner runs every admitted turn on its own tracked goroutine in
// this process.
type InlineRunner struct {
	processor TurnProcessor
	jobs      JobTracker
	logger    *logging.Logger
	wg        sync.WaitGroup
}

var _ Runner = (*InlineRunner)(nil)

// NewInlineRunner builds a runner. jobs is optional; when set every turn
// gets a job record settled on completion.
func NewInlineRunner(processor TurnProcessor, jobs JobTracker, logger *logging.Logger) *InlineRunner {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &InlineRunner{processor: processor, jobs: jobs, logger: logger.Component("runner")}
}

func (r *InlineRunner) Submit(ctx context.Context, msg messaging.InboundMessage) (<-chan TurnResult, error) {
	msg.SenderPhone = messaging.NormalizeE164(msg.SenderPhone)
	if err := r.processor.Admit(ctx, msg); err != nil {
		return nil, err
	}
	jobID := r.track(ctx, msg)

	out := make(chan TurnResult, 1)
	turnCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(out)
		var (
			res TurnResult
			err error
		)
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("turn panicked", "panic", p, "message_id", msg.MessageID)
					res = TurnResult{MessageID: msg.MessageID, Outcome: TurnFailed}
					err = fmt.Errorf("conversation: turn panicked: %v", p)
				}
			}()
			res, err = r.processor.Handle(turnCtx, msg)
		}()
		if err != nil {
			r.logger.Error("turn failed", "error", err, "message_id", msg.MessageID)
		}
		settle(turnCtx, r.jobs, r.logger, jobID, res, err)
		out <- res
	}()
	return out, nil
}

func (r *InlineRunner) track(ctx context.Context, msg messaging.InboundMessage) string {
	if r.jobs == nil {
		return ""
	}
	job := &JobRecord{
		JobID:       uuid.NewString(),
		GatewayID:   msg.GatewayID,
		MessageID:   msg.MessageID,
		SenderPhone: msg.SenderPhone,
	}
	if err := r.jobs.PutPending(ctx, job); err != nil {
		r.logger.Warn("failed to record job; turn runs untracked", "error", err, "message_id", msg.MessageID)
		return ""
	}
	return job.JobID
}

// Wait blocks until in-flight turns and their handoffs finish or ctx ends.
func (r *InlineRunner) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.processor.Wait(ctx)
}

// QueueRunner admits turns and publishes them for cmd/conversation-worker.
type QueueRunner struct {
	processor TurnProcessor
	publisher *Publisher
	jobs      JobRecorder
	logger    *logging.Logger
}

var _ Runner = (*QueueRunner)(nil)

func NewQueueRunner(processor TurnProcessor, publisher *Publisher, jobs JobRecorder, logger *logging.Logger) *QueueRunner {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if publisher == nil {
		panic("conversation: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &QueueRunner{processor: processor, publisher: publisher, jobs: jobs, logger: logger.Component("runner")}
}

func (r *QueueRunner) Submit(ctx context.Context, msg messaging.InboundMessage) (<-chan TurnResult, error) {
	msg.SenderPhone = messaging.NormalizeE164(msg.SenderPhone)
	if err := r.processor.Admit(ctx, msg); err != nil {
		return nil, err
	}
	jobID := uuid.NewString()
	var opts []PublishOption
	if r.jobs == nil {
		opts = append(opts, WithoutJobTracking())
	} else if err := r.jobs.PutPending(ctx, &JobRecord{
		JobID:       jobID,
		GatewayID:   msg.GatewayID,
		MessageID:   msg.MessageID,
		SenderPhone: msg.SenderPhone,
	}); err != nil {
		r.logger.Warn("failed to record job; publishing untracked", "error", err, "message_id", msg.MessageID)
		opts = append(opts, WithoutJobTracking())
	}

	if err := r.publisher.Enqueue(ctx, jobID, msg, opts...); err != nil {
		r.processor.Abandon(ctx, msg, "enqueue failed")
		return nil, fmt.Errorf("conversation: queue turn: %w", errors.Join(ErrEnqueue, err))
	}
	out := make(chan TurnResult, 1)
	out <- TurnResult{MessageID: msg.MessageID, Outcome: TurnQueued}
	close(out)
	return out, nil
}

// Wait is a no-op: queued turns finish on the workers.
func (r *QueueRunner) Wait(context.Context) error {
	return nil
}

// ErrEnqueue marks a turn that was admitted but could not be queued.
var ErrEnqueue = errors.New("conversation: enqueue failed")
