package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// TurnHandler runs the turn of an already admitted message.
type TurnHandler interface {
	Handle(ctx context.Context, msg messaging.InboundMessage) (TurnResult, error)
}

// Worker consumes queued turns and runs them.
type Worker struct {
	handler TurnHandler
	queue   queueClient
	jobs    JobUpdater
	logger  *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

func NewWorker(handler TurnHandler, queue queueClient, jobs JobUpdater, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if handler == nil {
		panic("conversation: turn handler cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if jobs == nil {
		panic("conversation: job store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		handler: handler,
		queue:   queue,
		jobs:    jobs,
		logger:  logger.Component("worker"),
		cfg:     cfg,
	}
}

// Start launches the consumer goroutines. They stop when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("failed to receive conversation jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

// handleMessage always deletes the queue message. The inbound row is
// already claimed and the processor starts each turn at most once, so a
// redelivered job settles as a duplicate without touching its job record.
func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	defer w.deleteMessage(context.Background(), msg.ReceiptHandle)

	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode conversation job", "error", err, "queue_message_id", msg.ID)
		return
	}
	w.logger.Debug("worker processing job",
		"job_id", payload.ID,
		"message_id", payload.Message.MessageID,
		"queued_for", time.Since(payload.EnqueuedAt).String(),
	)

	res, err := w.handle(ctx, payload.Message)
	if res.Outcome == TurnDuplicate && err == nil {
		w.logger.Info("skipping redelivered conversation job", "job_id", payload.ID, "message_id", payload.Message.MessageID)
		return
	}
	if !payload.TrackStatus {
		return
	}
	settle(ctx, w.jobs, w.logger, payload.ID, res, err)
}

func (w *Worker) handle(ctx context.Context, msg messaging.InboundMessage) (res TurnResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("conversation job panicked", "panic", r, "message_id", msg.MessageID)
			res = TurnResult{MessageID: msg.MessageID, Outcome: TurnFailed}
			err = errors.New("conversation: job panicked")
		}
	}()
	return w.handler.Handle(ctx, msg)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete conversation job", "error", err)
	}
}

// settle writes the final job status. It runs detached from ctx so a
// shutting-down worker still records the outcome of a finished turn.
func settle(ctx context.Context, jobs JobUpdater, logger *logging.Logger, jobID string, res TurnResult, err error) {
	if jobs == nil || jobID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		logger.Error("conversation job failed", "error", err, "job_id", jobID)
		if storeErr := jobs.MarkFailed(ctx, jobID, err.Error()); storeErr != nil {
			logger.Error("failed to update job status", "error", storeErr, "job_id", jobID)
		}
		return
	}
	if storeErr := jobs.MarkCompleted(ctx, jobID, res.Outcome); storeErr != nil {
		logger.Error("failed to update job status", "error", storeErr, "job_id", jobID)
	}
}
