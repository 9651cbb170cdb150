package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/flightdesk-ai/internal/dedup"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
)

type stubProcessor struct {
	stubHandler
	admitErr  error
	mu        sync.Mutex
	abandoned []string
}

func (s *stubProcessor) Admit(context.Context, messaging.InboundMessage) error { return s.admitErr }
func (s *stubProcessor) Wait(context.Context) error                            { return nil }

func (s *stubProcessor) Abandon(_ context.Context, msg messaging.InboundMessage, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = append(s.abandoned, msg.MessageID+":"+reason)
}

type failingQueue struct{ MemoryQueue }

func (failingQueue) Send(context.Context, queueItem) error { return errors.New("queue offline") }

func receive(t *testing.T, ch <-chan TurnResult) TurnResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turn result")
		return TurnResult{}
	}
}

func TestInlineRunnerSettlesJob(t *testing.T) {
	h := newHarness(t)
	jobs := NewMemoryJobStore()
	runner := NewInlineRunner(h.proc, jobs, quietLogger())

	ch, err := runner.Submit(context.Background(), inbound("m1", "+967 700 000 111", "I want to book a flight"))
	require.NoError(t, err)
	res := receive(t, ch)
	assert.Equal(t, TurnProcessed, res.Outcome)
	require.NoError(t, runner.Wait(context.Background()))

	assert.Equal(t, messaging.StatusCompleted, h.ledger.status("m1"))
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Len(t, jobs.jobs, 1)
	for _, job := range jobs.jobs {
		assert.Equal(t, JobStatusCompleted, job.Status)
		assert.Equal(t, "+967700000111", job.SenderPhone)
		assert.Equal(t, string(TurnProcessed), job.Outcome)
	}
}

func TestInlineRunnerRejectsDuplicatesSynchronously(t *testing.T) {
	h := newHarness(t)
	runner := NewInlineRunner(h.proc, nil, quietLogger())

	first, err := runner.Submit(context.Background(), inbound("m1", "+967700000111", "hello"))
	require.NoError(t, err)
	_, err = runner.Submit(context.Background(), inbound("m1", "+967700000111", "hello"))
	assert.ErrorIs(t, err, dedup.ErrDuplicate)
	assert.Equal(t, TurnDuplicate, AdmissionOutcome(err))

	receive(t, first)
	require.NoError(t, runner.Wait(context.Background()))
	assert.Len(t, h.sender.texts(), 1)
}

func TestInlineRunnerRecoversPanics(t *testing.T) {
	proc := &stubProcessor{stubHandler: stubHandler{panic: true}}
	jobs := NewMemoryJobStore()
	runner := NewInlineRunner(proc, jobs, quietLogger())

	ch, err := runner.Submit(context.Background(), inbound("m1", "+9670000001", "hi"))
	require.NoError(t, err)
	assert.Equal(t, TurnFailed, receive(t, ch).Outcome)
	require.NoError(t, runner.Wait(context.Background()))

	for _, job := range jobs.jobs {
		assert.Equal(t, JobStatusFailed, job.Status)
	}
}

func TestQueueRunnerPublishesAdmittedTurns(t *testing.T) {
	proc := &stubProcessor{}
	queue := NewMemoryQueue(4)
	jobs := NewMemoryJobStore()
	runner := NewQueueRunner(proc, NewPublisher(queue, quietLogger()), jobs, quietLogger())

	ch, err := runner.Submit(context.Background(), inbound("m1", "+9670000001", "hi"))
	require.NoError(t, err)
	assert.Equal(t, TurnQueued, receive(t, ch).Outcome)
	assert.Equal(t, 1, queue.Len())
	assert.Equal(t, 0, proc.count(), "queue runner must not run the turn inline")
	assert.Len(t, jobs.jobs, 1)
}

func TestQueueRunnerAbandonsOnEnqueueFailure(t *testing.T) {
	proc := &stubProcessor{}
	runner := NewQueueRunner(proc, NewPublisher(&failingQueue{}, quietLogger()), nil, quietLogger())

	_, err := runner.Submit(context.Background(), inbound("m1", "+9670000001", "hi"))
	assert.ErrorIs(t, err, ErrEnqueue)
	assert.Equal(t, []string{"m1:enqueue failed"}, proc.abandoned)
}

func TestQueueRunnerSurfacesAdmissionErrors(t *testing.T) {
	proc := &stubProcessor{admitErr: dedup.ErrStoreUnavailable}
	queue := NewMemoryQueue(1)
	runner := NewQueueRunner(proc, NewPublisher(queue, quietLogger()), nil, quietLogger())

	_, err := runner.Submit(context.Background(), inbound("m1", "+9670000001", "hi"))
	assert.ErrorIs(t, err, dedup.ErrStoreUnavailable)
	assert.Equal(t, TurnUnavailable, AdmissionOutcome(err))
	assert.Zero(t, queue.Len())
}
