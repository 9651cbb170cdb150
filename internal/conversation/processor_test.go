package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/flightdesk-ai/internal/dedup"
	"github.com/wolfman30/flightdesk-ai/internal/dispatch"
	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/internal/fsm"
	"github.com/wolfman30/flightdesk-ai/internal/intent"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
)

const searchText = "اريد رحلة من عدن الى القاهرة الخميس"

func TestNewCustomerFlightSearchAsksForPassengerCount(t *testing.T) {
	h := newHarness(t)

	res, err := h.proc.Process(context.Background(), inbound("m1", "+9670000001", searchText))
	require.NoError(t, err)

	assert.Equal(t, TurnProcessed, res.Outcome)
	assert.Equal(t, intent.KindSearchFlight, res.Intent.Kind)
	assert.Equal(t, intent.Entities{FromCity: "عدن", ToCity: "القاهرة", Date: "الخميس"}, res.Intent.Entities)
	assert.Equal(t, fsm.StateNew, res.Previous)
	assert.Equal(t, fsm.StateActiveBooking, res.Next)
	assert.Equal(t, fsm.ActionCollectFlightRequirements, res.Action)
	assert.Equal(t, dispatch.OutcomeSent, res.Dispatch)
	assert.Equal(t, []string{h.lex.Reply("ask_passenger_count", "ar")}, h.sender.texts())

	sess := h.session(t, "+9670000001")
	assert.Equal(t, fsm.StateActiveBooking, sess.State)
	assert.Equal(t, intent.FieldPassengerCount, sess.PendingField)
	assert.Equal(t, "ar", sess.Language)
	assert.Len(t, sess.History, 2)
	assert.Equal(t, messaging.StatusCompleted, h.ledger.status("m1"))
	require.Len(t, h.ledger.transitions, 1)
	assert.Equal(t, "collect_flight_requirements", h.ledger.transitions[0].Action)
}

func TestResendWithNewMessageIDIsSuppressed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.proc.Process(ctx, inbound("m1", "+9670000001", searchText))
	require.NoError(t, err)

	res, err := h.proc.Process(ctx, inbound("m2", "+9670000001", searchText))
	require.ErrorIs(t, err, dedup.ErrDuplicate)
	assert.Equal(t, TurnDuplicate, res.Outcome)
	assert.Len(t, h.sender.texts(), 1, "no second reply")
	assert.Equal(t, messaging.StatusSuppressed, h.ledger.status("m2"))
	assert.Len(t, h.session(t, "+9670000001").History, 2, "session untouched by the duplicate")
}

func TestProviderNoResponseEscalatesToAdmin(t *testing.T) {
	h := newHarness(t)
	phone := "+9670000002"
	h.registered(phone)
	h.seed(t, Session{
		CustomerPhone:        phone,
		State:                fsm.StateProblemReported,
		IsRegisteredCustomer: true,
		EscalationLevel:      1,
		ProblemText:          "الاسم غلط في التذكرة",
		Language:             "ar",
	})

	res, err := h.proc.Process(context.Background(), inbound("m1", phone, "لا شي حتى الان"))
	require.NoError(t, err)
	h.waitHandoffs(t)

	assert.Equal(t, intent.KindProviderNoResponse, res.Intent.Kind)
	assert.Equal(t, fsm.StateEscalated, res.Next)
	assert.Equal(t, fsm.ActionEscalateToEmergency, res.Action)
	assert.True(t, res.Escalation.Escalate)
	assert.Equal(t, []string{h.lex.Reply("escalate_to_emergency", "ar")}, h.sender.texts())

	records, err := h.escalations.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, escalation.TargetHumanAdmin, records[0].Target)
	assert.Equal(t, "FD-100", records[0].BookingRef)
	assert.Equal(t, "الاسم غلط في التذكرة", records[0].ProblemText)

	sess := h.session(t, phone)
	assert.Equal(t, fsm.StateEscalated, sess.State)
	assert.GreaterOrEqual(t, sess.EscalationLevel, 2)
	assert.False(t, sess.LastEscalatedAt.IsZero())
}

func TestEscalatedSessionWaitsWithoutDuplicateHandoff(t *testing.T) {
	h := newHarness(t)
	phone := "+9670000002"
	h.registered(phone)
	h.seed(t, Session{
		CustomerPhone:        phone,
		State:                fsm.StateEscalated,
		IsRegisteredCustomer: true,
		EscalationLevel:      2,
		LastEscalatedAt:      time.Now().Add(-time.Minute),
		LastEscalatedLevel:   2,
	})

	res, err := h.proc.Process(context.Background(), inbound("m1", phone, "hello?"))
	require.NoError(t, err)
	h.waitHandoffs(t)

	assert.Equal(t, fsm.ActionWaitHumanIntervention, res.Action)
	assert.True(t, res.Escalation.Suppressed)
	assert.Equal(t, []string{h.lex.Reply("wait_human_intervention", "en")}, h.sender.texts())
	records, _ := h.escalations.Recent(context.Background(), 10)
	assert.Empty(t, records)
}

func TestConcurrentDeliveriesReplyOnce(t *testing.T) {
	h := newHarness(t)
	msg := inbound("m1", "+9670000001", searchText)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		dupes    int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.proc.Process(context.Background(), msg)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, dedup.ErrDuplicate):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 11, dupes)
	assert.Len(t, h.sender.texts(), 1)
}

func TestSequentialRedeliveryIsDuplicate(t *testing.T) {
	h := newHarness(t)
	msg := inbound("m1", "+9670000001", "hello")

	_, err := h.proc.Process(context.Background(), msg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := h.proc.Process(context.Background(), msg)
		require.ErrorIs(t, err, dedup.ErrDuplicate)
	}
	assert.Len(t, h.sender.texts(), 1)
}

func TestBareNumberCompletesFlightDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+9670000001"

	_, err := h.proc.Process(ctx, inbound("m1", phone, searchText))
	require.NoError(t, err)
	res, err := h.proc.Process(ctx, inbound("m2", phone, "3"))
	require.NoError(t, err)

	assert.Equal(t, intent.SourceContext, res.Intent.Source)
	assert.Equal(t, fsm.ActionSearchAndPresent, res.Action)
	assert.Contains(t, res.Reply, "عدن")
	assert.Contains(t, res.Reply, "القاهرة")
	assert.Contains(t, res.Reply, "3")

	sess := h.session(t, phone)
	assert.Empty(t, sess.PendingField)
	assert.Equal(t, 3, sess.Draft.PassengerCount)
}

func TestUnregisteredSenderNeverReceivesBookingData(t *testing.T) {
	h := newHarness(t)
	booking := h.registered("+9670000002")
	ctx := context.Background()

	// Same conversation shapes from a number the directory does not know.
	phone := "+9670000099"
	texts := []string{"send my ticket please", "my ticket", "problem with my ticket", "change my booking", "no response"}
	for i, text := range texts {
		res, err := h.proc.Process(ctx, inbound("u"+string(rune('a'+i)), phone, text))
		require.NoError(t, err)
		assert.NotContains(t, res.Reply, booking.TicketNumber)
		assert.NotContains(t, res.Reply, booking.Ref)
		assert.NotContains(t, res.Reply, booking.Provider.Name)
	}
	h.waitHandoffs(t)
	for _, text := range h.sender.texts() {
		assert.False(t, strings.Contains(text, booking.TicketNumber), "ticket leaked in %q", text)
	}
	assert.False(t, h.session(t, phone).IsRegisteredCustomer)
}

func TestUnregisteredTicketRequestAsksToVerify(t *testing.T) {
	h := newHarness(t)

	res, err := h.proc.Process(context.Background(), inbound("m1", "+9670000099", "send my ticket please"))
	require.NoError(t, err)
	assert.Equal(t, intent.KindRequestTicket, res.Intent.Kind)
	assert.Equal(t, fsm.ActionNoAction, res.Action)
	assert.Equal(t, h.lex.Reply("verify_identity", "en"), res.Reply)
}

func TestRegisteredFirstContactGetsTicket(t *testing.T) {
	h := newHarness(t)
	phone := "+9670000002"
	booking := h.registered(phone)

	res, err := h.proc.Process(context.Background(), inbound("m1", phone, "send my ticket please"))
	require.NoError(t, err)

	assert.Equal(t, fsm.StateReturning, res.Previous, "registered customers with bookings start as returning")
	assert.Equal(t, fsm.ActionSendTicket, res.Action)
	assert.Contains(t, res.Reply, booking.TicketNumber)
	assert.Contains(t, res.Reply, booking.Ref)
	sess := h.session(t, phone)
	assert.True(t, sess.IsRegisteredCustomer)
	assert.Equal(t, booking.Ref, sess.ActiveBookingRef)
}

func TestProviderActionableProblemRoutesToProvider(t *testing.T) {
	h := newHarness(t)
	phone := "+9670000002"
	h.registered(phone)
	h.seed(t, Session{CustomerPhone: phone, State: fsm.StateReturning, IsRegisteredCustomer: true})

	res, err := h.proc.Process(context.Background(), inbound("m1", phone, "اريد تغيير الحجز"))
	require.NoError(t, err)
	h.waitHandoffs(t)

	assert.Equal(t, intent.KindChangeBooking, res.Intent.Kind)
	assert.Equal(t, escalation.TargetProvider, res.Escalation.Target)
	assert.Contains(t, res.Reply, "Yemenia Partners")

	records, _ := h.escalations.Recent(context.Background(), 10)
	require.Len(t, records, 1)
	assert.Equal(t, escalation.TargetProvider, records[0].Target)
	assert.Equal(t, "ops@partner.example", records[0].ProviderEmail)
	assert.Equal(t, "اريد تغيير الحجز", records[0].ProblemText)
}

func TestEmergencyEscalatesImmediately(t *testing.T) {
	h := newHarness(t)

	res, err := h.proc.Process(context.Background(), inbound("m1", "+9670000005", "emergency, I am stranded"))
	require.NoError(t, err)
	h.waitHandoffs(t)

	assert.Equal(t, intent.KindEmergency, res.Intent.Kind)
	assert.Equal(t, escalation.TargetHumanAdmin, res.Escalation.Target)
	assert.Equal(t, h.lex.Reply("escalate_to_emergency", "en"), res.Reply)
	records, _ := h.escalations.Recent(context.Background(), 10)
	require.Len(t, records, 1)
	assert.True(t, records[0].Urgent)
}

func TestSendFailureApologizesOnce(t *testing.T) {
	h := newHarness(t)
	h.sender.failures = 1

	res, err := h.proc.Process(context.Background(), inbound("m1", "+9670000001", "hello"))
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeApologized, res.Dispatch)
	assert.Equal(t, []string{h.lex.Reply("apology", "en")}, h.sender.texts())
	assert.Equal(t, messaging.StatusFailed, h.ledger.status("m1"))
}

func TestDoubleSendFailureIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.sender.failures = 2

	res, err := h.proc.Process(context.Background(), inbound("m1", "+9670000001", "hello"))
	require.ErrorIs(t, err, dispatch.ErrDispatchFailure)
	assert.Equal(t, TurnFailed, res.Outcome)
	assert.Empty(t, h.sender.texts())
}

// conflictOnce simulates another instance saving between our load and
// save.
type conflictOnce struct {
	*MemorySessionStore
	mu       sync.Mutex
	tripped  bool
	conflict func(Session) Session
}

func (s *conflictOnce) Save(ctx context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	trip := !s.tripped && s.conflict != nil
	if trip {
		s.tripped = true
	}
	s.mu.Unlock()
	if trip {
		current, _, _ := s.MemorySessionStore.Load(ctx, sess.CustomerPhone)
		if _, err := s.MemorySessionStore.Save(ctx, s.conflict(current)); err != nil {
			return Session{}, err
		}
		return Session{}, ErrSessionConflict
	}
	return s.MemorySessionStore.Save(ctx, sess)
}

func TestSessionConflictReappliesTurn(t *testing.T) {
	store := &conflictOnce{MemorySessionStore: NewMemorySessionStore()}
	h := newHarness(t, withSessions(store))
	phone := "+9670000001"
	h.seed(t, Session{CustomerPhone: phone, State: fsm.StateNew})
	store.conflict = func(s Session) Session {
		s.Language = "ar"
		return s
	}

	res, err := h.proc.Process(context.Background(), inbound("m1", phone, "book a flight from aden to cairo"))
	require.NoError(t, err)
	assert.Equal(t, TurnProcessed, res.Outcome)

	sess := h.session(t, phone)
	assert.Equal(t, fsm.StateActiveBooking, sess.State)
	assert.Equal(t, int64(3), sess.Version)
	assert.Equal(t, "عدن", sess.Draft.FromCity)
	assert.Len(t, sess.History, 2)
}

func TestSessionConflictNeverLeavesEscalated(t *testing.T) {
	store := &conflictOnce{MemorySessionStore: NewMemorySessionStore()}
	h := newHarness(t, withSessions(store))
	phone := "+9670000001"
	h.seed(t, Session{CustomerPhone: phone, State: fsm.StateNew})
	store.conflict = func(s Session) Session {
		s.State = fsm.StateEscalated
		s.EscalationLevel = 2
		return s
	}

	res, err := h.proc.Process(context.Background(), inbound("m1", phone, "book a flight from aden to cairo"))
	require.NoError(t, err)
	assert.Equal(t, fsm.StateEscalated, res.Previous)
	assert.Equal(t, fsm.StateEscalated, res.Next)
	assert.Equal(t, fsm.ActionWaitHumanIntervention, res.Action)

	sess := h.session(t, phone)
	assert.Equal(t, fsm.StateEscalated, sess.State)
	assert.Equal(t, 2, sess.EscalationLevel)
	assert.Empty(t, sess.PendingField)
	assert.Empty(t, sess.Draft.FromCity)

	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	require.Len(t, h.ledger.transitions, 1)
	assert.Equal(t, string(fsm.StateEscalated), h.ledger.transitions[0].Next)
	assert.Equal(t, string(fsm.ActionWaitHumanIntervention), h.ledger.transitions[0].Action)
}

func TestHighEscalationLevelHandsOffOutsideEscalatedState(t *testing.T) {
	h := newHarness(t)
	phone := "+9670000002"
	h.registered(phone)
	h.seed(t, Session{
		CustomerPhone:        phone,
		State:                fsm.StateReturning,
		IsRegisteredCustomer: true,
		EscalationLevel:      2,
	})

	res, err := h.proc.Process(context.Background(), inbound("m1", phone, "hello"))
	require.NoError(t, err)
	h.waitHandoffs(t)

	assert.Equal(t, fsm.StateReturning, res.Next)
	assert.True(t, res.Escalation.Escalate)
	assert.Equal(t, escalation.TargetHumanAdmin, res.Escalation.Target)
	assert.Equal(t, escalation.TriggerLevel, res.Escalation.Trigger)
	assert.Len(t, h.sender.texts(), 1)

	records, err := h.escalations.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, escalation.TargetHumanAdmin, records[0].Target)
	assert.Equal(t, "FD-100", records[0].BookingRef)

	sess := h.session(t, phone)
	assert.Equal(t, fsm.StateReturning, sess.State)
	assert.False(t, sess.LastEscalatedAt.IsZero())
}

type failingSessions struct{ MemorySessionStore }

func (*failingSessions) Load(context.Context, string) (Session, bool, error) {
	return Session{}, false, errors.New("redis down")
}

func TestSessionLoadFailureMarksInboundFailed(t *testing.T) {
	h := newHarness(t, withSessions(&failingSessions{}))

	res, err := h.proc.Process(context.Background(), inbound("m1", "+9670000001", "hello"))
	require.Error(t, err)
	assert.Equal(t, TurnFailed, res.Outcome)
	assert.Empty(t, h.sender.texts())
	assert.Equal(t, messaging.StatusFailed, h.ledger.status("m1"))
}

func TestReleaseSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := "+9670000002"
	h.seed(t, Session{
		CustomerPhone:        phone,
		State:                fsm.StateEscalated,
		IsRegisteredCustomer: true,
		EscalationLevel:      3,
		ProblemText:          "stuck",
	})

	sess, err := h.proc.ReleaseSession(ctx, "+967 000 0002")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateReturning, sess.State)
	assert.Zero(t, sess.EscalationLevel)
	assert.Empty(t, sess.ProblemText)

	_, err = h.proc.ReleaseSession(ctx, phone)
	assert.ErrorIs(t, err, ErrNotEscalated)
	_, err = h.proc.ReleaseSession(ctx, "+9670000077")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReleaseUnregisteredReturnsToNew(t *testing.T) {
	h := newHarness(t)
	h.seed(t, Session{CustomerPhone: "+9670000003", State: fsm.StateEscalated, EscalationLevel: 2})

	sess, err := h.proc.ReleaseSession(context.Background(), "+9670000003")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateNew, sess.State)
}

func TestInteractionMemoryLearnsLanguage(t *testing.T) {
	h := newHarness(t)

	_, err := h.proc.Process(context.Background(), inbound("m1", "+9670000001", searchText))
	require.NoError(t, err)

	learned, ok := h.memory.Get("+9670000001")
	require.True(t, ok)
	assert.Equal(t, "ar", learned.Language)
	assert.Equal(t, intent.KindSearchFlight, learned.LastIntent)
	assert.Equal(t, 1, learned.Turns)
}

func TestAdmissionOutcome(t *testing.T) {
	assert.Equal(t, TurnProcessed, AdmissionOutcome(nil))
	assert.Equal(t, TurnDuplicate, AdmissionOutcome(&dedup.DuplicateError{Reason: dedup.ReasonContent}))
	assert.Equal(t, TurnUnavailable, AdmissionOutcome(errors.Join(dedup.ErrStoreUnavailable, errors.New("pg"))))
	assert.Equal(t, TurnFailed, AdmissionOutcome(errors.New("boom")))
}
