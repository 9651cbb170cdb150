package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/flightdesk-ai/internal/intent"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		state  State
		kind   intent.Kind
		ctx    Context
		next   State
		action Action
	}{
		{StateNew, intent.KindSearchFlight, Context{}, StateActiveBooking, ActionCollectFlightRequirements},
		{StateNew, intent.KindRequestTicket, Context{HasPriorBookings: true}, StateReturning, ActionFetchLatestTicket},
		{StateNew, intent.KindGeneralInquiry, Context{}, StateNew, ActionRespondGeneral},
		{StateReturning, intent.KindRequestTicket, Context{}, StateReturning, ActionSendTicket},
		{StateReturning, intent.KindReportProblem, Context{}, StateProblemReported, ActionIdentifyProblem},
		{StateReturning, intent.KindSearchFlight, Context{}, StateActiveBooking, ActionCollectFlightRequirements},
		{StateActiveBooking, intent.KindCompleteBooking, Context{}, StateActiveBooking, ActionFinalizeBooking},
		{StateActiveBooking, intent.KindSearchFlight, Context{}, StateActiveBooking, ActionSearchAndPresent},
		{StateProblemReported, intent.KindProviderNoResponse, Context{}, StateEscalated, ActionEscalateToEmergency},
		{StateProblemReported, intent.KindChangeBooking, Context{}, StateProblemReported, ActionRouteToProvider},
	}
	for _, tt := range tests {
		t.Run(string(tt.state)+"/"+string(tt.kind), func(t *testing.T) {
			got := Transition(tt.state, tt.kind, tt.ctx)
			assert.Equal(t, Result{Previous: tt.state, Next: tt.next, Action: tt.action, Reason: tt.kind}, got)
		})
	}
}

func TestTicketRequestWithoutPriorBookingsIsNoAction(t *testing.T) {
	got := Transition(StateNew, intent.KindRequestTicket, Context{})
	assert.Equal(t, StateNew, got.Next)
	assert.Equal(t, ActionNoAction, got.Action)
	assert.False(t, got.Changed())
}

func TestEscalatedAbsorbsEveryIntent(t *testing.T) {
	for _, kind := range intent.Kinds() {
		got := Transition(StateEscalated, kind, Context{HasPriorBookings: true})
		assert.Equal(t, StateEscalated, got.Next, kind)
		assert.Equal(t, ActionWaitHumanIntervention, got.Action, kind)
	}
}

func TestTransitionIsTotal(t *testing.T) {
	listed := 0
	for _, state := range States() {
		for _, kind := range intent.Kinds() {
			for _, ctx := range []Context{{}, {HasPriorBookings: true}} {
				got := Transition(state, kind, ctx)
				_, err := ParseState(string(got.Next))
				require.NoError(t, err)
				assert.Equal(t, state, got.Previous)
				assert.Equal(t, kind, got.Reason)

				if _, ok := table[key{state, kind}]; ok || state == StateEscalated {
					continue
				}
				if state == StateNew && kind == intent.KindRequestTicket && ctx.HasPriorBookings {
					continue
				}
				assert.Equal(t, state, got.Next, "%s/%s", state, kind)
				assert.Equal(t, ActionNoAction, got.Action, "%s/%s", state, kind)
				listed++
			}
		}
	}
	assert.Positive(t, listed)
}

func TestTransitionIsDeterministic(t *testing.T) {
	first := Transition(StateReturning, intent.KindReportProblem, Context{})
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Transition(StateReturning, intent.KindReportProblem, Context{}))
	}
}

func TestNextEscalationLevel(t *testing.T) {
	assert.Equal(t, 2, NextEscalationLevel(0, intent.KindProviderNoResponse, ActionEscalateToEmergency))
	assert.Equal(t, 4, NextEscalationLevel(3, intent.KindProviderNoResponse, ActionEscalateToEmergency))
	assert.Equal(t, 2, NextEscalationLevel(0, intent.KindEmergency, ActionNoAction))
	assert.Equal(t, 1, NextEscalationLevel(0, intent.KindReportProblem, ActionIdentifyProblem))
	assert.Equal(t, 1, NextEscalationLevel(1, intent.KindReportProblem, ActionIdentifyProblem))
	assert.Equal(t, 1, NextEscalationLevel(1, intent.KindSearchFlight, ActionSearchAndPresent))
	assert.Equal(t, 0, NextEscalationLevel(-3, intent.KindGeneralInquiry, ActionRespondGeneral))
}

func TestParseState(t *testing.T) {
	st, err := ParseState("problem_reported")
	require.NoError(t, err)
	assert.Equal(t, StateProblemReported, st)

	_, err = ParseState("archived")
	assert.Error(t, err)
}

func TestAccessPolicy(t *testing.T) {
	for _, state := range States() {
		p := AccessPolicy(state, false, "BK-1")
		assert.False(t, p.RevealTicket, state)
		assert.False(t, p.RevealProvider, state)
	}

	assert.True(t, AccessPolicy(StateReturning, true, "").RevealTicket)
	assert.True(t, AccessPolicy(StateProblemReported, true, "").RevealTicket)
	assert.False(t, AccessPolicy(StateActiveBooking, true, "BK-1").RevealTicket)
	assert.False(t, AccessPolicy(StateNew, true, "BK-1").RevealTicket)
	assert.True(t, AccessPolicy(StateNew, true, "BK-1").RevealProvider)
	assert.False(t, AccessPolicy(StateReturning, true, "").RevealProvider)
}

func TestRelease(t *testing.T) {
	assert.Equal(t, StateReturning, Release(true))
	assert.Equal(t, StateNew, Release(false))
}
