// Package fsm holds the conversation state machine. Everything here is
// pure: callers apply side effects based on the returned Action.
package fsm

import (
	"fmt"

	"github.com/wolfman30/flightdesk-ai/internal/intent"
)

// State is the conversation state of one customer.
type State string

const (
	StateNew             State = "new"
	StateReturning       State = "returning"
	StateActiveBooking   State = "active_booking"
	StateProblemReported State = "problem_reported"
	StateEscalated       State = "escalated"
)

var states = []State{StateNew, StateReturning, StateActiveBooking, StateProblemReported, StateEscalated}

// States lists every defined state.
func States() []State {
	out := make([]State, len(states))
	copy(out, states)
	return out
}

// ParseState validates a persisted state value. Unknown values are an
// error so a corrupted session never drives a transition.
func ParseState(s string) (State, error) {
	for _, st := range states {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("fsm: unknown state %q", s)
}

// Action is the side effect the caller should perform for a turn.
type Action string

const (
	ActionCollectFlightRequirements Action = "collect_flight_requirements"
	ActionFetchLatestTicket         Action = "fetch_latest_ticket"
	ActionRespondGeneral            Action = "respond_general"
	ActionSendTicket                Action = "send_ticket"
	ActionIdentifyProblem           Action = "identify_problem"
	ActionFinalizeBooking           Action = "finalize_booking"
	ActionSearchAndPresent          Action = "search_and_present"
	ActionEscalateToEmergency       Action = "escalate_to_emergency"
	ActionRouteToProvider           Action = "route_to_provider"
	ActionWaitHumanIntervention     Action = "wait_human_intervention"
	ActionNoAction                  Action = "no_action"
)

// Context carries the facts a transition may depend on.
type Context struct {
	HasPriorBookings bool
}

// Result is the audit record of one transition.
type Result struct {
	Previous State
	Next     State
	Action   Action
	Reason   intent.Kind
}

// Changed reports whether the transition moved the session.
func (r Result) Changed() bool {
	return r.Previous != r.Next
}

type edge struct {
	next   State
	action Action
}

type key struct {
	state State
	kind  intent.Kind
}

var table = map[key]edge{
	{StateNew, intent.KindSearchFlight}:                   {StateActiveBooking, ActionCollectFlightRequirements},
	{StateNew, intent.KindGeneralInquiry}:                 {StateNew, ActionRespondGeneral},
	{StateReturning, intent.KindRequestTicket}:            {StateReturning, ActionSendTicket},
	{StateReturning, intent.KindReportProblem}:            {StateProblemReported, ActionIdentifyProblem},
	{StateReturning, intent.KindSearchFlight}:             {StateActiveBooking, ActionCollectFlightRequirements},
	{StateActiveBooking, intent.KindCompleteBooking}:      {StateActiveBooking, ActionFinalizeBooking},
	{StateActiveBooking, intent.KindSearchFlight}:         {StateActiveBooking, ActionSearchAndPresent},
	{StateProblemReported, intent.KindProviderNoResponse}: {StateEscalated, ActionEscalateToEmergency},
	{StateProblemReported, intent.KindChangeBooking}:      {StateProblemReported, ActionRouteToProvider},
}

// Transition maps (state, intent, context) to the next state and action.
// Pairs outside the table leave the state unchanged with no_action.
func Transition(current State, kind intent.Kind, ctx Context) Result {
	res := Result{Previous: current, Next: current, Action: ActionNoAction, Reason: kind}

	switch {
	case current == StateEscalated:
		res.Action = ActionWaitHumanIntervention
		return res
	case current == StateNew && kind == intent.KindRequestTicket:
		if ctx.HasPriorBookings {
			res.Next = StateReturning
			res.Action = ActionFetchLatestTicket
		}
		return res
	}

	if e, ok := table[key{current, kind}]; ok {
		res.Next = e.next
		res.Action = e.action
	}
	return res
}

// NextEscalationLevel folds a turn into the session's escalation level.
// Only emergencies and problem handling raise it; nothing lowers it except
// a human release.
func NextEscalationLevel(level int, kind intent.Kind, action Action) int {
	if level < 0 {
		level = 0
	}
	switch {
	case action == ActionEscalateToEmergency:
		return max(level+1, 2)
	case kind == intent.KindEmergency:
		return level + 2
	case action == ActionIdentifyProblem:
		return max(level, 1)
	}
	return level
}

// Release is the state a human release returns an escalated session to.
func Release(registered bool) State {
	if registered {
		return StateReturning
	}
	return StateNew
}

// Policy is what a reply for the current turn may reveal.
type Policy struct {
	RevealTicket   bool
	RevealProvider bool
}

// AccessPolicy derives disclosure rights from session facts. Reply text is
// built only after consulting it, whatever the transition returned.
func AccessPolicy(state State, registered bool, activeBookingRef string) Policy {
	return Policy{
		RevealTicket:   registered && (state == StateReturning || state == StateProblemReported),
		RevealProvider: registered && activeBookingRef != "",
	}
}
