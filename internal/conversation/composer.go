package conversation

import (
	"fmt"
	"strings"

	"github.com/wolfman30/flightdesk-ai/internal/directory"
	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/internal/fsm"
	"github.com/wolfman30/flightdesk-ai/internal/intent"
	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
)

// Template keys understood by the composer.
const (
	replyVerifyIdentity  = "verify_identity"
	replyNoBooking       = "no_booking"
	replyTicketPending   = "ticket_pending"
	replyClarify         = "clarify"
	replyApology         = "apology"
	replyProviderGeneric = "route_to_provider_generic"
)

var askTemplates = map[string]string{
	intent.FieldFromCity:       "ask_from",
	intent.FieldToCity:         "ask_to",
	intent.FieldDate:           "ask_date",
	intent.FieldPassengerCount: "ask_passenger_count",
}

// ReplyInput is everything that may shape one reply. Session must already
// carry the post-transition state and merged draft.
type ReplyInput struct {
	Action   fsm.Action
	Intent   intent.Intent
	Session  Session
	Profile  directory.Profile
	Decision escalation.Decision
}

// Composed is a reply body plus the requirement it asks for, if any.
type Composed struct {
	Body         string
	Template     string
	PendingField string
}

// Composer turns an action into reply text from the lexicon's templates.
// Booking data only reaches the text after fsm.AccessPolicy allows it.
type Composer struct {
	lex *lexicon.Lexicon
}

func NewComposer(lex *lexicon.Lexicon) *Composer {
	if lex == nil {
		panic("conversation: lexicon cannot be nil")
	}
	return &Composer{lex: lex}
}

// Apology is the generic text sent when the turn reply cannot be sent.
func (c *Composer) Apology(lang string) string {
	return c.lex.Reply(replyApology, lang)
}

func (c *Composer) Compose(in ReplyInput) Composed {
	lang := in.Intent.Language
	if lang == "" {
		lang = in.Session.Language
	}
	sess := in.Session
	policy := fsm.AccessPolicy(sess.State, sess.IsRegisteredCustomer, sess.ActiveBookingRef)

	switch in.Action {
	case fsm.ActionCollectFlightRequirements, fsm.ActionSearchAndPresent, fsm.ActionFinalizeBooking:
		return c.requirements(in.Action, sess.Draft, lang)
	case fsm.ActionSendTicket, fsm.ActionFetchLatestTicket:
		return c.ticket(policy, sess, in.Profile, lang)
	case fsm.ActionRouteToProvider:
		return c.provider(policy, sess, in.Profile, lang)
	case fsm.ActionIdentifyProblem, fsm.ActionEscalateToEmergency, fsm.ActionWaitHumanIntervention:
		return c.template(string(in.Action), lang, nil)
	}

	// respond_general and no_action: an escalation decided this turn or a
	// ticket request that fell through the table still get a useful answer.
	switch {
	case in.Decision.Escalate && in.Decision.Target == escalation.TargetHumanAdmin:
		return c.template(string(fsm.ActionEscalateToEmergency), lang, nil)
	case in.Decision.Escalate && in.Decision.Target == escalation.TargetProvider:
		return c.provider(policy, sess, in.Profile, lang)
	case in.Intent.Kind == intent.KindRequestTicket:
		return c.ticket(policy, sess, in.Profile, lang)
	case in.Intent.NeedsClarification:
		return c.template(replyClarify, lang, nil)
	case in.Action == fsm.ActionRespondGeneral:
		return c.template(string(fsm.ActionRespondGeneral), lang, nil)
	}
	return c.template(string(fsm.ActionNoAction), lang, nil)
}

func (c *Composer) requirements(action fsm.Action, draft intent.Entities, lang string) Composed {
	if missing := draft.Missing(); len(missing) > 0 {
		out := c.template(askTemplates[missing[0]], lang, nil)
		out.PendingField = missing[0]
		return out
	}
	key := string(fsm.ActionSearchAndPresent)
	if action == fsm.ActionFinalizeBooking {
		key = string(fsm.ActionFinalizeBooking)
	}
	return c.template(key, lang, map[string]string{
		"from":       draft.FromCity,
		"to":         draft.ToCity,
		"date":       draft.Date,
		"passengers": fmt.Sprint(draft.PassengerCount),
	})
}

func (c *Composer) ticket(policy fsm.Policy, sess Session, profile directory.Profile, lang string) Composed {
	if !policy.RevealTicket {
		if !sess.IsRegisteredCustomer {
			return c.template(replyVerifyIdentity, lang, nil)
		}
		return c.template(replyNoBooking, lang, nil)
	}
	booking, ok := currentBooking(sess, profile)
	if !ok {
		return c.template(replyNoBooking, lang, nil)
	}
	vars := map[string]string{
		"booking_ref": booking.Ref,
		"route":       booking.Route(),
		"status":      string(booking.Status),
	}
	if booking.Status != directory.StatusIssued || booking.TicketNumber == "" {
		return c.template(replyTicketPending, lang, vars)
	}
	vars["ticket"] = booking.TicketNumber
	return c.template(string(fsm.ActionSendTicket), lang, vars)
}

func (c *Composer) provider(policy fsm.Policy, sess Session, profile directory.Profile, lang string) Composed {
	if policy.RevealProvider {
		if booking, ok := profile.Find(sess.ActiveBookingRef); ok && booking.Provider.Name != "" {
			return c.template(string(fsm.ActionRouteToProvider), lang, map[string]string{
				"provider": booking.Provider.Name,
			})
		}
	}
	return c.template(replyProviderGeneric, lang, nil)
}

func (c *Composer) template(key, lang string, vars map[string]string) Composed {
	tpl := c.lex.Reply(key, lang)
	if len(vars) > 0 {
		pairs := make([]string, 0, len(vars)*2)
		for k, v := range vars {
			pairs = append(pairs, "{"+k+"}", v)
		}
		tpl = strings.NewReplacer(pairs...).Replace(tpl)
	}
	return Composed{Body: tpl, Template: key}
}

// currentBooking prefers the session's active booking, then the newest
// active one, then the newest of any status.
func currentBooking(sess Session, profile directory.Profile) (directory.Booking, bool) {
	if sess.ActiveBookingRef != "" {
		if b, ok := profile.Find(sess.ActiveBookingRef); ok {
			return b, true
		}
	}
	if b, ok := profile.LatestActive(); ok {
		return b, true
	}
	return profile.Latest()
}
