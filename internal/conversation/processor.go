package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/flightdesk-ai/internal/dedup"
	"github.com/wolfman30/flightdesk-ai/internal/directory"
	"github.com/wolfman30/flightdesk-ai/internal/dispatch"
	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/internal/fsm"
	"github.com/wolfman30/flightdesk-ai/internal/intent"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const DefaultTurnTimeout = 8 * time.Second

var (
	// ErrSessionNotFound is returned when releasing a phone with no session.
	ErrSessionNotFound = errors.New("conversation: session not found")
	// ErrNotEscalated is returned when releasing a session that is not
	// waiting on a human.
	ErrNotEscalated = errors.New("conversation: session is not escalated")
)

// TurnOutcome summarises what happened to one inbound message.
type TurnOutcome string

const (
	TurnProcessed   TurnOutcome = "processed"
	TurnDuplicate   TurnOutcome = "duplicate"
	TurnUnavailable TurnOutcome = "unavailable"
	TurnFailed      TurnOutcome = "failed"
	TurnQueued      TurnOutcome = "queued"
	TurnDeferred    TurnOutcome = "deferred"
	TurnIgnored     TurnOutcome = "ignored"
)

// AdmissionOutcome maps an Admit error onto the outcome reported to the
// gateway.
func AdmissionOutcome(err error) TurnOutcome {
	switch {
	case err == nil:
		return TurnProcessed
	case errors.Is(err, dedup.ErrDuplicate):
		return TurnDuplicate
	case errors.Is(err, dedup.ErrStoreUnavailable):
		return TurnUnavailable
	}
	return TurnFailed
}

// TurnResult describes one processed turn.
type TurnResult struct {
	MessageID  string
	Outcome    TurnOutcome
	Previous   fsm.State
	Next       fsm.State
	Action     fsm.Action
	Intent     intent.Intent
	Reply      string
	Template   string
	Dispatch   dispatch.Outcome
	Escalation escalation.Decision
}

// Admitter decides whether a message may be processed.
type Admitter interface {
	Admit(ctx context.Context, msg messaging.InboundMessage) error
}

// IntentClassifier classifies one customer message.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, cctx intent.Context) intent.Intent
}

// ReplyDispatcher sends the single reply of a turn.
type ReplyDispatcher interface {
	Dispatch(ctx context.Context, reply dispatch.Reply) (dispatch.Result, error)
	MarkFailed(ctx context.Context, msg messaging.InboundMessage, reason string)
}

// Escalator decides on and performs handoffs.
type Escalator interface {
	Evaluate(c escalation.Case) escalation.Decision
	EscalateAsync(ctx context.Context, c escalation.Case, d escalation.Decision, done func(escalation.Record, error))
	Wait(ctx context.Context) error
}

// TransitionRecorder appends the audit row for a turn.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, rec messaging.TransitionRecord) error
}

// TurnStarter marks the turn of a claimed message as started. It reports
// false when the turn already ran, as happens when a queued job is
// delivered again.
type TurnStarter interface {
	StartTurn(ctx context.Context, gatewayID, messageID string) (bool, error)
}

// Observer receives turn-level metrics.
type Observer interface {
	ObserveTransition(from, to, action string)
	ObserveTurn(outcome string, seconds float64)
}

// Deps are the collaborators of a Processor. Escalations, Transitions,
// Turns, Directory and Memory are optional.
type Deps struct {
	Guard       Admitter
	Sessions    SessionStore
	Directory   directory.Directory
	Classifier  IntentClassifier
	Composer    *Composer
	Dispatcher  ReplyDispatcher
	Escalations Escalator
	Transitions TransitionRecorder
	Turns       TurnStarter
	Memory      *InteractionMemory
}

type ProcessorOption func(*Processor)

func WithTurnTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.turnTimeout = d
		}
	}
}

func WithHistoryWindow(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.historyWindow = n
		}
	}
}

func WithTurnObserver(obs Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = obs
	}
}

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// Processor runs the turn pipeline: admit, load the session, classify,
// transition, reply, hand off and persist. Turns for the same phone are
// serialized by a keyed lock; the session is always re-read after the lock
// is taken.
type Processor struct {
	guard       Admitter
	sessions    SessionStore
	directory   directory.Directory
	classifier  IntentClassifier
	composer    *Composer
	dispatcher  ReplyDispatcher
	escalations Escalator
	transitions TransitionRecorder
	turns       TurnStarter
	memory      *InteractionMemory
	locker      *KeyedLocker
	observer    Observer
	events      *EventLogger
	logger      *logging.Logger
	tracer      trace.Tracer

	turnTimeout   time.Duration
	historyWindow int
	now           func() time.Time
}

func NewProcessor(deps Deps, logger *logging.Logger, opts ...ProcessorOption) *Processor {
	if deps.Guard == nil {
		panic("conversation: dedup guard cannot be nil")
	}
	if deps.Sessions == nil {
		panic("conversation: session store cannot be nil")
	}
	if deps.Classifier == nil {
		panic("conversation: classifier cannot be nil")
	}
	if deps.Composer == nil {
		panic("conversation: composer cannot be nil")
	}
	if deps.Dispatcher == nil {
		panic("conversation: dispatcher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.Component("conversation")
	p := &Processor{
		guard:         deps.Guard,
		sessions:      deps.Sessions,
		directory:     deps.Directory,
		classifier:    deps.Classifier,
		composer:      deps.Composer,
		dispatcher:    deps.Dispatcher,
		escalations:   deps.Escalations,
		transitions:   deps.Transitions,
		turns:         deps.Turns,
		memory:        deps.Memory,
		locker:        NewKeyedLocker(),
		events:        NewEventLogger(logger),
		logger:        logger,
		tracer:        otel.Tracer("flightdesk.internal.conversation"),
		turnTimeout:   DefaultTurnTimeout,
		historyWindow: DefaultHistoryWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process admits msg and, if it is the first delivery, runs its turn.
func (p *Processor) Process(ctx context.Context, msg messaging.InboundMessage) (TurnResult, error) {
	msg.SenderPhone = messaging.NormalizeE164(msg.SenderPhone)
	if err := p.Admit(ctx, msg); err != nil {
		return TurnResult{MessageID: msg.MessageID, Outcome: AdmissionOutcome(err)}, err
	}
	return p.Handle(ctx, msg)
}

// Admit runs the dedup guard. Callers that queue turns admit on receipt
// and call Handle later.
func (p *Processor) Admit(ctx context.Context, msg messaging.InboundMessage) error {
	err := p.guard.Admit(ctx, msg)
	if err == nil {
		return nil
	}
	var dup *dedup.DuplicateError
	switch {
	case errors.As(err, &dup):
		p.events.Duplicate(ctx, msg.SenderPhone, msg.MessageID, string(dup.Reason))
	case errors.Is(err, dedup.ErrStoreUnavailable):
		p.logger.Warn("message left unclaimed; store unavailable", "error", err, "message_id", msg.MessageID)
	}
	p.observeTurn(AdmissionOutcome(err), p.now())
	return err
}

// Handle runs the turn for an admitted message.
func (p *Processor) Handle(ctx context.Context, msg messaging.InboundMessage) (res TurnResult, err error) {
	start := p.now()
	msg.SenderPhone = messaging.NormalizeE164(msg.SenderPhone)
	ctx, span := p.tracer.Start(ctx, "conversation.turn")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.message_id", msg.MessageID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("conversation: turn panicked: %v", r)
			p.logger.Error("turn panicked", "panic", r, "message_id", msg.MessageID)
			p.dispatcher.MarkFailed(ctx, msg, "panic")
			res = TurnResult{MessageID: msg.MessageID, Outcome: TurnFailed}
		}
		if err != nil {
			span.RecordError(err)
			p.events.ErrorOccurred(ctx, msg.SenderPhone, msg.MessageID, string(res.Outcome), err)
		}
		p.observeTurn(res.Outcome, start)
	}()

	ctx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	defer cancel()

	unlock := p.locker.Lock(msg.SenderPhone)
	defer unlock()

	started, err := p.startTurn(ctx, msg)
	if err != nil {
		return TurnResult{MessageID: msg.MessageID, Outcome: TurnUnavailable}, err
	}
	if !started {
		p.events.Duplicate(ctx, msg.SenderPhone, msg.MessageID, "turn_already_started")
		return TurnResult{MessageID: msg.MessageID, Outcome: TurnDuplicate}, nil
	}

	p.events.MessageReceived(ctx, msg.SenderPhone, msg.MessageID, msg.Text)
	sess, existed, err := p.sessions.Load(ctx, msg.SenderPhone)
	if err != nil {
		p.dispatcher.MarkFailed(ctx, msg, "session unavailable")
		return TurnResult{MessageID: msg.MessageID, Outcome: TurnFailed}, fmt.Errorf("conversation: load session: %w", err)
	}

	now := p.now().UTC()
	turn := &turnMutation{text: msg.Text, at: now}
	profile, fresh := p.lookup(ctx, msg.SenderPhone)
	if fresh {
		turn.profileFresh = true
		turn.registered = profile.Registered()
		if turn.registered {
			if b, ok := profile.LatestActive(); ok {
				turn.activeRef = b.Ref
			}
		}
		if !existed && turn.registered && profile.HasPriorBookings() {
			sess.State = fsm.StateReturning
		}
	}
	if !fresh {
		turn.registered = sess.IsRegisteredCustomer
		turn.activeRef = sess.ActiveBookingRef
	}
	turn.applyProfile(&sess)

	in := p.classifier.Classify(ctx, msg.Text, p.intentContext(sess))
	p.events.Classified(ctx, msg.SenderPhone, msg.MessageID, string(in.Kind), string(in.Source), in.Language, in.Confidence)
	tr := fsm.Transition(sess.State, in.Kind, fsm.Context{HasPriorBookings: profile.HasPriorBookings()})
	turn.intent = in
	turn.priorBookings = profile.HasPriorBookings()
	turn.transition = tr
	turn.applyTurn(&sess, p.historyWindow)

	c := p.escalationCase(sess, profile, in)
	var decision escalation.Decision
	if p.escalations != nil {
		decision = p.escalations.Evaluate(c)
		if decision.Escalate || decision.Suppressed {
			p.events.EscalationDecided(ctx, msg.SenderPhone, msg.MessageID, string(decision.Target), string(decision.Trigger), decision.Suppressed)
		}
	}

	composed := p.composer.Compose(ReplyInput{
		Action:   tr.Action,
		Intent:   in,
		Session:  sess,
		Profile:  profile,
		Decision: decision,
	})
	turn.reply = composed
	turn.escalated = decision.Escalate
	turn.applyReply(&sess, p.historyWindow)

	dres, derr := p.dispatcher.Dispatch(ctx, dispatch.Reply{
		Inbound: msg,
		Body:    composed.Body,
		Apology: p.composer.Apology(sess.Language),
	})
	p.events.ReplyDispatched(ctx, msg.SenderPhone, msg.MessageID, composed.Template, string(dres.Outcome))

	if decision.Escalate {
		p.escalations.EscalateAsync(ctx, c, decision, func(rec escalation.Record, err error) {
			if err != nil {
				p.events.ErrorOccurred(ctx, msg.SenderPhone, msg.MessageID, "escalation", err)
			}
		})
	}

	_, serr := p.save(ctx, sess, turn)
	tr = turn.transition
	p.record(ctx, msg, tr, in)
	if p.memory != nil {
		p.memory.Observe(msg.SenderPhone, in)
	}

	res = TurnResult{
		MessageID:  msg.MessageID,
		Outcome:    TurnProcessed,
		Previous:   tr.Previous,
		Next:       tr.Next,
		Action:     tr.Action,
		Intent:     in,
		Reply:      composed.Body,
		Template:   composed.Template,
		Dispatch:   dres.Outcome,
		Escalation: decision,
	}
	if derr != nil {
		res.Outcome = TurnFailed
		return res, derr
	}
	if serr != nil {
		res.Outcome = TurnFailed
		return res, fmt.Errorf("conversation: save session: %w", serr)
	}
	return res, nil
}

// ReleaseSession hands an escalated session back to the assistant. The
// state becomes returning for registered customers, new otherwise, and
// the escalation level resets.
func (p *Processor) ReleaseSession(ctx context.Context, phone string) (Session, error) {
	phone = messaging.NormalizeE164(phone)
	unlock := p.locker.Lock(phone)
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		sess, existed, err := p.sessions.Load(ctx, phone)
		if err != nil {
			return Session{}, fmt.Errorf("conversation: load session: %w", err)
		}
		if !existed {
			return Session{}, ErrSessionNotFound
		}
		if sess.State != fsm.StateEscalated {
			return Session{}, ErrNotEscalated
		}
		previous := sess.State
		sess.State = fsm.Release(sess.IsRegisteredCustomer)
		sess.EscalationLevel = 0
		sess.PendingField = ""
		sess.ProblemType = ""
		sess.ProblemText = ""
		saved, err := p.sessions.Save(ctx, sess)
		if errors.Is(err, ErrSessionConflict) {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("conversation: save session: %w", err)
		}
		p.events.SessionReleased(ctx, phone, string(previous), string(saved.State))
		if p.observer != nil {
			p.observer.ObserveTransition(string(previous), string(saved.State), "human_release")
		}
		p.logger.Info("session released by staff", "phone", phone, "state", saved.State)
		return saved, nil
	}
	return Session{}, ErrSessionConflict
}

// Abandon marks an admitted message failed when its turn can no longer
// run, for example because it could not be queued.
func (p *Processor) Abandon(ctx context.Context, msg messaging.InboundMessage, reason string) {
	p.dispatcher.MarkFailed(ctx, msg, reason)
	p.observeTurn(TurnFailed, p.now())
}

// Wait blocks until background handoffs finish or ctx ends.
func (p *Processor) Wait(ctx context.Context) error {
	if p.escalations == nil {
		return nil
	}
	return p.escalations.Wait(ctx)
}

func (p *Processor) lookup(ctx context.Context, phone string) (directory.Profile, bool) {
	if p.directory == nil {
		return directory.Profile{}, false
	}
	profile, err := p.directory.Lookup(ctx, phone)
	if err != nil {
		p.logger.Warn("directory lookup failed; using stored customer facts", "error", err, "phone", phone)
		return directory.Profile{}, false
	}
	return profile, true
}

func (p *Processor) intentContext(sess Session) intent.Context {
	lang := sess.Language
	if lang == "" {
		if learned, ok := p.memory.Get(sess.CustomerPhone); ok {
			lang = learned.Language
		}
	}
	return intent.Context{
		ProblemReported: sess.State == fsm.StateProblemReported,
		PendingField:    sess.PendingField,
		Draft:           sess.Draft,
		History:         sess.Turns(),
		Language:        lang,
	}
}

func (p *Processor) escalationCase(sess Session, profile directory.Profile, in intent.Intent) escalation.Case {
	c := escalation.Case{
		CustomerPhone:      sess.CustomerPhone,
		State:              sess.State,
		Level:              sess.EscalationLevel,
		ProblemType:        in.ProblemType,
		ProblemText:        sess.ProblemText,
		Urgent:             in.Entities.Urgent,
		LastEscalatedAt:    sess.LastEscalatedAt,
		LastEscalatedLevel: sess.LastEscalatedLevel,
	}
	if c.ProblemText == "" {
		c.ProblemText = turnText(sess)
	}
	if profile.Customer != nil {
		c.CustomerName = profile.Customer.Name
	}
	if sess.IsRegisteredCustomer {
		if b, ok := currentBooking(sess, profile); ok {
			c.Booking = &b
		}
	}
	return c
}

func (p *Processor) startTurn(ctx context.Context, msg messaging.InboundMessage) (bool, error) {
	if p.turns == nil {
		return true, nil
	}
	started, err := p.turns.StartTurn(ctx, msg.GatewayID, msg.MessageID)
	if err != nil {
		p.logger.Warn("turn left unstarted; store unavailable", "error", err, "message_id", msg.MessageID)
		return false, fmt.Errorf("conversation: start turn: %w", err)
	}
	return started, nil
}

// save persists the turn. On a version conflict the transition is taken
// again from the state the other writer left, and turn.transition is
// updated to what was actually persisted.
func (p *Processor) save(ctx context.Context, sess Session, turn *turnMutation) (Session, error) {
	ctx = context.WithoutCancel(ctx)
	saved, err := p.sessions.Save(ctx, sess)
	if !errors.Is(err, ErrSessionConflict) {
		return saved, err
	}
	p.logger.Warn("session changed concurrently; reapplying turn", "phone", sess.CustomerPhone)
	current, _, err := p.sessions.Load(ctx, sess.CustomerPhone)
	if err != nil {
		return Session{}, err
	}
	tr := fsm.Transition(current.State, turn.intent.Kind, fsm.Context{HasPriorBookings: turn.priorBookings})
	if tr != turn.transition {
		p.logger.Warn("transition changed on reapply",
			"phone", sess.CustomerPhone,
			"planned", turn.transition.Next,
			"next", tr.Next,
			"action", tr.Action,
		)
		if tr.Action != turn.transition.Action {
			turn.reply.PendingField = ""
		}
		turn.transition = tr
	}
	turn.apply(&current, p.historyWindow)
	return p.sessions.Save(ctx, current)
}

func (p *Processor) record(ctx context.Context, msg messaging.InboundMessage, tr fsm.Result, in intent.Intent) {
	p.events.Transition(ctx, msg.SenderPhone, msg.MessageID, string(tr.Previous), string(tr.Next), string(tr.Action), string(tr.Reason))
	if p.observer != nil {
		p.observer.ObserveTransition(string(tr.Previous), string(tr.Next), string(tr.Action))
	}
	if p.transitions == nil {
		return
	}
	err := p.transitions.RecordTransition(context.WithoutCancel(ctx), messaging.TransitionRecord{
		GatewayID:     msg.GatewayID,
		MessageID:     msg.MessageID,
		CustomerPhone: msg.SenderPhone,
		Previous:      string(tr.Previous),
		Next:          string(tr.Next),
		Action:        string(tr.Action),
		Reason:        string(tr.Reason),
		Confidence:    in.Confidence,
		Source:        string(in.Source),
		CreatedAt:     p.now().UTC(),
	})
	if err != nil {
		p.logger.Warn("failed to record transition", "error", err, "message_id", msg.MessageID)
	}
}

func (p *Processor) observeTurn(outcome TurnOutcome, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveTurn(string(outcome), p.now().Sub(start).Seconds())
	}
}

func turnText(sess Session) string {
	for i := len(sess.History) - 1; i >= 0; i-- {
		if sess.History[i].Role == RoleCustomer {
			return sess.History[i].Text
		}
	}
	return ""
}

// turnMutation is everything a turn changes on its session, kept so it can
// be applied again to a freshly loaded copy after a save conflict.
type turnMutation struct {
	text          string
	at            time.Time
	profileFresh  bool
	registered    bool
	activeRef     string
	intent        intent.Intent
	priorBookings bool
	transition    fsm.Result
	reply         Composed
	escalated     bool
}

func (t *turnMutation) apply(s *Session, window int) {
	t.applyProfile(s)
	t.applyTurn(s, window)
	t.applyReply(s, window)
}

func (t *turnMutation) applyProfile(s *Session) {
	s.IsRegisteredCustomer = t.registered
	s.ActiveBookingRef = t.activeRef
}

func (t *turnMutation) applyTurn(s *Session, window int) {
	s.State = t.transition.Next
	s.EscalationLevel = fsm.NextEscalationLevel(s.EscalationLevel, t.intent.Kind, t.transition.Action)
	switch t.transition.Action {
	case fsm.ActionCollectFlightRequirements, fsm.ActionSearchAndPresent, fsm.ActionFinalizeBooking:
		if t.transition.Previous != fsm.StateActiveBooking {
			s.Draft = intent.Entities{}
		}
		s.Draft = t.intent.Entities.Merge(s.Draft)
		s.Draft.Urgent = false
	}
	if t.intent.ProblemType != "" {
		s.ProblemType = t.intent.ProblemType
	}
	switch t.intent.Kind {
	case intent.KindReportProblem, intent.KindChangeBooking, intent.KindEmergency:
		s.ProblemText = t.text
	case intent.KindProviderNoResponse:
		if s.ProblemText == "" {
			s.ProblemText = t.text
		}
	}
	if t.intent.Language != "" {
		s.Language = t.intent.Language
	}
	s.LastTurnAt = t.at
	s.Append(RoleCustomer, t.text, t.at, window)
}

func (t *turnMutation) applyReply(s *Session, window int) {
	s.PendingField = t.reply.PendingField
	if t.reply.Body != "" {
		s.Append(RoleAssistant, t.reply.Body, t.at, window)
	}
	if t.escalated {
		s.LastEscalatedAt = t.at
		s.LastEscalatedLevel = s.EscalationLevel
	}
}
