// Package escalation decides when a conversation needs a human or the
// booking's provider, and hands the case over.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/flightdesk-ai/internal/directory"
	"github.com/wolfman30/flightdesk-ai/internal/fsm"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

var escalationTracer = otel.Tracer("flightdesk.internal.escalation")

const (
	DefaultLevelThreshold = 2
	DefaultCooldown       = 30 * time.Minute
)

// Target is who receives a handoff.
type Target string

const (
	TargetProvider   Target = "provider"
	TargetHumanAdmin Target = "human_admin"
)

// Trigger names the condition that fired.
type Trigger string

const (
	TriggerLevel             Trigger = "escalation_level"
	TriggerEscalatedState    Trigger = "escalated_state"
	TriggerProviderEscalable Trigger = "provider_actionable_problem"
)

var providerProblems = map[string]bool{
	"change_booking": true,
	"cancel_booking": true,
	"reschedule":     true,
	"flight_issue":   true,
	"ticket_error":   true,
}

// Case is the snapshot of a conversation the router evaluates.
type Case struct {
	CustomerPhone string
	CustomerName  string
	State         fsm.State
	Level         int
	ProblemType   string
	ProblemText   string
	Urgent        bool
	Booking       *directory.Booking

	// LastEscalatedAt and LastEscalatedLevel describe the previous handoff
	// for this conversation, zero when there was none.
	LastEscalatedAt    time.Time
	LastEscalatedLevel int
}

// Decision is the pure outcome of Evaluate.
type Decision struct {
	Escalate bool
	Target   Target
	Trigger  Trigger
	// Suppressed is set when a trigger fired inside the cooldown.
	Suppressed bool
}

// Record is the append-only audit row for one handoff.
type Record struct {
	ID            uuid.UUID `json:"id"`
	CustomerPhone string    `json:"customer_phone"`
	CustomerName  string    `json:"customer_name,omitempty"`
	BookingRef    string    `json:"booking_ref,omitempty"`
	Route         string    `json:"route,omitempty"`
	BookingStatus string    `json:"booking_status,omitempty"`
	Reason        string    `json:"reason"`
	ProblemText   string    `json:"problem_text,omitempty"`
	Urgent        bool      `json:"urgent"`
	Target        Target    `json:"target"`
	Level         int       `json:"level"`
	PayloadText   string    `json:"payload_text"`
	Channels      []string  `json:"channels"`
	ProviderName  string    `json:"provider_name,omitempty"`
	ProviderPhone string    `json:"provider_phone,omitempty"`
	ProviderEmail string    `json:"provider_email,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists records.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Notifier delivers a handoff to people. Channels lists the channels a
// record will be sent on so the audit row can name them up front.
type Notifier interface {
	Channels(rec Record) []string
	Notify(ctx context.Context, rec Record) error
}

// Observer receives escalation counts.
type Observer interface {
	ObserveEscalation(target, trigger string)
}

type Option func(*Router)

func WithThreshold(level int) Option {
	return func(r *Router) {
		if level > 0 {
			r.threshold = level
		}
	}
}

// WithCooldown sets how long repeat triggers at the same level are folded
// into the previous handoff.
func WithCooldown(d time.Duration) Option {
	return func(r *Router) {
		if d >= 0 {
			r.cooldown = d
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(r *Router) { r.observer = obs }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router evaluates cases and runs handoffs in the background.
type Router struct {
	store     Store
	notifier  Notifier
	threshold int
	cooldown  time.Duration
	observer  Observer
	now       func() time.Time
	logger    *logging.Logger
	wg        sync.WaitGroup
}

func NewRouter(store Store, notifier Notifier, logger *logging.Logger, opts ...Option) *Router {
	if store == nil {
		panic("escalation: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &Router{
		store:     store,
		notifier:  notifier,
		threshold: DefaultLevelThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		logger:    logger.Component("escalation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Threshold is the escalation level that forces a human handoff.
func (r *Router) Threshold() int {
	return r.threshold
}

// Evaluate decides whether c needs a handoff. It has no side effects.
func (r *Router) Evaluate(c Case) Decision {
	var d Decision
	switch {
	case c.State == fsm.StateEscalated:
		d = Decision{Escalate: true, Target: TargetHumanAdmin, Trigger: TriggerEscalatedState}
	case c.Level >= r.threshold:
		d = Decision{Escalate: true, Target: TargetHumanAdmin, Trigger: TriggerLevel}
	case providerProblems[c.ProblemType] && c.Booking != nil && c.Booking.Status.ProviderActionable():
		d = Decision{Escalate: true, Target: TargetProvider, Trigger: TriggerProviderEscalable}
	default:
		return Decision{}
	}
	if !c.LastEscalatedAt.IsZero() && r.now().Sub(c.LastEscalatedAt) < r.cooldown && c.Level <= c.LastEscalatedLevel {
		return Decision{Target: d.Target, Trigger: d.Trigger, Suppressed: true}
	}
	return d
}

// Escalate persists and notifies a handoff for c. Store failures are
// returned; notification failures are logged because the record already
// exists for staff to pick up.
func (r *Router) Escalate(ctx context.Context, c Case, d Decision) (Record, error) {
	ctx, span := escalationTracer.Start(ctx, "escalation.escalate")
	defer span.End()
	span.SetAttributes(
		attribute.String("escalation.target", string(d.Target)),
		attribute.String("escalation.trigger", string(d.Trigger)),
		attribute.Int("escalation.level", c.Level),
	)

	rec := r.buildRecord(c, d)
	if r.notifier != nil {
		rec.Channels = r.notifier.Channels(rec)
	}
	if err := r.store.Insert(ctx, rec); err != nil {
		span.RecordError(err)
		return Record{}, fmt.Errorf("escalation: store record: %w", err)
	}
	if r.observer != nil {
		r.observer.ObserveEscalation(string(d.Target), string(d.Trigger))
	}
	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, rec); err != nil {
			span.RecordError(err)
			r.logger.Error("failed to notify handoff", "error", err, "escalation_id", rec.ID)
		}
	}
	r.logger.Info("escalation created",
		"id", rec.ID,
		"target", rec.Target,
		"reason", rec.Reason,
		"urgent", rec.Urgent,
		"customer_phone", rec.CustomerPhone,
	)
	return rec, nil
}

// EscalateAsync runs Escalate on a tracked goroutine so the caller's reply
// is never held up by the handoff. done, when set, receives the result.
func (r *Router) EscalateAsync(ctx context.Context, c Case, d Decision, done func(Record, error)) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("escalation panicked", "panic", p, "customer_phone", c.CustomerPhone)
				if done != nil {
					done(Record{}, fmt.Errorf("escalation: panic: %v", p))
				}
			}
		}()
		rec, err := r.Escalate(ctx, c, d)
		if err != nil {
			r.logger.Error("escalation failed", "error", err, "customer_phone", c.CustomerPhone)
		}
		if done != nil {
			done(rec, err)
		}
	}()
}

// Wait blocks until background handoffs finish or ctx ends.
func (r *Router) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent lists the newest records first.
func (r *Router) Recent(ctx context.Context, limit int) ([]Record, error) {
	return r.store.Recent(ctx, limit)
}

func (r *Router) buildRecord(c Case, d Decision) Record {
	rec := Record{
		ID:            uuid.New(),
		CustomerPhone: c.CustomerPhone,
		CustomerName:  c.CustomerName,
		Reason:        reasonFor(c, d),
		ProblemText:   c.ProblemText,
		Urgent:        c.Urgent,
		Target:        d.Target,
		Level:         c.Level,
		CreatedAt:     r.now().UTC(),
	}
	if b := c.Booking; b != nil {
		rec.BookingRef = b.Ref
		rec.Route = b.Route()
		rec.BookingStatus = string(b.Status)
		if d.Target == TargetProvider {
			rec.ProviderName = b.Provider.Name
			rec.ProviderPhone = b.Provider.Phone
			rec.ProviderEmail = b.Provider.Email
		}
	}
	rec.PayloadText = FormatPayload(rec)
	return rec
}

func reasonFor(c Case, d Decision) string {
	if d.Trigger == TriggerProviderEscalable {
		return c.ProblemType
	}
	if c.ProblemType != "" {
		return string(d.Trigger) + ":" + c.ProblemType
	}
	return string(d.Trigger)
}

// FormatPayload renders the handoff text sent to people.
func FormatPayload(rec Record) string {
	var sb strings.Builder
	if rec.Urgent {
		sb.WriteString("[URGENT] ")
	}
	switch rec.Target {
	case TargetProvider:
		sb.WriteString("Customer request for your booking\n")
	default:
		sb.WriteString("Conversation needs a human agent\n")
	}
	name := rec.CustomerName
	if name == "" {
		name = "unregistered"
	}
	sb.WriteString(fmt.Sprintf("Customer: %s (%s)\n", name, rec.CustomerPhone))
	if rec.BookingRef != "" {
		sb.WriteString(fmt.Sprintf("Booking: %s", rec.BookingRef))
		if rec.Route != "" {
			sb.WriteString(fmt.Sprintf(" %s", rec.Route))
		}
		if rec.BookingStatus != "" {
			sb.WriteString(fmt.Sprintf(" [%s]", rec.BookingStatus))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("Reason: %s (level %d)\n", rec.Reason, rec.Level))
	if rec.ProblemText != "" {
		sb.WriteString("Customer said:\n")
		sb.WriteString(rec.ProblemText)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
