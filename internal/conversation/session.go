// Package conversation runs customer turns: it loads the session, asks
// the classifier and state machine what to do, replies, and hands off to
// people when needed.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/flightdesk-ai/internal/fsm"
	"github.com/wolfman30/flightdesk-ai/internal/intent"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
)

const (
	DefaultHistoryWindow = 10
	DefaultSessionTTL    = 30 * 24 * time.Hour
)

// ErrSessionConflict means another writer saved the session since it was
// loaded.
var ErrSessionConflict = errors.New("conversation: session modified concurrently")

// Role identifies who said a history line.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one line of the short conversation history.
type HistoryEntry struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the per-phone conversation state. Version increases on every
// save and guards against lost updates.
type Session struct {
	CustomerPhone        string          `json:"customer_phone"`
	State                fsm.State       `json:"state"`
	ActiveBookingRef     string          `json:"active_booking_ref,omitempty"`
	EscalationLevel      int             `json:"escalation_level"`
	IsRegisteredCustomer bool            `json:"is_registered_customer"`
	LastTurnAt           time.Time       `json:"last_turn_at"`
	History              []HistoryEntry  `json:"history,omitempty"`
	Draft                intent.Entities `json:"draft"`
	PendingField         string          `json:"pending_field,omitempty"`
	ProblemType          string          `json:"problem_type,omitempty"`
	ProblemText          string          `json:"problem_text,omitempty"`
	Language             string          `json:"language,omitempty"`
	LastEscalatedAt      time.Time       `json:"last_escalated_at,omitempty"`
	LastEscalatedLevel   int             `json:"last_escalated_level,omitempty"`
	Version              int64           `json:"version"`
}

// NewSession is the lazily created session for a first contact.
func NewSession(phone string) Session {
	return Session{CustomerPhone: phone, State: fsm.StateNew}
}

// Append adds a history line and trims to the newest window entries.
func (s *Session) Append(role Role, text string, at time.Time, window int) {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	s.History = append(s.History, HistoryEntry{Role: role, Text: text, At: at})
	if over := len(s.History) - window; over > 0 {
		s.History = append([]HistoryEntry(nil), s.History[over:]...)
	}
}

// Turns converts history for the classifier's model prompt.
func (s Session) Turns() []intent.Turn {
	out := make([]intent.Turn, 0, len(s.History))
	for _, h := range s.History {
		out = append(out, intent.Turn{Role: string(h.Role), Text: h.Text})
	}
	return out
}

// validate repairs a session decoded from storage. An unknown state is
// reset to new rather than allowed to drive a transition.
func (s *Session) validate() error {
	if _, err := fsm.ParseState(string(s.State)); err != nil {
		s.State = fsm.StateNew
		return err
	}
	return nil
}

// SessionStore persists sessions keyed by E.164 phone.
type SessionStore interface {
	// Load returns the stored session and whether one existed.
	Load(ctx context.Context, phone string) (Session, bool, error)
	// Save writes sess if the stored version still equals sess.Version,
	// and returns the saved copy with its new version.
	Save(ctx context.Context, sess Session) (Session, error)
}

// MemorySessionStore keeps sessions in process. Used when Redis is not
// configured and in tests.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (s *MemorySessionStore) Load(_ context.Context, phone string) (Session, bool, error) {
	phone = messaging.NormalizeE164(phone)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[phone]
	if !ok {
		return NewSession(phone), false, nil
	}
	sess.History = append([]HistoryEntry(nil), sess.History...)
	return sess, true, nil
}

func (s *MemorySessionStore) Save(_ context.Context, sess Session) (Session, error) {
	sess.CustomerPhone = messaging.NormalizeE164(sess.CustomerPhone)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.CustomerPhone]; ok && cur.Version != sess.Version {
		return Session{}, ErrSessionConflict
	} else if !ok && sess.Version != 0 {
		return Session{}, ErrSessionConflict
	}
	sess.Version++
	sess.History = append([]HistoryEntry(nil), sess.History...)
	s.sessions[sess.CustomerPhone] = sess
	return sess, nil
}
