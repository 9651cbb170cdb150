package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/flightdesk-ai/internal/dedup"
	"github.com/wolfman30/flightdesk-ai/internal/directory"
	"github.com/wolfman30/flightdesk-ai/internal/dispatch"
	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/internal/gateway"
	"github.com/wolfman30/flightdesk-ai/internal/intent"
	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

func quietLogger() *logging.Logger {
	return logging.NewWithWriter("error", &bytes.Buffer{})
}

// memLedger stands in for the Postgres store: inbound claims, outbound log
// and transitions.
type memLedger struct {
	mu          sync.Mutex
	statuses    map[string]messaging.Status
	started     map[string]bool
	outbound    []messaging.OutboundMessage
	transitions []messaging.TransitionRecord
}

func newMemLedger() *memLedger {
	return &memLedger{statuses: make(map[string]messaging.Status), started: make(map[string]bool)}
}

func ledgerKey(gatewayID, messageID string) string { return gatewayID + "/" + messageID }

func (l *memLedger) RecordInbound(_ context.Context, msg messaging.InboundMessage) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(msg.GatewayID, msg.MessageID)
	if _, ok := l.statuses[key]; ok {
		return false, nil
	}
	l.statuses[key] = messaging.StatusReceived
	return true, nil
}

func (l *memLedger) Status(_ context.Context, gatewayID, messageID string) (messaging.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[ledgerKey(gatewayID, messageID)], nil
}

func (l *memLedger) Claim(_ context.Context, gatewayID, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(gatewayID, messageID)
	if l.statuses[key] != messaging.StatusReceived {
		return false, nil
	}
	l.statuses[key] = messaging.StatusProcessing
	return true, nil
}

func (l *memLedger) StartTurn(_ context.Context, gatewayID, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(gatewayID, messageID)
	if l.statuses[key] != messaging.StatusProcessing || l.started[key] {
		return false, nil
	}
	l.started[key] = true
	return true, nil
}

func (l *memLedger) MarkSuppressed(_ context.Context, gatewayID, messageID string) error {
	return l.set(gatewayID, messageID, messaging.StatusSuppressed)
}

func (l *memLedger) MarkCompleted(_ context.Context, gatewayID, messageID string) error {
	return l.set(gatewayID, messageID, messaging.StatusCompleted)
}

func (l *memLedger) MarkFailed(_ context.Context, gatewayID, messageID, _ string) error {
	return l.set(gatewayID, messageID, messaging.StatusFailed)
}

func (l *memLedger) set(gatewayID, messageID string, status messaging.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[ledgerKey(gatewayID, messageID)] = status
	return nil
}

func (l *memLedger) InsertOutbound(_ context.Context, msg messaging.OutboundMessage) (uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.ID = uuid.New()
	l.outbound = append(l.outbound, msg)
	return msg.ID, nil
}

func (l *memLedger) RecordTransition(_ context.Context, rec messaging.TransitionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, rec)
	return nil
}

func (l *memLedger) status(messageID string) messaging.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[ledgerKey("gw", messageID)]
}

type sentText struct {
	Phone string
	Text  string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentText
	failures int
}

func (s *fakeSender) SendText(_ context.Context, phone, text string) (*gateway.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("gateway down")
	}
	s.sent = append(s.sent, sentText{Phone: phone, Text: text})
	return &gateway.SendResult{ID: fmt.Sprintf("wamid-%d", len(s.sent))}, nil
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Text)
	}
	return out
}

type harness struct {
	proc        *Processor
	lex         *lexicon.Lexicon
	ledger      *memLedger
	sender      *fakeSender
	sessions    SessionStore
	escalations *escalation.MemoryStore
	dir         *directory.Static
	memory      *InteractionMemory
}

type harnessOption func(*Deps)

func withSessions(store SessionStore) harnessOption {
	return func(d *Deps) { d.Sessions = store }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := quietLogger()
	lex := lexicon.Default()
	h := &harness{
		lex:         lex,
		ledger:      newMemLedger(),
		sender:      &fakeSender{},
		escalations: escalation.NewMemoryStore(),
		dir:         directory.NewStatic(nil, nil),
		memory:      NewInteractionMemory(100, time.Hour),
	}
	deps := Deps{
		Guard:       dedup.NewGuard(h.ledger, dedup.NewMemoryWindow(1000, time.Hour), dedup.Config{}, logger),
		Sessions:    NewMemorySessionStore(),
		Directory:   h.dir,
		Classifier:  intent.NewClassifier(lex, logger),
		Composer:    NewComposer(lex),
		Dispatcher:  dispatch.New(h.sender, h.ledger, dedup.NewMemoryWindow(1000, time.Hour), logger),
		Escalations: escalation.NewRouter(h.escalations, nil, logger),
		Transitions: h.ledger,
		Turns:       h.ledger,
		Memory:      h.memory,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.sessions = deps.Sessions
	h.proc = NewProcessor(deps, logger)
	return h
}

func inbound(id, phone, text string) messaging.InboundMessage {
	return messaging.InboundMessage{
		GatewayID:   "gw",
		MessageID:   id,
		SenderPhone: phone,
		Text:        text,
		ReceivedAt:  time.Now().UTC(),
	}
}

// registered adds a customer with one issued, provider-actionable booking.
func (h *harness) registered(phone string) directory.Booking {
	booking := directory.Booking{
		Ref:          "FD-100",
		CustomerID:   "cust-1",
		FromCity:     "عدن",
		ToCity:       "القاهرة",
		Status:       directory.StatusIssued,
		TicketNumber: "TKT-4471",
		Provider:     directory.Provider{Name: "Yemenia Partners", Phone: "+967111", Email: "ops@partner.example"},
		CreatedAt:    time.Now().Add(-48 * time.Hour),
	}
	h.dir.Upsert(directory.Customer{ID: "cust-1", Phone: phone, Name: "Salem"}, booking)
	return booking
}

func (h *harness) seed(t *testing.T, sess Session) {
	t.Helper()
	if _, err := h.sessions.Save(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func (h *harness) session(t *testing.T, phone string) Session {
	t.Helper()
	sess, ok, err := h.sessions.Load(context.Background(), phone)
	if err != nil || !ok {
		t.Fatalf("load session: ok=%v err=%v", ok, err)
	}
	return sess
}

func (h *harness) waitHandoffs(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.proc.Wait(ctx); err != nil {
		t.Fatalf("wait handoffs: %v", err)
	}
}
