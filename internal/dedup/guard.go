// Package dedup decides whether an inbound message is the first and only
// attempt to process it.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const (
	DefaultContentWindow = 120 * time.Second
	DefaultInFlightGrace = 60 * time.Second
)

// Reason names the check that caught a duplicate.
type Reason string

const (
	ReasonInFlight  Reason = "in_flight"
	ReasonPersisted Reason = "persisted"
	ReasonContent   Reason = "content"
	ReasonClaimRace Reason = "claim_race"
)

var (
	// ErrDuplicate matches every DuplicateError.
	ErrDuplicate = errors.New("dedup: duplicate message")
	// ErrStoreUnavailable means the durable store could not be reached; the
	// message is left unclaimed so an upstream retry can complete it.
	ErrStoreUnavailable = errors.New("dedup: store unavailable")
)

// DuplicateError reports which check rejected a message.
type DuplicateError struct {
	Reason Reason
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("dedup: duplicate message (%s)", e.Reason)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// InboundStore is the durable half of the guard.
type InboundStore interface {
	RecordInbound(ctx context.Context, msg messaging.InboundMessage) (bool, error)
	Status(ctx context.Context, gatewayID, messageID string) (messaging.Status, error)
	Claim(ctx context.Context, gatewayID, messageID string) (bool, error)
	MarkSuppressed(ctx context.Context, gatewayID, messageID string) error
}

// Observer receives guard outcomes for metrics.
type Observer interface {
	ObserveDuplicate(reason string)
	ObserveStoreUnavailable(stage string)
}

// Config tunes the guard windows.
type Config struct {
	ContentWindow time.Duration
	InFlightGrace time.Duration
}

// Guard applies, in order: the in-flight set, the persisted status, the
// content window, and finally the conditional durable claim.
type Guard struct {
	store    InboundStore
	window   Window
	inflight *InFlight
	cfg      Config
	observer Observer
	logger   *logging.Logger
}

// Option customizes a Guard.
type Option func(*Guard)

// WithObserver wires metrics.
func WithObserver(observer Observer) Option {
	return func(g *Guard) {
		g.observer = observer
	}
}

// NewGuard builds a guard. window may be nil, which disables the content
// check.
func NewGuard(store InboundStore, window Window, cfg Config, logger *logging.Logger, opts ...Option) *Guard {
	if store == nil {
		panic("dedup: inbound store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.ContentWindow <= 0 {
		cfg.ContentWindow = DefaultContentWindow
	}
	if cfg.InFlightGrace <= 0 {
		cfg.InFlightGrace = DefaultInFlightGrace
	}
	g := &Guard{
		store:    store,
		window:   window,
		inflight: NewInFlight(),
		cfg:      cfg,
		logger:   logger.Component("dedup"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit returns nil when the caller is the one processor allowed to act on
// msg. Otherwise it returns a *DuplicateError or an error wrapping
// ErrStoreUnavailable.
func (g *Guard) Admit(ctx context.Context, msg messaging.InboundMessage) error {
	key := msg.Key()
	if !g.inflight.TryAdd(key) {
		return g.duplicate(msg, ReasonInFlight)
	}
	admitted := false
	defer func() {
		if admitted {
			g.inflight.RemoveAfter(key, g.cfg.InFlightGrace)
		} else {
			g.inflight.Remove(key)
		}
	}()

	inserted, err := g.store.RecordInbound(ctx, msg)
	if err != nil {
		return g.unavailable(msg, "record", err)
	}
	if !inserted {
		status, err := g.store.Status(ctx, msg.GatewayID, msg.MessageID)
		if err != nil {
			return g.unavailable(msg, "status", err)
		}
		if status.Claimed() {
			return g.duplicate(msg, ReasonPersisted)
		}
	}

	contentKey, reserved := "", false
	if g.window != nil {
		contentKey = ContentKey(msg.SenderPhone, msg.Text)
	}
	if contentKey != "" {
		holder, fresh, err := g.window.Reserve(ctx, contentKey, key, g.cfg.ContentWindow)
		switch {
		case err != nil:
			g.logger.Warn("content window unavailable, skipping check", "error", err, "message_id", msg.MessageID)
		case fresh:
			reserved = true
		case holder == key:
			// Same message already past this point on another instance;
			// the claim below settles which of us proceeds.
		default:
			if err := g.store.MarkSuppressed(ctx, msg.GatewayID, msg.MessageID); err != nil {
				g.logger.Warn("failed to mark suppressed message", "error", err, "message_id", msg.MessageID)
			}
			return g.duplicate(msg, ReasonContent)
		}
	}

	claimed, err := g.store.Claim(ctx, msg.GatewayID, msg.MessageID)
	if err != nil {
		if reserved {
			if ferr := g.window.Forget(context.WithoutCancel(ctx), contentKey); ferr != nil {
				g.logger.Warn("failed to release content reservation", "error", ferr)
			}
		}
		return g.unavailable(msg, "claim", err)
	}
	if !claimed {
		return g.duplicate(msg, ReasonClaimRace)
	}
	admitted = true
	return nil
}

// InFlightLen reports how many message keys are currently reserved.
func (g *Guard) InFlightLen() int {
	return g.inflight.Len()
}

func (g *Guard) duplicate(msg messaging.InboundMessage, reason Reason) error {
	g.logger.Debug("duplicate message suppressed",
		"reason", reason,
		"gateway_id", msg.GatewayID,
		"message_id", msg.MessageID,
	)
	if g.observer != nil {
		g.observer.ObserveDuplicate(string(reason))
	}
	return &DuplicateError{Reason: reason}
}

func (g *Guard) unavailable(msg messaging.InboundMessage, stage string, err error) error {
	g.logger.Warn("durable store unavailable, leaving message unclaimed",
		"stage", stage,
		"error", err,
		"gateway_id", msg.GatewayID,
		"message_id", msg.MessageID,
	)
	if g.observer != nil {
		g.observer.ObserveStoreUnavailable(stage)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, stage, err)
}

// ContentKey fingerprints (phone, normalized text). Messages with no
// text content yield "" and are never content-deduplicated.
func ContentKey(phone, text string) string {
	normalized := lexicon.Normalize(text)
	if normalized == "" || phone == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return "content:" + phone + ":" + hex.EncodeToString(sum[:])
}

// InFlight is a process-local set of message keys being processed.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[string]struct{})}
}

// TryAdd reserves key, reporting false when it is already present.
func (s *InFlight) TryAdd(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *InFlight) Remove(key string) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

// RemoveAfter drops key once grace has elapsed.
func (s *InFlight) RemoveAfter(key string, grace time.Duration) {
	time.AfterFunc(grace, func() { s.Remove(key) })
}

func (s *InFlight) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
