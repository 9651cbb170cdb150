package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// TurnEvent is one structured audit line. Every event shares the same
// base fields so logs filter cleanly:
//
//	grep '"event":"transition"' /var/log/flightdesk.log
//	grep '"customer_phone":"+9670000001"' /var/log/flightdesk.log
type TurnEvent struct {
	Time          string         `json:"time"`
	Event         string         `json:"event"`
	CustomerPhone string         `json:"customer_phone"`
	MessageID     string         `json:"message_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// EventLogger emits TurnEvents as JSON lines through the component logger.
type EventLogger struct {
	logger *logging.Logger
}

func NewEventLogger(logger *logging.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

func (e *EventLogger) Log(_ context.Context, event, phone, messageID string, data map[string]any) {
	if e == nil || e.logger == nil {
		return
	}
	b, _ := json.Marshal(TurnEvent{
		Time:          time.Now().UTC().Format(time.RFC3339Nano),
		Event:         event,
		CustomerPhone: phone,
		MessageID:     messageID,
		Data:          data,
	})
	e.logger.Info(string(b))
}

func (e *EventLogger) MessageReceived(ctx context.Context, phone, messageID, text string) {
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	e.Log(ctx, "message_received", phone, messageID, map[string]any{"text": text})
}

func (e *EventLogger) Duplicate(ctx context.Context, phone, messageID, reason string) {
	e.Log(ctx, "duplicate", phone, messageID, map[string]any{"reason": reason})
}

func (e *EventLogger) Classified(ctx context.Context, phone, messageID, kind, source, language string, confidence float64) {
	e.Log(ctx, "intent_classified", phone, messageID, map[string]any{
		"kind":       kind,
		"source":     source,
		"language":   language,
		"confidence": confidence,
	})
}

func (e *EventLogger) Transition(ctx context.Context, phone, messageID, from, to, action, reason string) {
	e.Log(ctx, "transition", phone, messageID, map[string]any{
		"from":   from,
		"to":     to,
		"action": action,
		"reason": reason,
	})
}

func (e *EventLogger) ReplyDispatched(ctx context.Context, phone, messageID, template, outcome string) {
	e.Log(ctx, "reply_dispatched", phone, messageID, map[string]any{
		"template": template,
		"outcome":  outcome,
	})
}

func (e *EventLogger) EscalationDecided(ctx context.Context, phone, messageID, target, trigger string, suppressed bool) {
	e.Log(ctx, "escalation_decided", phone, messageID, map[string]any{
		"target":     target,
		"trigger":    trigger,
		"suppressed": suppressed,
	})
}

func (e *EventLogger) SessionReleased(ctx context.Context, phone, from, to string) {
	e.Log(ctx, "session_released", phone, "", map[string]any{
		"from": from,
		"to":   to,
	})
}

func (e *EventLogger) ErrorOccurred(ctx context.Context, phone, messageID, step string, err error) {
	e.Log(ctx, "error", phone, messageID, map[string]any{
		"step":  step,
		"error": err.Error(),
	})
}
