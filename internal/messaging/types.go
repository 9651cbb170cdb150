package messaging

import (
	"time"

	"github.com/google/uuid"
)

// InboundMessage is one customer message as delivered by a gateway.
// Identity is (GatewayID, MessageID).
type InboundMessage struct {
	GatewayID   string    `json:"gateway_id"`
	MessageID   string    `json:"message_id"`
	SenderPhone string    `json:"sender_phone"`
	Text        string    `json:"text"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Key is the process-local identity used for in-flight tracking.
func (m InboundMessage) Key() string {
	return m.GatewayID + "/" + m.MessageID
}

// Status is the durable processing state of an inbound message.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	// StatusSuppressed marks a message absorbed by the content window.
	StatusSuppressed Status = "suppressed"
)

// Claimed reports whether a message in this status has already been taken
// by some processor.
func (s Status) Claimed() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed, StatusSuppressed:
		return true
	default:
		return false
	}
}

// OutboundKind distinguishes the turn reply from the failure apology.
type OutboundKind string

const (
	OutboundReply   OutboundKind = "reply"
	OutboundApology OutboundKind = "apology"
)

// OutboundMessage is a sent reply, attributed to the inbound message that
// caused it.
type OutboundMessage struct {
	ID                uuid.UUID
	GatewayID         string
	InboundMessageID  string
	Recipient         string
	Body              string
	Kind              OutboundKind
	ProviderMessageID string
	SentAt            time.Time
}

// TransitionRecord is the audit row for one processed turn.
type TransitionRecord struct {
	GatewayID     string
	MessageID     string
	CustomerPhone string
	Previous      string
	Next          string
	Action        string
	Reason        string
	Confidence    float64
	Source        string
	CreatedAt     time.Time
}
