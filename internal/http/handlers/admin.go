// Package handlers serves the agent console: recent handoffs, session
// inspection and the human release of escalated conversations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/flightdesk-ai/internal/conversation"
	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/internal/http/middleware"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const (
	defaultEscalationLimit = 50
	maxEscalationLimit     = 500
)

// EscalationLister lists recent handoffs, newest first.
type EscalationLister interface {
	Recent(ctx context.Context, limit int) ([]escalation.Record, error)
}

// SessionReleaser hands an escalated conversation back to the bot.
type SessionReleaser interface {
	ReleaseSession(ctx context.Context, phone string) (conversation.Session, error)
}

// SessionReader loads the current session for a phone.
type SessionReader interface {
	Load(ctx context.Context, phone string) (conversation.Session, bool, error)
}

// AdminHandler serves /admin routes.
type AdminHandler struct {
	escalations EscalationLister
	releaser    SessionReleaser
	sessions    SessionReader
	logger      *logging.Logger
}

func NewAdminHandler(escalations EscalationLister, releaser SessionReleaser, sessions SessionReader, logger *logging.Logger) *AdminHandler {
	if escalations == nil {
		panic("handlers: escalation lister cannot be nil")
	}
	if releaser == nil {
		panic("handlers: session releaser cannot be nil")
	}
	if sessions == nil {
		panic("handlers: session reader cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{
		escalations: escalations,
		releaser:    releaser,
		sessions:    sessions,
		logger:      logger.Component("admin"),
	}
}

// EscalationsResponse is the body of GET /admin/escalations.
type EscalationsResponse struct {
	Escalations []escalation.Record `json:"escalations"`
	Count       int                 `json:"count"`
}

// ListEscalations handles GET /admin/escalations?limit=N.
func (h *AdminHandler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	limit := defaultEscalationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEscalationLimit)
	}
	records, err := h.escalations.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list escalations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list escalations")
		return
	}
	if records == nil {
		records = []escalation.Record{}
	}
	writeJSON(w, http.StatusOK, EscalationsResponse{Escalations: records, Count: len(records)})
}

// SessionResponse is the agent view of a conversation.
type SessionResponse struct {
	CustomerPhone    string                      `json:"customer_phone"`
	State            string                      `json:"state"`
	EscalationLevel  int                         `json:"escalation_level"`
	Registered       bool                        `json:"registered"`
	ActiveBookingRef string                      `json:"active_booking_ref,omitempty"`
	PendingField     string                      `json:"pending_field,omitempty"`
	ProblemType      string                      `json:"problem_type,omitempty"`
	ProblemText      string                      `json:"problem_text,omitempty"`
	Language         string                      `json:"language,omitempty"`
	LastTurnAt       *time.Time                  `json:"last_turn_at,omitempty"`
	History          []conversation.HistoryEntry `json:"history"`
	ReleasedBy       string                      `json:"released_by,omitempty"`
}

func sessionResponse(sess conversation.Session) SessionResponse {
	resp := SessionResponse{
		CustomerPhone:    sess.CustomerPhone,
		State:            string(sess.State),
		EscalationLevel:  sess.EscalationLevel,
		Registered:       sess.IsRegisteredCustomer,
		ActiveBookingRef: sess.ActiveBookingRef,
		PendingField:     sess.PendingField,
		ProblemType:      sess.ProblemType,
		ProblemText:      sess.ProblemText,
		Language:         sess.Language,
		History:          sess.History,
	}
	if !sess.LastTurnAt.IsZero() {
		at := sess.LastTurnAt
		resp.LastTurnAt = &at
	}
	if resp.History == nil {
		resp.History = []conversation.HistoryEntry{}
	}
	return resp
}

// GetSession handles GET /admin/sessions/{phone}.
func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	phone, ok := phoneParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid phone")
		return
	}
	sess, found, err := h.sessions.Load(r.Context(), phone)
	if err != nil {
		h.logger.Error("failed to load session", "error", err, "phone", phone)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// ReleaseSession handles POST /admin/sessions/{phone}/release.
func (h *AdminHandler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	phone, ok := phoneParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid phone")
		return
	}
	agent, _ := middleware.AgentFromContext(r.Context())
	sess, err := h.releaser.ReleaseSession(r.Context(), phone)
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, conversation.ErrNotEscalated):
		writeError(w, http.StatusConflict, "session is not escalated")
		return
	case err != nil:
		h.logger.Error("failed to release session", "error", err, "phone", phone)
		writeError(w, http.StatusInternalServerError, "failed to release session")
		return
	}
	h.logger.Info("session released by agent", "phone", phone, "agent", agent.Subject, "state", sess.State)
	resp := sessionResponse(sess)
	resp.ReleasedBy = agent.Subject
	writeJSON(w, http.StatusOK, resp)
}

func phoneParam(r *http.Request) (string, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "phone"))
	if err != nil {
		return "", false
	}
	phone := messaging.NormalizeE164(raw)
	return phone, phone != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
