package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/flightdesk-ai/internal/conversation"
	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/internal/http/handlers"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

type noopReleaser struct{}

func (noopReleaser) ReleaseSession(context.Context, string) (conversation.Session, error) {
	return conversation.Session{}, conversation.ErrNotEscalated
}

func newTestRouter(t *testing.T, checks map[string]Pinger) http.Handler {
	t.Helper()
	logger := logging.NewWithWriter("error", &bytes.Buffer{})
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","outcome":"ignored"}`))
	})
	admin := handlers.NewAdminHandler(escalation.NewMemoryStore(), noopReleaser{}, conversation.NewMemorySessionStore(), logger)
	return New(&Config{
		Logger:         logger,
		Webhook:        webhook,
		Admin:          admin,
		AdminSecret:    "secret",
		MetricsHandler: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
		HealthChecks:   checks,
	})
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, map[string]Pinger{
		"redis": PingFunc(func(context.Context) error { return nil }),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" || resp["redis"] != "ok" {
		t.Errorf("unexpected health response %v", resp)
	}
}

func TestRouterHealthDegraded(t *testing.T) {
	router := newTestRouter(t, map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRouterRoutes(t *testing.T) {
	router := newTestRouter(t, nil)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/webhook", http.StatusOK},
		{http.MethodGet, "/webhook", http.StatusMethodNotAllowed},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/admin/escalations", http.StatusUnauthorized},
		{http.MethodPost, "/admin/sessions/967700000111/release", http.StatusUnauthorized},
		{http.MethodGet, "/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))
		if rr.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, rr.Code)
		}
	}
}

func TestRouterRecoversPanics(t *testing.T) {
	boom := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	router := New(&Config{Logger: logging.NewWithWriter("error", &bytes.Buffer{}), Webhook: boom})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after recovered panic, got %d", rr.Code)
	}
}
