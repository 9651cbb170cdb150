package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

func newTestClient(t *testing.T, server *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = server.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	cfg.Logger = logging.NewWithWriter("error", &bytes.Buffer{})
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSendText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sendText" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Fatalf("missing api key header, got %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["chatId"] != "9670000001@c.us" || body["session"] != "agency" || body["text"] != "كم عدد المسافرين؟" {
			t.Fatalf("unexpected body: %#v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":{"fromMe":true,"_serialized":"true_9670000001@c.us_3EB0"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{Session: "agency"})
	res, err := client.SendText(context.Background(), "+967 000 0001", "كم عدد المسافرين؟")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if res.ID != "true_9670000001@c.us_3EB0" {
		t.Fatalf("unexpected id %q", res.ID)
	}
}

func TestSendTextRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"msg-2"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{MaxRetries: 1, Backoff: time.Millisecond})
	res, err := client.SendText(context.Background(), "+9670000001", "hi")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if res.ID != "msg-2" || calls.Load() != 2 {
		t.Fatalf("expected retry then success, got id=%q calls=%d", res.ID, calls.Load())
	}
}

func TestSendTextDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid chat"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{MaxRetries: 3, Backoff: time.Millisecond})
	_, err := client.SendText(context.Background(), "+9670000001", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected APIError 422, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
}

func TestSendTextValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	}))
	defer server.Close()
	client := newTestClient(t, server, Config{})

	if _, err := client.SendText(context.Background(), "", "hi"); err == nil {
		t.Fatalf("expected phone validation error")
	}
	if _, err := client.SendText(context.Background(), "+967", "   "); err == nil {
		t.Fatalf("expected text validation error")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected base url validation error")
	}
}

func TestSendTextRateLimitHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer server.Close()
	client := newTestClient(t, server, Config{RatePerSecond: 0.001, Burst: 1})

	if _, err := client.SendText(context.Background(), "+9670000001", "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.SendText(ctx, "+9670000001", "second"); err == nil {
		t.Fatalf("expected limiter to give up before the deadline")
	}
}

func TestChatID(t *testing.T) {
	if got := ChatID("+9670000001"); got != "9670000001@c.us" {
		t.Fatalf("ChatID = %q", got)
	}
	if got := ChatID("9670000001@c.us"); got != "9670000001@c.us" {
		t.Fatalf("ChatID round trip = %q", got)
	}
	if got := ChatID(""); got != "" {
		t.Fatalf("ChatID empty = %q", got)
	}
}
