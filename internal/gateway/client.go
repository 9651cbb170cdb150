// Package gateway sends outbound WhatsApp text through the HTTP messaging
// gateway that also delivers the inbound webhooks.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const (
	defaultSession   = "default"
	defaultUserAgent = "flightdesk-conversation-core/1.0"
	chatSuffix       = "@c.us"
)

var sendTracer = otel.Tracer("flightdesk.internal.gateway")

// Config controls how the gateway client behaves.
type Config struct {
	BaseURL       string
	APIKey        string
	Session       string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
	Logger        *logging.Logger
	UserAgent     string
}

// Client posts text messages to the gateway.
type Client struct {
	apiKey     string
	baseURL    string
	session    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
	logger     *logging.Logger
	userAgent  string
}

// SendResult is the gateway's acknowledgement of a send.
type SendResult struct {
	ID string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gateway: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	session := strings.TrimSpace(cfg.Session)
	if session == "" {
		session = defaultSession
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		session:    session,
		httpClient: httpClient,
		maxRetries: max(cfg.MaxRetries, 0),
		backoff:    backoff,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.Component("gateway"),
		userAgent:  userAgent,
	}, nil
}

// ChatID converts an E.164 number into the gateway's chat address.
func ChatID(phone string) string {
	digits := messaging.Digits(phone)
	if digits == "" {
		return ""
	}
	return digits + chatSuffix
}

// SendText delivers one text message to phone.
func (c *Client) SendText(ctx context.Context, phone, text string) (*SendResult, error) {
	ctx, span := sendTracer.Start(ctx, "gateway.send_text")
	defer span.End()

	chatID := ChatID(phone)
	if chatID == "" {
		return nil, errors.New("gateway: recipient phone required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("gateway: text required")
	}
	span.SetAttributes(attribute.String("gateway.session", c.session))

	body, err := json.Marshal(struct {
		Session string `json:"session"`
		ChatID  string `json:"chatId"`
		Text    string `json:"text"`
	}{
		Session: c.session,
		ChatID:  chatID,
		Text:    text,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal send body: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("gateway: rate limit wait: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/api/sendText", body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return decodeSendResult(data), nil
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gateway: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("gateway: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("gateway: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("gateway: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("gateway retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("gateway: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gateway: status %d", e.StatusCode)
}

// decodeSendResult accepts both a plain string id and the serialized
// message-key object some gateway versions return.
func decodeSendResult(data []byte) *SendResult {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.ID) == 0 {
		return &SendResult{}
	}
	var id string
	if err := json.Unmarshal(envelope.ID, &id); err == nil {
		return &SendResult{ID: id}
	}
	var key struct {
		Serialized string `json:"_serialized"`
	}
	if err := json.Unmarshal(envelope.ID, &key); err == nil {
		return &SendResult{ID: key.Serialized}
	}
	return &SendResult{}
}
