package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
)

var directoryTracer = otel.Tracer("flightdesk.internal.directory")

const maxBookings = 20

// ClientConfig configures the entity store client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client reads customers and bookings from the hosted entity store's
// REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("directory: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, apiKey: cfg.APIKey, httpClient: httpClient}, nil
}

func (c *Client) Lookup(ctx context.Context, phone string) (Profile, error) {
	ctx, span := directoryTracer.Start(ctx, "directory.lookup")
	defer span.End()

	phone = messaging.NormalizeE164(phone)
	if phone == "" {
		return Profile{}, nil
	}

	var customers []Customer
	q := url.Values{}
	q.Set("phone", phone)
	if err := c.get(ctx, "/entities/Customer", q, &customers); err != nil {
		span.RecordError(err)
		return Profile{}, err
	}
	if len(customers) == 0 {
		span.SetAttributes(attribute.Bool("directory.registered", false))
		return Profile{}, nil
	}
	customer := customers[0]

	var bookings []Booking
	q = url.Values{}
	q.Set("customer_id", customer.ID)
	q.Set("sort", "-created_date")
	q.Set("limit", fmt.Sprint(maxBookings))
	if err := c.get(ctx, "/entities/Booking", q, &bookings); err != nil {
		span.RecordError(err)
		return Profile{}, err
	}
	span.SetAttributes(
		attribute.Bool("directory.registered", true),
		attribute.Int("directory.bookings", len(bookings)),
	)
	return Profile{Customer: &customer, Bookings: bookings}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api_key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("directory: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("directory: %s returned status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("directory: decode %s: %w", path, err)
	}
	return nil
}
