package directory

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const fixtures = `
customers:
  - id: cust-1
    phone: "+967 000 0001"
    name: Salem
bookings:
  - ref: FD-100
    customer_id: cust-1
    from: Aden
    to: Cairo
    status: completed
    created_at: 2026-01-10T10:00:00Z
  - ref: FD-200
    customer_id: cust-1
    from: Aden
    to: Jeddah
    status: issued
    ticket: "065-1234567890"
    provider:
      name: Yemenia Desk
      phone: "+9671234567"
    created_at: 2026-03-01T10:00:00Z
`

func TestStaticLookup(t *testing.T) {
	dir, err := ParseStatic([]byte(fixtures))
	require.NoError(t, err)

	p, err := dir.Lookup(context.Background(), "9670000001@c.us")
	require.NoError(t, err)
	require.True(t, p.Registered())
	assert.True(t, p.HasPriorBookings())
	active, ok := p.LatestActive()
	require.True(t, ok)
	assert.Equal(t, "FD-200", active.Ref)
	assert.Equal(t, "Aden → Jeddah", active.Route())
	assert.True(t, active.Status.ProviderActionable())

	unknown, err := dir.Lookup(context.Background(), "+15550000000")
	require.NoError(t, err)
	assert.False(t, unknown.Registered())
	assert.False(t, unknown.HasPriorBookings())
}

func TestBookingStatus(t *testing.T) {
	cases := []struct {
		status     BookingStatus
		active     bool
		actionable bool
	}{
		{StatusPendingPayment, true, false},
		{StatusPaid, true, true},
		{StatusPendingIssue, true, true},
		{StatusIssued, true, true},
		{StatusCompleted, false, false},
		{StatusCancelled, false, false},
		{StatusRefunded, false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.active, tc.status.Active(), string(tc.status))
		assert.Equal(t, tc.actionable, tc.status.ProviderActionable(), string(tc.status))
	}
}

func TestProfileLatest(t *testing.T) {
	now := time.Now()
	p := Profile{Bookings: []Booking{
		{Ref: "old", Status: StatusIssued, CreatedAt: now.Add(-48 * time.Hour)},
		{Ref: "new", Status: StatusCancelled, CreatedAt: now},
	}}
	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, "new", latest.Ref)
	active, ok := p.LatestActive()
	require.True(t, ok)
	assert.Equal(t, "old", active.Ref)
	_, ok = p.Find("missing")
	assert.False(t, ok)
}

func TestClientLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api_key") != "secret" {
			t.Fatalf("missing api key")
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/entities/Customer":
			if r.URL.Query().Get("phone") != "+9670000001" {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			_, _ = w.Write([]byte(`[{"id":"cust-1","phone":"+9670000001","full_name":"Salem"}]`))
		case "/entities/Booking":
			if r.URL.Query().Get("customer_id") != "cust-1" {
				t.Fatalf("unexpected customer filter %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`[{"booking_ref":"FD-200","customer_id":"cust-1","from_city":"Aden","to_city":"Jeddah","status":"paid","created_date":"2026-03-01T10:00:00Z"}]`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", APIKey: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	p, err := client.Lookup(context.Background(), "+967 000 0001")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !p.Registered() || p.Customer.Name != "Salem" {
		t.Fatalf("expected registered customer, got %#v", p.Customer)
	}
	if len(p.Bookings) != 1 || p.Bookings[0].Status != StatusPaid {
		t.Fatalf("unexpected bookings %#v", p.Bookings)
	}

	p, err = client.Lookup(context.Background(), "+15550000000")
	if err != nil || p.Registered() {
		t.Fatalf("expected unregistered profile, got %#v err=%v", p, err)
	}
}

func TestClientLookupServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Lookup(context.Background(), "+9670000001"); err == nil {
		t.Fatalf("expected error on 503")
	}
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("expected base url error")
	}
}

type countingDirectory struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (d *countingDirectory) Lookup(ctx context.Context, phone string) (Profile, error) {
	d.calls.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return Profile{}, d.err
	}
	return Profile{Customer: &Customer{ID: "c", Phone: phone}}, nil
}

func TestCachedCollapsesConcurrentLookups(t *testing.T) {
	upstream := &countingDirectory{gate: make(chan struct{})}
	cached := NewCached(upstream, 10, time.Minute, logging.NewWithWriter("error", &bytes.Buffer{}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := cached.Lookup(context.Background(), "+9670000001")
			assert.NoError(t, err)
			assert.True(t, p.Registered())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(upstream.gate)
	wg.Wait()

	_, err := cached.Lookup(context.Background(), "9670000001@c.us")
	require.NoError(t, err)
	assert.Equal(t, int32(1), upstream.calls.Load())

	cached.Invalidate("+9670000001")
	_, _ = cached.Lookup(context.Background(), "+9670000001")
	assert.Equal(t, int32(2), upstream.calls.Load())
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	upstream := &countingDirectory{err: errors.New("boom")}
	cached := NewCached(upstream, 10, time.Minute, logging.NewWithWriter("error", &bytes.Buffer{}))

	_, err := cached.Lookup(context.Background(), "+9670000001")
	require.Error(t, err)
	_, err = cached.Lookup(context.Background(), "+9670000001")
	require.Error(t, err)
	assert.Equal(t, int32(2), upstream.calls.Load())
}
