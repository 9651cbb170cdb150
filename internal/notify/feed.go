package notify

import (
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const feedClientBuffer = 16

// FeedEvent is one message pushed to agent consoles.
type FeedEvent struct {
	Type       string             `json:"type"`
	Escalation *escalation.Record `json:"escalation,omitempty"`
}

type feedClient struct {
	events chan FeedEvent
}

// LiveFeed pushes handoffs to connected agent consoles over websockets.
// Slow consoles drop events rather than stall the broadcaster.
type LiveFeed struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

func NewLiveFeed(logger *logging.Logger) *LiveFeed {
	if logger == nil {
		logger = logging.Default()
	}
	return &LiveFeed{
		logger:  logger.Component("live_feed"),
		clients: make(map[*feedClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the console
// disconnects.
func (f *LiveFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(f.serve).ServeHTTP(w, r)
}

func (f *LiveFeed) serve(conn *websocket.Conn) {
	client := &feedClient{events: make(chan FeedEvent, feedClientBuffer)}
	f.add(client)
	defer f.remove(client)

	if err := websocket.JSON.Send(conn, FeedEvent{Type: "hello"}); err != nil {
		return
	}
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var discard any
		for {
			if err := websocket.JSON.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-closed:
			return
		case evt := <-client.events:
			if err := websocket.JSON.Send(conn, evt); err != nil {
				f.logger.Debug("live feed send failed", "error", err)
				return
			}
		}
	}
}

func (f *LiveFeed) add(c *feedClient) {
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
}

func (f *LiveFeed) remove(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
}

// Clients reports how many consoles are connected.
func (f *LiveFeed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Broadcast queues rec for every connected console and returns how many
// accepted it.
func (f *LiveFeed) Broadcast(rec escalation.Record) int {
	evt := FeedEvent{Type: "escalation", Escalation: &rec}
	f.mu.RLock()
	defer f.mu.RUnlock()
	delivered := 0
	for c := range f.clients {
		select {
		case c.events <- evt:
			delivered++
		default:
			f.logger.Warn("live feed client lagging; event dropped", "escalation_id", rec.ID)
		}
	}
	return delivered
}
