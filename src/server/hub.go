package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"portal-relay/src/helpers"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
	"portal-relay/src/models"
)

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// -----------------------------------------------------------------------------

// registration carries the replay a client receives before any broadcast.
type registration struct {
	client *Client
	replay [][]byte
}

// Hub fans the events of one account out to its clients. All client set
// changes happen on the hub goroutine.
type Hub struct {
	accountID string

	clients    map[*Client]struct{}
	register   chan registration
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	count      int32

	metrics *metrics.Metrics
	logger  *logger.Logger
}

func newHub(accountID string, m *metrics.Metrics, log *logger.Logger) *Hub {
	return &Hub{
		accountID:  accountID,
		clients:    make(map[*Client]struct{}),
		register:   make(chan registration),
		unregister: make(chan *Client),
		// Buffered to absorb bursts from the dispatcher
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		metrics:   m,
		logger:    log,
	}
}

// -----------------------------------------------------------------------------

// run is the main Hub loop
func (h *Hub) run() {
	for {
		select {
		case reg := <-h.register:
			h.clients[reg.client] = struct{}{}
			h.setCount()
			// Send the snapshot replay on connect
			for _, msg := range reg.replay {
				select {
				case reg.client.send <- msg:
				default:
				}
			}

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client too slow, drop it so the others keep streaming
					h.logger.Warning("dropping slow client %s", client.id)
					if h.metrics != nil {
						h.metrics.DroppedClients.Inc()
					}
					h.remove(client)
				}
			}

		case <-h.done:
			for client := range h.clients {
				h.remove(client)
			}
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.setCount()
}

func (h *Hub) setCount() {
	old := atomic.SwapInt32(&h.count, int32(len(h.clients)))
	if h.metrics != nil {
		h.metrics.Clients.Add(float64(int32(len(h.clients)) - old))
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	return int(atomic.LoadInt32(&h.count))
}

// -----------------------------------------------------------------------------
// HubRegistry
// -----------------------------------------------------------------------------

// HubRegistry keeps one Hub per account so events never cross accounts.
type HubRegistry struct {
	Metrics *metrics.Metrics
	Logger  *logger.Logger

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

// NewHubRegistry creates an empty registry.
func NewHubRegistry(m *metrics.Metrics, log *logger.Logger) *HubRegistry {
	if log == nil {
		log = logger.NewNop()
	}
	return &HubRegistry{Metrics: m, Logger: log, hubs: make(map[string]*Hub)}
}

// -----------------------------------------------------------------------------

func (r *HubRegistry) hub(accountID string, create bool) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hubs[accountID]
	if ok || !create || r.closed {
		return h
	}
	h = newHub(accountID, r.Metrics, r.Logger.Named(accountID))
	r.hubs[accountID] = h
	go h.run()
	return h
}

// -----------------------------------------------------------------------------

// Register adds client to its account's hub and queues the replay events
// ahead of any later broadcast.
func (r *HubRegistry) Register(client *Client, replay []models.MEvent) bool {
	h := r.hub(client.accountID, true)
	if h == nil {
		return false
	}

	reg := registration{client: client}
	for _, ev := range replay {
		if data, ok := r.encode(ev); ok {
			reg.replay = append(reg.replay, data)
		}
	}

	select {
	case h.register <- reg:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client; safe to call after the hub already dropped it.
func (r *HubRegistry) Unregister(client *Client) {
	h := r.hub(client.accountID, false)
	if h == nil {
		return
	}
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// -----------------------------------------------------------------------------

// Broadcast scrubs and encodes ev once, then queues it for every client of
// accountID. Accounts that never had a client are skipped.
func (r *HubRegistry) Broadcast(accountID string, ev models.MEvent) {
	h := r.hub(accountID, false)
	if h == nil {
		return
	}

	data, ok := r.encode(ev)
	if !ok {
		return
	}
	if r.Metrics != nil {
		r.Metrics.Broadcasts.WithLabelValues(ev.EventType()).Inc()
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

func (r *HubRegistry) encode(ev models.MEvent) ([]byte, bool) {
	if n := helpers.ScrubNonFinite(ev); n > 0 {
		r.Logger.Debug("scrubbed %d non-finite values from %s", n, ev.EventType())
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.Logger.Error("encode %s failed: %v", ev.EventType(), err)
		return nil, false
	}
	return data, true
}

// -----------------------------------------------------------------------------

// Accounts lists the accounts with a hub.
func (r *HubRegistry) Accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.hubs))
	for acct := range r.hubs {
		out = append(out, acct)
	}
	return out
}

// Count returns the number of clients of accountID.
func (r *HubRegistry) Count(accountID string) int {
	if h := r.hub(accountID, false); h != nil {
		return h.Count()
	}
	return 0
}

// Total returns the number of clients across accounts.
func (r *HubRegistry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.hubs {
		n += h.Count()
	}
	return n
}

// Close stops every hub and closes all client outboxes.
func (r *HubRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, h := range r.hubs {
		close(h.done)
	}
}
