package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/clock"
)

// Hub maintains the set of live clients and runs periodic maintenance
type Hub struct {
	// Registered clients
	clients map[*Client]struct{}
	mu      sync.RWMutex

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// done signals the Run goroutine to exit
	done     chan struct{}
	stopOnce sync.Once

	// janitor runs every janitorInterval while the hub is running
	janitor         func()
	janitorInterval time.Duration

	clock  clock.Clock
	logger *zap.Logger
}

// NewHub creates a new Hub. janitor may be nil.
func NewHub(janitor func(), janitorInterval time.Duration, clk clock.Clock, logger *zap.Logger) *Hub {
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{
		clients:         make(map[*Client]struct{}),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		done:            make(chan struct{}),
		janitor:         janitor,
		janitorInterval: janitorInterval,
		clock:           clk,
		logger:          logger,
	}
}

// Run runs the hub event loop. It exits when Stop() is called.
func (h *Hub) Run() {
	var tick <-chan time.Time
	if h.janitor != nil && h.janitorInterval > 0 {
		ticker := h.clock.NewTicker(h.janitorInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.add(client)

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("connection_id", client.ID()), zap.Int("total_clients", total))

		case <-tick:
			h.janitor()
		}
	}
}

// add inserts client unless Stop has already taken its snapshot, in which
// case the client is closed instead.
func (h *Hub) add(client *Client) bool {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		_ = client.Close(websocket.CloseGoingAway, "server shutting down")
		return false
	default:
	}
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client registered", zap.String("connection_id", client.ID()), zap.Int("total_clients", total))
	return true
}

// Register adds client to the hub. It reports false once the hub is stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop stops the hub and closes all client connections with "going away".
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for client := range h.clients {
			clients = append(clients, client)
			delete(h.clients, client)
		}
		h.mu.Unlock()

		for _, client := range clients {
			_ = client.Close(websocket.CloseGoingAway, "server shutting down")
		}

		h.logger.Info("hub stopped", zap.Int("closed_clients", len(clients)))
	})
}
