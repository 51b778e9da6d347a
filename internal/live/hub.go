// Package live streams graph changes to connected clients over websockets.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/metrics"
	"go.uber.org/zap"
)

// MaxConnectionsPerUser caps concurrent live connections for one user.
const MaxConnectionsPerUser = 10

type outbound struct {
	userID string
	data   []byte
}

// Hub tracks live connections per user and fans changes out to them.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	upgrader websocket.Upgrader
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(m *metrics.Collector, logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 100),
		unregister:  make(chan *Client, 100),
		broadcast:   make(chan outbound, 1000),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger,
	}
}

// Run is the hub's event loop. It closes every connection when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Live hub shutting down")
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Broadcast queues a change for its owner's connections. It never blocks;
// when the queue is full the change is dropped and logged.
func (h *Hub) Broadcast(c graph.Change) {
	if c.OwnerID == "" {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		h.logger.Error("Failed to encode change", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{userID: c.OwnerID, data: data}:
	default:
		h.logger.Warn("Broadcast queue full, change dropped", zap.String("userID", c.OwnerID))
	}
}

// ServeWS upgrades the request and attaches the connection to userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	if h.ConnectionCount(userID) >= MaxConnectionsPerUser {
		h.logger.Warn("Connection limit exceeded", zap.String("userID", userID))
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err), zap.String("remoteAddr", r.RemoteAddr))
		return
	}
	newClient(userID, h, conn, h.logger).start()
}

// ConnectionCount returns the number of open connections for userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	if h.connections[c.userID] == nil {
		h.connections[c.userID] = make(map[*Client]struct{})
	}
	h.connections[c.userID][c] = struct{}{}
	n := len(h.connections[c.userID])
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.LiveClients.Inc()
	}
	c.logger.Info("Client registered", zap.Int("userConnections", n))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	set, ok := h.connections[c.userID]
	if ok {
		if _, present := set[c]; !present {
			ok = false
		}
	}
	if ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.connections, c.userID)
		}
		close(c.send)
	}
	h.mu.Unlock()

	if ok {
		if h.metrics != nil {
			h.metrics.LiveClients.Dec()
		}
		c.logger.Info("Client unregistered")
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.connections[msg.userID] {
		select {
		case c.send <- msg.data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		c.logger.Warn("Client send buffer full, disconnecting")
		h.remove(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.connections {
		for c := range set {
			close(c.send)
			if h.metrics != nil {
				h.metrics.LiveClients.Dec()
			}
		}
		delete(h.connections, userID)
	}
}
