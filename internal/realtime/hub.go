// Package realtime fans job progress events out to connected WebSocket
// clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/communiday/eventcore-go/internal/metrics"
	"github.com/communiday/eventcore-go/internal/queue"
)

const (
	// sendBuffer is the per-client outbound queue. A client that falls this
	// far behind is disconnected rather than allowed to stall the hub.
	sendBuffer = 32

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

// client is one connected WebSocket consumer.
type client struct {
	conn *websocket.Conn
	send chan []byte
	// ownerID filters delivery when non-empty.
	ownerID string
}

// Hub tracks connected clients and broadcasts flattened job events to them.
// It implements the progress bridge's Publisher interface.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// PublishProgress broadcasts a flattened job event to every connected
// client whose owner filter matches. Slow clients are dropped.
func (h *Hub) PublishProgress(n queue.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("marshal notification", "job_id", n.JobID, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if c.ownerID != "" && !ownerMatches(c.ownerID, n.Payload) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.remove(c)
	}
}

// ownerMatches checks the owner_id field inside a job payload.
func ownerMatches(ownerID string, payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var p struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	return p.OwnerID == ownerID
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and streams events until
// the client disconnects. An optional ?owner_id= query parameter restricts
// delivery to that owner's jobs.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		ownerID: r.URL.Query().Get("owner_id"),
	}
	h.add(c)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = c.conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RealtimeClients.Inc()
	}
	h.logger.Info("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	_ = c.conn.Close()
	if h.metrics != nil {
		h.metrics.RealtimeClients.Dec()
	}
	h.logger.Info("websocket client disconnected")
}

// readLoop drains inbound frames to process pongs and detect disconnects.
// Clients do not send application messages.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Shutdown disconnects all clients and refuses new ones.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	return ctx.Err()
}
