package collector

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/logger"
	"github.com/toolwatch/toolwatch/internal/store"
)

// pendingMessage is the frame pushed to live viewers on every pending
// state change. The full list is sent each time, never a delta.
type pendingMessage struct {
	Type    string            `json:"type"`
	Pending []*event.ToolCall `json:"pending"`
}

// Hub manages live WebSocket viewers of the pending approval list.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	store    store.Store
	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub backed by the given store.
func NewHub(st store.Store) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		store:   st,
		upgrader: websocket.Upgrader{
			// Collector clients are unauthenticated by design; the
			// dashboard may be served from another origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// BroadcastPending pushes the full pending list to every connected
// viewer. Slow clients are dropped rather than blocking the broadcast.
func (h *Hub) BroadcastPending(pending []*event.ToolCall) {
	data, err := json.Marshal(pendingMessage{Type: "pending", Pending: emptyIfNil(pending)})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logger.Debug().Msg("WebSocket client send buffer full, dropping frame")
		}
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all viewers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ServeHTTP upgrades the connection and streams pending-list updates.
// The current pending list is sent immediately on connect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	h.sendInitial(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) sendInitial(c *client) {
	var pending []*event.ToolCall
	if h.store != nil {
		var err error
		pending, err = h.store.PendingApprovals()
		if err != nil {
			logger.Debug().Err(err).Msg("Failed to load pending approvals for new viewer")
		}
	}

	data, err := json.Marshal(pendingMessage{Type: "pending", Pending: emptyIfNil(pending)})
	if err != nil {
		return
	}

	select {
	case c.send <- data:
	default:
	}
}

// writePump is the single writer for a connection.
func (h *Hub) writePump(c *client) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

// readPump discards inbound frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func emptyIfNil(pending []*event.ToolCall) []*event.ToolCall {
	if pending == nil {
		return []*event.ToolCall{}
	}
	return pending
}
