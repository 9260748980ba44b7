// Package realtime pushes analytics events to websocket subscribers.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
	sendBuffer   = 16
)

// Event is the envelope written to subscribers.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	retain   map[string]bool
	retained map[string][]byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds a hub accepting the given origins (none or "*" accepts all). The last event of
// every kind in retainKinds is replayed to clients when they connect.
func NewHub(allowedOrigins []string, retainKinds ...string) *Hub {
	allowed := map[string]bool{}
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	retain := map[string]bool{}
	for _, k := range retainKinds {
		retain[k] = true
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
			},
		},
		clients:  map[*client]struct{}{},
		retain:   retain,
		retained: map[string][]byte{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

// Broadcast sends an event to every client. Slow clients are dropped.
func (h *Hub) Broadcast(kind string, payload any) {
	b, err := json.Marshal(Event{Type: kind, Payload: payload, At: time.Now().UTC()})
	if err != nil {
		slog.Warn("realtime marshal failed", "type", kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retain[kind] {
		h.retained[kind] = b
	}
	for c := range h.clients {
		if !h.offer(c, b) {
			slog.Debug("dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
		}
	}
}

// offer queues b for c, disconnecting c when its buffer is full. Callers hold h.mu.
func (h *Hub) offer(c *client, b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
		return false
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	kinds := make([]string, 0, len(h.retained))
	for k := range h.retained {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		if !h.offer(c, h.retained[k]) {
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

// readPump discards client frames; subscribers only listen. It returns when the peer goes away.
func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(512)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, msg []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, msg)
	}
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
