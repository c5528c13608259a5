// Package wsmonitor backs the dashboard's live-monitor endpoint
// (SPEC_FULL.md §C.2), pushing Broadcast messages over a websocket.
// The daemon broadcasts one message type, peer_offline, sent by the
// health checker; no peer-online or AI task status messages are sent. The register/unregister/broadcast
// channel hub is adapted from the teacher's
// internal/websocket.Monitor, generalized from D-PlaneOS system events
// to Loopsy's peer/task transition events.
package wsmonitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // LAN tool; no browser-origin trust boundary
}

// Message is one push to every connected monitor client.
type Message struct {
	Type      string      `json:"type"` // peer_offline is the only type the daemon sends
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Hub owns the set of connected dashboard monitor clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast pushes msg to every connected client; a slow/dead client's
// write failure only drops that client, never blocks the others.
func (h *Hub) Broadcast(msg Message) {
	msg.Timestamp = time.Now().UnixMilli()
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			log.Printf("[wsmonitor] dropping slow client")
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and streams Broadcast
// messages to it until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[wsmonitor] upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan Message, 32)}
	h.add(c)

	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for msg := range c.send {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	conn.Close()
}
