// Package realtime is the barker fan-out layer: a websocket hub fed by the
// channel bus that delivers envelopes to clients by topic pattern.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Message is the wire frame sent to websocket clients: the bus envelope with
// its source channel attached.
type Message struct {
	Channel   string           `json:"channel"`
	EventType events.EventType `json:"event_type"`
	Data      json.RawMessage  `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
}

// Stats is the hub state reported on /stats.
type Stats struct {
	Clients   int            `json:"clients"`
	Patterns  map[string]int `json:"patterns"`
	Delivered int64          `json:"delivered"`
	Dropped   int64          `json:"dropped"`
}

// Hub maintains the set of active clients and routes broadcast messages to
// the ones whose patterns match.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	logger     logging.Logger
	mutex      sync.RWMutex

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a websocket hub. Run must be started for clients to attach.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run owns the client set until ctx is canceled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithFields(logging.Fields{
				"client_count": count,
				"patterns":     client.patternList(),
			}).Info("Client connected")

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Broadcast queues one envelope for fan-out. A full queue drops the message
// rather than blocking the bus listener.
func (h *Hub) Broadcast(channel string, env events.Envelope) {
	msg := Message{
		Channel:   channel,
		EventType: env.EventType,
		Data:      env.Data,
		Timestamp: time.Now().UTC(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.logger.WithField("channel", channel).Warn("Broadcast queue full, message dropped")
	}
}

func (h *Hub) deliver(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Broadcast marshal failed")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		if !client.wants(msg.Channel) {
			continue
		}
		select {
		case client.send <- payload:
			h.delivered.Add(1)
		default:
			// Slow consumer. Disconnect it rather than stall the hub.
			delete(h.clients, client)
			close(client.send)
			h.dropped.Add(1)
			h.logger.Warn("Client send queue full, disconnecting")
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	if ok {
		h.logger.WithField("client_count", count).Info("Client disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stats snapshots client and delivery counts.
func (h *Hub) Stats() Stats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats := Stats{
		Clients:   len(h.clients),
		Patterns:  make(map[string]int),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
	for client := range h.clients {
		for _, p := range client.patternList() {
			stats.Patterns[p]++
		}
	}
	return stats
}

// ServeWS upgrades the connection and registers the client with its preset
// patterns. Clients adjust subscriptions over the socket afterwards.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, presets ...string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	client := newClient(h, conn, presets)
	h.register <- client

	go client.writePump()
	go client.readPump()
}
