package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Per-client send queue depth.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SubscriptionMessage adjusts a client's topic patterns.
type SubscriptionMessage struct {
	Action   string   `json:"action"`   // "subscribe" or "unsubscribe"
	Patterns []string `json:"patterns"` // e.g. ["slotfeed:big_wins", "slotfeed:game:*"]
}

// Client is one websocket connection and its pattern subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	patterns []string

	logger logging.Logger
}

func newClient(h *Hub, conn *websocket.Conn, presets []string) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		patterns: append([]string(nil), presets...),
		logger:   h.logger,
	}
}

// wants reports whether any subscribed pattern matches the channel.
func (c *Client) wants(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.patterns {
		if events.MatchPattern(p, channel) {
			return true
		}
	}
	return false
}

func (c *Client) patternList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.patterns...)
}

func (c *Client) addPatterns(patterns []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		if p == "" {
			continue
		}
		exists := false
		for _, have := range c.patterns {
			if have == p {
				exists = true
				break
			}
		}
		if !exists {
			c.patterns = append(c.patterns, p)
		}
	}
	return append([]string(nil), c.patterns...)
}

func (c *Client) removePatterns(patterns []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		for i, have := range c.patterns {
			if have == p {
				c.patterns = append(c.patterns[:i], c.patterns[i+1:]...)
				break
			}
		}
	}
	return append([]string(nil), c.patterns...)
}

// readPump pumps subscription messages from the connection to the client
// state until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket connection error")
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.WithError(err).Warn("Invalid subscription message")
			continue
		}
		c.handleSubscription(&subMsg)
	}
}

// writePump pumps hub messages to the connection and keeps the peer alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush anything already queued into the same write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleSubscription(msg *SubscriptionMessage) {
	switch msg.Action {
	case "subscribe":
		patterns := c.addPatterns(msg.Patterns)
		c.logger.WithFields(logging.Fields{
			"added":    msg.Patterns,
			"patterns": patterns,
		}).Info("Client subscribed")
		c.confirm("subscription_confirmed", patterns)

	case "unsubscribe":
		patterns := c.removePatterns(msg.Patterns)
		c.logger.WithFields(logging.Fields{
			"removed":  msg.Patterns,
			"patterns": patterns,
		}).Info("Client unsubscribed")
		c.confirm("unsubscription_confirmed", patterns)

	default:
		c.logger.WithField("action", msg.Action).Warn("Unknown subscription action")
	}
}

func (c *Client) confirm(kind string, patterns []string) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":     kind,
		"patterns": patterns,
	})
	if err != nil {
		c.logger.WithError(err).Error("Confirmation marshal failed")
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
