package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bus"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

func newTestStack(t *testing.T) (*Hub, bus.Bus, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(logging.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	b := bus.NewMemoryBus(logging.NewLogger())
	require.NoError(t, NewBridge(b, hub, logging.NewLogger()).Attach())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	h := NewHandlers(hub, logging.NewLogger())
	router := gin.New()
	router.GET("/ws", h.HandleWebSocketAll)
	router.GET("/ws/big-wins", h.HandleWebSocketBigWins)
	router.GET("/stats", h.HandleStats)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return hub, b, srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *wsReader {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsReader{conn: conn}
}

// wsReader splits batched frames back into individual JSON documents.
type wsReader struct {
	conn    *websocket.Conn
	pending [][]byte
}

func (r *wsReader) next(t *testing.T) []byte {
	t.Helper()
	if len(r.pending) == 0 {
		require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := r.conn.ReadMessage()
		require.NoError(t, err)
		r.pending = bytes.Split(raw, []byte{'\n'})
	}
	doc := r.pending[0]
	r.pending = r.pending[1:]
	return doc
}

func (r *wsReader) nextMessage(t *testing.T) Message {
	t.Helper()
	var msg Message
	require.NoError(t, json.Unmarshal(r.next(t), &msg))
	return msg
}

func (r *wsReader) writeJSON(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, r.conn.WriteJSON(v))
}

type confirmation struct {
	Type     string   `json:"type"`
	Patterns []string `json:"patterns"`
}

func (r *wsReader) nextConfirmation(t *testing.T) confirmation {
	t.Helper()
	var c confirmation
	require.NoError(t, json.Unmarshal(r.next(t), &c))
	return c
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Stats().Clients == n
	}, 2*time.Second, 5*time.Millisecond)
}

func publish(t *testing.T, b bus.Bus, channel string, et events.EventType, payload interface{}) {
	t.Helper()
	env, err := events.NewEnvelope(et, payload)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), channel, env)
	require.NoError(t, err)
}

func TestEnvelopeReachesClient(t *testing.T) {
	hub, b, srv := newTestStack(t)
	conn := dialWS(t, srv, "/ws")
	waitClients(t, hub, 1)

	publish(t, b, events.TopicLive, events.EventBalanceUpdate, events.BalanceUpdate{
		SessionID:      "sess-1",
		NewBalance:     950,
		Delta:          -50,
		Classification: events.ClassBet,
		Timestamp:      time.Now().UTC(),
	})

	msg := conn.nextMessage(t)
	assert.Equal(t, events.TopicLive, msg.Channel)
	assert.Equal(t, events.EventBalanceUpdate, msg.EventType)

	var up events.BalanceUpdate
	require.NoError(t, json.Unmarshal(msg.Data, &up))
	assert.Equal(t, "sess-1", up.SessionID)
	assert.Equal(t, events.ClassBet, up.Classification)
}

func TestBigWinsPresetFiltersOtherEvents(t *testing.T) {
	hub, b, srv := newTestStack(t)
	conn := dialWS(t, srv, "/ws/big-wins")
	waitClients(t, hub, 1)

	publish(t, b, events.TopicLive, events.EventBalanceUpdate, events.BalanceUpdate{SessionID: "sess-1"})
	publish(t, b, events.StreamTopic("sess-1"), events.EventViewerUpdate, events.ViewerUpdate{SessionID: "sess-1", Viewers: 420})
	publish(t, b, events.TopicBigWins, events.EventBigWin, events.BigWin{
		ID:         "win-1",
		SessionID:  "sess-1",
		Tier:       events.TierHuge,
		Multiplier: 62.5,
	})

	// The first delivered frame must be the big win; everything before it
	// fails the pattern and is never queued.
	msg := conn.nextMessage(t)
	assert.Equal(t, events.TopicBigWins, msg.Channel)
	assert.Equal(t, events.EventBigWin, msg.EventType)

	var win events.BigWin
	require.NoError(t, json.Unmarshal(msg.Data, &win))
	assert.Equal(t, events.TierHuge, win.Tier)
}

func TestSubscriptionFlowNarrowsPatterns(t *testing.T) {
	hub, b, srv := newTestStack(t)
	conn := dialWS(t, srv, "/ws")
	waitClients(t, hub, 1)

	conn.writeJSON(t, SubscriptionMessage{Action: "unsubscribe", Patterns: []string{events.PatternAll}})
	un := conn.nextConfirmation(t)
	assert.Equal(t, "unsubscription_confirmed", un.Type)
	assert.Empty(t, un.Patterns)

	conn.writeJSON(t, SubscriptionMessage{Action: "subscribe", Patterns: []string{"slotfeed:game:*"}})
	sub := conn.nextConfirmation(t)
	assert.Equal(t, "subscription_confirmed", sub.Type)
	assert.Equal(t, []string{"slotfeed:game:*"}, sub.Patterns)

	publish(t, b, events.StreamTopic("sess-9"), events.EventViewerUpdate, events.ViewerUpdate{SessionID: "sess-9"})
	publish(t, b, events.GameTopic("game-7"), events.EventSlotHot, events.SlotTemperature{GameID: "game-7", PayoutRatio: 1.5})

	msg := conn.nextMessage(t)
	assert.Equal(t, events.GameTopic("game-7"), msg.Channel)
	assert.Equal(t, events.EventSlotHot, msg.EventType)
}

func TestSlowClientDisconnected(t *testing.T) {
	h := NewHub(logging.NewLogger())

	c := &Client{
		hub:      h,
		send:     make(chan []byte, 1),
		patterns: []string{events.PatternAll},
		logger:   logging.NewLogger(),
	}
	c.send <- []byte("backlog")
	h.clients[c] = true

	h.deliver(Message{
		Channel:   events.TopicLive,
		EventType: events.EventSystemAlert,
		Data:      json.RawMessage(`{}`),
		Timestamp: time.Now().UTC(),
	})

	assert.Empty(t, h.clients)
	assert.Equal(t, int64(1), h.dropped.Load())

	<-c.send
	_, open := <-c.send
	assert.False(t, open)
}

func TestStatsEndpoint(t *testing.T) {
	hub, _, srv := newTestStack(t)
	dialWS(t, srv, "/ws")
	dialWS(t, srv, "/ws/big-wins")
	waitClients(t, hub, 2)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Clients  int            `json:"clients"`
		Patterns map[string]int `json:"patterns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Clients)
	assert.Equal(t, 1, stats.Patterns[events.PatternAll])
	assert.Equal(t, 1, stats.Patterns[events.TopicBigWins])
}
