package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/middleware"
)

// Handlers exposes the hub over HTTP.
type Handlers struct {
	hub       *Hub
	logger    logging.Logger
	startTime time.Time
}

// NewHandlers creates the barker HTTP handlers.
func NewHandlers(hub *Hub, logger logging.Logger) *Handlers {
	return &Handlers{
		hub:       hub,
		logger:    logger,
		startTime: time.Now(),
	}
}

// HandleWebSocketAll serves /ws with the whole namespace preset.
func (h *Handlers) HandleWebSocketAll(c *gin.Context) {
	middleware.GetContextLogger(c, h.logger).Info("WebSocket client connecting")
	h.hub.ServeWS(c.Writer, c.Request, events.PatternAll)
}

// HandleWebSocketBigWins serves /ws/big-wins preset to the big win feed.
func (h *Handlers) HandleWebSocketBigWins(c *gin.Context) {
	middleware.GetContextLogger(c, h.logger).Info("WebSocket client connecting")
	h.hub.ServeWS(c.Writer, c.Request, events.TopicBigWins)
}

// HandleStats reports hub statistics.
func (h *Handlers) HandleStats(c *gin.Context) {
	stats := h.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"clients":   stats.Clients,
		"patterns":  stats.Patterns,
		"delivered": stats.Delivered,
		"dropped":   stats.Dropped,
		"uptime":    time.Since(h.startTime).String(),
	})
}
