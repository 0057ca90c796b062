package main

import (
	"context"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bus"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/internal/realtime"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/monitoring"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/redis"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/server"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("barker")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Barker (Realtime Fan-Out)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("barker", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("barker", version.Version, version.GitCommit)

	// Create custom metrics
	wsClients := metricsCollector.NewGauge("websocket_clients", "Connected WebSocket clients", []string{})
	wsDelivered := metricsCollector.NewGauge("websocket_messages_delivered", "Messages delivered to clients", []string{})
	wsDropped := metricsCollector.NewGauge("websocket_messages_dropped", "Messages dropped on slow or full queues", []string{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect Redis for the channel bus
	redisClient, err := redis.NewClientFromEnv(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// Initialize the WebSocket hub and bridge it onto the bus
	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	channelBus := bus.NewRedisBus(redisClient, logger)
	if err := realtime.NewBridge(channelBus, hub, logger).Attach(); err != nil {
		logger.WithError(err).Fatal("Failed to bridge hub to channel bus")
	}
	if err := channelBus.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start channel bus")
	}
	defer channelBus.Stop()

	// Sample hub stats into the service metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := hub.Stats()
				wsClients.WithLabelValues().Set(float64(s.Clients))
				wsDelivered.WithLabelValues().Set(float64(s.Delivered))
				wsDropped.WithLabelValues().Set(float64(s.Dropped))
			}
		}
	}()

	// Add health checks
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("bus", func() monitoring.CheckResult {
		select {
		case <-channelBus.Done():
			return monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: "bus listener exited"}
		default:
			return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "listening on " + events.PatternAll}
		}
	})

	// Setup router with unified monitoring
	barkerHandlers := realtime.NewHandlers(hub, logger)
	router := server.SetupServiceRouter(logger, "barker", healthChecker, metricsCollector)

	// Setup WebSocket routes
	router.GET("/ws", barkerHandlers.HandleWebSocketAll)
	router.GET("/ws/big-wins", barkerHandlers.HandleWebSocketBigWins)
	router.GET("/stats", barkerHandlers.HandleStats)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("barker", "18071")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	cancel()
	logger.Info("Barker stopped")
}
