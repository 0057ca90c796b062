package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bus"
	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/manager"
	"github.com/rogervilla2024/slotfeed-sub002/internal/publisher"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/auth"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/middleware"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/monitoring"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/redis"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/server"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("pitboss")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Pitboss (Spotter Supervisor)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("pitboss", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("pitboss", version.Version, version.GitCommit)

	// Create custom metrics
	workersGauge := metricsCollector.NewGauge("workers", "Spotter processes by state", []string{"state"})
	restartsGauge := metricsCollector.NewGauge("worker_restarts", "Cumulative restarts per spotter", []string{"worker_id"})
	eventsPublished := metricsCollector.NewCounter("events_published_total", "Events published to the channel bus", []string{"event_type"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect Redis for the channel bus and worker heartbeats
	redisClient, err := redis.NewClientFromEnv(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	channelBus := bus.NewRedisBus(redisClient, logger)
	// Publish-only: no subscriptions, so Start wires no listener.
	if err := channelBus.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start channel bus")
	}
	defer channelBus.Stop()

	pub := publisher.New(channelBus, logger).WithEventCounter(eventsPublished)
	heartbeats := cache.NewRedisStore(redisClient)

	// Build the worker fleet
	mgrCfg := manager.ConfigFromEnv()
	workerBin := config.GetEnv("WORKER_BIN", "spotter")
	var workerArgs []string
	if raw := config.GetEnv("WORKER_ARGS", ""); raw != "" {
		workerArgs = strings.Fields(raw)
	}

	// Spotters shard sessions by fleet size, so every child must see the
	// same WORKER_COUNT the supervisor planned with.
	fleetEnv := []string{fmt.Sprintf("WORKER_COUNT=%d", len(mgrCfg.WorkerIDs))}
	launch := manager.NewCommandLauncher(workerBin, workerArgs, fleetEnv, logger)
	mgr := manager.New(mgrCfg, launch, pub, logger)

	if err := mgr.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start worker fleet")
	}

	// Feed the fleet gauges from manager snapshots
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				running, total := mgr.Counts()
				workersGauge.WithLabelValues("running").Set(float64(running))
				workersGauge.WithLabelValues("configured").Set(float64(total))
				for _, s := range mgr.Snapshots() {
					restartsGauge.WithLabelValues(s.ID).Set(float64(s.RestartCount))
				}
			}
		}
	}()

	// Add health checks
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("workers", monitoring.WorkerPoolHealthCheck(mgr.Counts))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "pitboss", healthChecker, metricsCollector)

	// Worker status, including last cache heartbeats
	router.GET("/status", middleware.TimeoutMiddleware(5*time.Second), func(c *gin.Context) {
		snaps := mgr.Snapshots()
		ids := make([]string, 0, len(snaps))
		for _, s := range snaps {
			ids = append(ids, s.ID)
		}

		hbCtx, hbCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer hbCancel()

		c.JSON(http.StatusOK, gin.H{
			"workers":    snaps,
			"heartbeats": cache.Heartbeats(hbCtx, heartbeats, ids),
		})
	})

	// Admin routes with service auth
	admin := router.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(config.RequireEnv("SERVICE_TOKEN")))
	admin.POST("/workers/:id/restart", func(c *gin.Context) {
		id := c.Param("id")
		if !mgr.Knows(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker", "worker": id})
			return
		}

		// Restart sleeps through the backoff delay, so run it off-request.
		go func() {
			if err := mgr.Restart(ctx, id); err != nil {
				logger.WithError(err).WithField("worker_id", id).Error("Admin restart failed")
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{"worker": id, "status": "restarting"})
	})

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("pitboss", "18070")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	// HTTP is down; wind down the fleet before the bus goes away.
	cancel()
	mgr.Shutdown()

	logger.Info("Pitboss stopped")
}
