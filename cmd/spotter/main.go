package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bigwin"
	"github.com/rogervilla2024/slotfeed-sub002/internal/bus"
	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/capture"
	"github.com/rogervilla2024/slotfeed-sub002/internal/extract"
	"github.com/rogervilla2024/slotfeed-sub002/internal/hotcold"
	"github.com/rogervilla2024/slotfeed-sub002/internal/processor"
	"github.com/rogervilla2024/slotfeed-sub002/internal/publisher"
	"github.com/rogervilla2024/slotfeed-sub002/internal/storage"
	"github.com/rogervilla2024/slotfeed-sub002/internal/worker"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/database"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/monitoring"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/redis"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/server"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("spotter")

	// Load environment variables
	config.LoadEnv(logger)

	workerCfg := worker.ConfigFromEnv()
	logger.WithField("worker_id", workerCfg.WorkerID).Info("Starting Spotter (Capture Worker)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("spotter", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("spotter", version.Version, version.GitCommit)

	// Create pipeline metrics
	framesTotal, readingsTotal, eventsTotal := metricsCollector.CreatePipelineMetrics()

	// SIGTERM from the supervisor is the wind-down signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Redis for the cache store and channel bus
	redisClient, err := redis.NewClientFromEnv(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// Connect Postgres for session targets and win history
	dbCfg := database.DefaultConfig()
	dbCfg.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbCfg, logger)
	defer db.Close()

	channelBus := bus.NewRedisBus(redisClient, logger)
	// Publish-only: no subscriptions, so Start wires no listener.
	if err := channelBus.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start channel bus")
	}
	defer channelBus.Stop()

	store := cache.NewRedisStore(redisClient)
	sessions := storage.NewCached(storage.NewPostgres(db, logger), store, logger)

	// Assemble the extraction pipeline
	pub := publisher.New(channelBus, logger).WithEventCounter(eventsTotal)
	proc := processor.New(store, pub, processor.LimitsFromEnv(), logger).WithReadingCounter(readingsTotal)
	temps := hotcold.New(store, pub, hotcold.ConfigFromEnv(), logger)

	w := worker.New(workerCfg, worker.Deps{
		Store:     sessions,
		Cache:     store,
		Capturer:  capture.NewCapturer(capture.ConfigFromEnv(), logger),
		Extractor: extract.NewCommandExtractor(extract.ConfigFromEnv(), logger),
		Processor: proc,
		Detector:  bigwin.NewDetector(bigwin.ThresholdsFromEnv()),
		HotCold:   temps,
		Publisher: pub,
		Logger:    logger,
	}).WithFrameCounter(framesTotal)

	// Add health checks
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	// Per-worker operational surface. The port derives from the shard index
	// so a fleet on one host does not collide.
	router := server.SetupServiceRouter(logger, "spotter", healthChecker, metricsCollector)
	port := config.GetEnv("PORT", strconv.Itoa(config.GetEnvInt("WORKER_PORT_BASE", 18080)+workerCfg.ShardIndex()))
	srv := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		logger.WithField("port", port).Info("Spotter operational endpoint up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Operational endpoint failed")
		}
	}()

	// Run until the supervisor signals us down
	if err := w.Run(ctx); err != nil {
		logger.WithError(err).Error("Spotter runtime failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
