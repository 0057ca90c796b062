package worker

import (
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/capture"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
)

// Config controls the spotter runtime.
type Config struct {
	// WorkerID identifies this spotter in heartbeats and target sharding.
	WorkerID string
	// WorkerCount is the fleet size. Live sessions are hash-sharded across
	// the fleet so each session is captured by exactly one spotter.
	WorkerCount int
	// TargetRefresh is how often the live session set is re-pulled.
	TargetRefresh time.Duration
	// HeartbeatInterval is how often liveness counters go to the cache.
	HeartbeatInterval time.Duration
	// StallTimeout ends a session's capture when no frame arrives for this
	// long. The session is treated as no longer resolving.
	StallTimeout time.Duration
	// DiffThreshold is the changed-bytes ratio below which a frame is
	// skipped without extraction.
	DiffThreshold float64
	// ScreenshotDir receives big win frames. Empty disables screenshots.
	ScreenshotDir string
	// ScreenshotBaseURL maps stored screenshot file names to public URLs.
	ScreenshotBaseURL string
}

// DefaultConfig returns the spotter defaults.
func DefaultConfig() Config {
	return Config{
		WorkerID:          "spotter-1",
		WorkerCount:       1,
		TargetRefresh:     15 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StallTimeout:      90 * time.Second,
		DiffThreshold:     capture.DefaultDiffThreshold,
	}
}

// ConfigFromEnv builds the spotter config from the environment.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.WorkerID = config.GetEnv("WORKER_ID", cfg.WorkerID)
	cfg.WorkerCount = config.GetEnvInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.TargetRefresh = config.GetEnvDuration("TARGET_REFRESH_INTERVAL", cfg.TargetRefresh)
	cfg.HeartbeatInterval = config.GetEnvDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.StallTimeout = config.GetEnvDuration("STALL_TIMEOUT", cfg.StallTimeout)
	cfg.DiffThreshold = config.GetEnvFloat("DIFF_THRESHOLD", cfg.DiffThreshold)
	cfg.ScreenshotDir = config.GetEnv("SCREENSHOT_DIR", "")
	cfg.ScreenshotBaseURL = config.GetEnv("SCREENSHOT_BASE_URL", "")
	return cfg
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.WorkerID == "" {
		c.WorkerID = def.WorkerID
	}
	if c.WorkerCount < 1 {
		c.WorkerCount = 1
	}
	if c.TargetRefresh <= 0 {
		c.TargetRefresh = def.TargetRefresh
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.DiffThreshold <= 0 {
		c.DiffThreshold = def.DiffThreshold
	}
	return c
}

// ShardIndex derives this worker's shard from the numeric suffix of its ID,
// so spotter-3 owns shard 2. IDs without a suffix fall back to shard 0.
func (c Config) ShardIndex() int {
	i := strings.LastIndexByte(c.WorkerID, '-')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(c.WorkerID[i+1:])
	if err != nil || n < 1 {
		return 0
	}
	return (n - 1) % c.WorkerCount
}

// assigned reports whether this worker owns sessionID under the fleet's
// hash sharding.
func (c Config) assigned(sessionID string) bool {
	if c.WorkerCount <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32()%uint32(c.WorkerCount)) == c.ShardIndex()
}
