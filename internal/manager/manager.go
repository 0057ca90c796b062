package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/internal/publisher"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Status of a supervised worker.
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusRunning  Status = "running"
	StatusDead     Status = "dead"
)

// killGrace is how long the manager waits after SIGKILL before giving up on
// a process that refuses to exit.
const killGrace = 2 * time.Second

// Config controls the supervision loop.
type Config struct {
	WorkerIDs           []string
	HealthCheckInterval time.Duration
	SpawnStagger        time.Duration
	StopTimeout         time.Duration
	RestartBackoffMin   time.Duration
	RestartBackoffMax   time.Duration
}

// DefaultConfig returns the supervision defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		SpawnStagger:        2 * time.Second,
		StopTimeout:         15 * time.Second,
		RestartBackoffMin:   time.Second,
		RestartBackoffMax:   30 * time.Second,
	}
}

// ConfigFromEnv builds the supervision config from the environment. Worker
// IDs come from WORKER_IDS (comma-separated) when set, otherwise spotter-1
// through spotter-N per WORKER_COUNT.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = config.GetEnvDuration("HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval)
	cfg.SpawnStagger = config.GetEnvDuration("SPAWN_STAGGER", cfg.SpawnStagger)
	cfg.StopTimeout = config.GetEnvDuration("WORKER_STOP_TIMEOUT", cfg.StopTimeout)

	if raw := config.GetEnv("WORKER_IDS", ""); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.WorkerIDs = append(cfg.WorkerIDs, id)
			}
		}
		return cfg
	}

	count := config.GetEnvInt("WORKER_COUNT", 4)
	for i := 1; i <= count; i++ {
		cfg.WorkerIDs = append(cfg.WorkerIDs, fmt.Sprintf("spotter-%d", i))
	}
	return cfg
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.SpawnStagger < 0 {
		c.SpawnStagger = def.SpawnStagger
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.RestartBackoffMin <= 0 {
		c.RestartBackoffMin = def.RestartBackoffMin
	}
	if c.RestartBackoffMax < c.RestartBackoffMin {
		c.RestartBackoffMax = def.RestartBackoffMax
	}
	return c
}

// workerRecord tracks one supervised spotter.
type workerRecord struct {
	id           string
	proc         Process
	status       Status
	spawnCount   int
	restartCount int
	lastSpawn    time.Time
	backoffStep  int
	lastRestart  time.Time
	restarting   bool
}

// Snapshot is a point-in-time view of one worker for the status API.
type Snapshot struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	PID          int       `json:"pid,omitempty"`
	Healthy      bool      `json:"healthy"`
	SpawnCount   int       `json:"spawn_count"`
	RestartCount int       `json:"restart_count"`
	LastSpawn    time.Time `json:"last_spawn"`
}

// Manager supervises the spotter worker fleet: it spawns each configured
// worker, watches for deaths, and restarts with exponential backoff.
type Manager struct {
	cfg    Config
	launch Launcher
	pub    *publisher.Publisher
	logger logging.Logger

	mu      sync.Mutex
	workers map[string]*workerRecord

	// sleep is swapped out in tests so backoff and stagger don't stall them.
	sleep func(ctx context.Context, d time.Duration) bool

	monitorDone chan struct{}
	started     bool
}

// New builds a Manager. Workers are not spawned until Start.
func New(cfg Config, launch Launcher, pub *publisher.Publisher, logger logging.Logger) *Manager {
	return &Manager{
		cfg:         cfg.normalize(),
		launch:      launch,
		pub:         pub,
		logger:      logger,
		workers:     make(map[string]*workerRecord),
		sleep:       sleepCtx,
		monitorDone: make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Start spawns every configured worker with a stagger between launches, then
// runs the health monitor until ctx is canceled. A spawn failure at startup
// is fatal; later failures are retried by the monitor.
func (m *Manager) Start(ctx context.Context) error {
	for i, id := range m.cfg.WorkerIDs {
		if i > 0 && !m.sleep(ctx, m.cfg.SpawnStagger) {
			return ctx.Err()
		}
		if err := m.Spawn(id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	go m.monitor(ctx)

	m.logger.WithField("workers", len(m.cfg.WorkerIDs)).Info("Worker manager started")
	return nil
}

// Spawn launches the process for id. Spawning a worker whose process is
// still alive is a no-op.
func (m *Manager) Spawn(id string) error {
	m.mu.Lock()
	rec, ok := m.workers[id]
	if ok && rec.proc != nil && rec.proc.Alive() {
		m.mu.Unlock()
		m.logger.WithField("worker_id", id).Info("Worker already running, spawn skipped")
		return nil
	}
	if !ok {
		rec = &workerRecord{id: id}
		m.workers[id] = rec
	}
	rec.status = StatusSpawning
	m.mu.Unlock()

	proc, err := m.launch(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		rec.status = StatusDead
		return fmt.Errorf("spawn worker %s: %w", id, err)
	}
	rec.proc = proc
	rec.status = StatusRunning
	rec.spawnCount++
	rec.lastSpawn = time.Now().UTC()

	m.logger.WithFields(logging.Fields{
		"worker_id":   id,
		"pid":         proc.PID(),
		"spawn_count": rec.spawnCount,
	}).Info("Worker spawned")
	return nil
}

// Stop terminates the worker and removes its record. The process gets
// SIGTERM, then SIGKILL once timeout passes, then a short grace wait. If it
// survives even SIGKILL the record stays, marked dead.
func (m *Manager) Stop(id string, timeout time.Duration) error {
	m.mu.Lock()
	rec, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	proc := rec.proc
	m.mu.Unlock()

	exited := true
	if proc != nil && proc.Alive() {
		exited = m.terminate(id, proc, timeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workers[id]
	if !ok || cur.proc != proc {
		// Replaced by a concurrent restart. Leave the new record alone.
		return nil
	}
	if !exited {
		cur.status = StatusDead
		return fmt.Errorf("worker %s did not exit after SIGKILL", id)
	}
	delete(m.workers, id)
	m.logger.WithField("worker_id", id).Info("Worker stopped")
	return nil
}

// terminate escalates SIGTERM to SIGKILL and reports whether the process
// actually exited.
func (m *Manager) terminate(id string, proc Process, timeout time.Duration) bool {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		m.logger.WithError(err).WithField("worker_id", id).Warn("SIGTERM delivery failed")
	}

	select {
	case <-proc.Done():
		return true
	case <-time.After(timeout):
	}

	m.logger.WithField("worker_id", id).Warn("Worker ignored SIGTERM, escalating to SIGKILL")
	if err := proc.Kill(); err != nil {
		m.logger.WithError(err).WithField("worker_id", id).Warn("SIGKILL delivery failed")
	}

	select {
	case <-proc.Done():
		return true
	case <-time.After(killGrace):
		m.logger.WithField("worker_id", id).Error("Worker still running after SIGKILL")
		return false
	}
}

// Restart stops the worker's current process, waits out the restart backoff,
// and spawns a replacement. Consecutive restarts of the same worker double
// the delay from the minimum up to the cap.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown worker %s", id)
	}
	if rec.restarting {
		m.mu.Unlock()
		m.logger.WithField("worker_id", id).Info("Worker restart already in progress")
		return nil
	}
	rec.restarting = true
	defer func() {
		m.mu.Lock()
		rec.restarting = false
		m.mu.Unlock()
	}()
	rec.restartCount++
	rec.backoffStep++
	rec.lastRestart = time.Now().UTC()
	rec.status = StatusSpawning
	proc := rec.proc
	rec.proc = nil
	step := rec.backoffStep
	m.mu.Unlock()

	if proc != nil && proc.Alive() {
		m.terminate(id, proc, m.cfg.StopTimeout)
	}

	delay := m.restartDelay(step)
	m.logger.WithFields(logging.Fields{
		"worker_id": id,
		"attempt":   step,
		"delay":     delay.String(),
	}).Info("Restarting worker")
	if !m.sleep(ctx, delay) {
		return ctx.Err()
	}

	return m.Spawn(id)
}

// restartDelay doubles from the configured minimum per consecutive restart,
// capped at the maximum.
func (m *Manager) restartDelay(step int) time.Duration {
	if step < 1 {
		step = 1
	}
	if step > 10 {
		// 2^(10-1) already exceeds any sane cap, avoid shift overflow.
		return m.cfg.RestartBackoffMax
	}
	delay := m.cfg.RestartBackoffMin << uint(step-1)
	if delay > m.cfg.RestartBackoffMax || delay <= 0 {
		delay = m.cfg.RestartBackoffMax
	}
	return delay
}

// CheckHealth reports whether the worker's process is alive.
func (m *Manager) CheckHealth(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[id]
	return ok && rec.proc != nil && rec.proc.Alive()
}

// Knows reports whether id is under supervision.
func (m *Manager) Knows(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[id]
	return ok
}

// monitor sweeps the fleet every health interval until ctx is canceled.
func (m *Manager) monitor(ctx context.Context) {
	defer close(m.monitorDone)

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep restarts dead workers and resets backoff for workers that survived a
// full health interval since their last restart.
func (m *Manager) sweep(ctx context.Context) {
	for _, id := range m.cfg.WorkerIDs {
		if ctx.Err() != nil {
			return
		}
		if m.CheckHealth(id) {
			m.resetBackoffIfSettled(id)
			continue
		}
		if m.restartInFlight(id) {
			continue
		}

		m.logger.WithField("worker_id", id).Warn("Worker found dead")
		m.pub.SystemAlert(ctx, events.SystemAlert{
			Severity:  "warning",
			Component: "manager",
			Message:   fmt.Sprintf("worker %s died, restarting", id),
			WorkerID:  id,
			Timestamp: time.Now().UTC(),
		})

		if err := m.Restart(ctx, id); err != nil {
			m.logger.WithError(err).WithField("worker_id", id).Error("Worker restart failed, will retry next sweep")
		}
	}
}

func (m *Manager) restartInFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[id]
	return ok && rec.restarting
}

func (m *Manager) resetBackoffIfSettled(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[id]
	if !ok || rec.backoffStep == 0 {
		return
	}
	if time.Since(rec.lastRestart) >= m.cfg.HealthCheckInterval {
		rec.backoffStep = 0
	}
}

// Shutdown stops every worker in parallel with the configured stop timeout.
// Call after canceling the Start context so the monitor is not mid-sweep.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	started := m.started
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if started {
		<-m.monitorDone
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(id, m.cfg.StopTimeout); err != nil {
				m.logger.WithError(err).WithField("worker_id", id).Error("Worker stop failed during shutdown")
			}
		}(id)
	}
	wg.Wait()

	m.logger.Info("Worker manager stopped")
}

// Snapshots returns the fleet state sorted by worker ID.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.workers))
	for _, rec := range m.workers {
		snap := Snapshot{
			ID:           rec.id,
			Status:       rec.status,
			SpawnCount:   rec.spawnCount,
			RestartCount: rec.restartCount,
			LastSpawn:    rec.lastSpawn,
		}
		if rec.proc != nil {
			snap.PID = rec.proc.PID()
			snap.Healthy = rec.proc.Alive()
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports how many workers are healthy out of the configured fleet.
func (m *Manager) Counts() (healthy, total int) {
	total = len(m.cfg.WorkerIDs)
	for _, id := range m.cfg.WorkerIDs {
		if m.CheckHealth(id) {
			healthy++
		}
	}
	return healthy, total
}
