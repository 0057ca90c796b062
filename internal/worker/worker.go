// Package worker runs the spotter: it pulls live capture targets from
// storage, shards them across the fleet, and drives the frame capture,
// extraction, and balance pipeline for each owned session.
package worker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bigwin"
	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/internal/extract"
	"github.com/rogervilla2024/slotfeed-sub002/internal/hotcold"
	"github.com/rogervilla2024/slotfeed-sub002/internal/processor"
	"github.com/rogervilla2024/slotfeed-sub002/internal/publisher"
	"github.com/rogervilla2024/slotfeed-sub002/internal/storage"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Capturer is the slice of the frame capture surface the runtime drives.
type Capturer interface {
	ResolveStreamURL(ctx context.Context, playbackURL string) (string, bool)
	Loop(ctx context.Context, streamURL string, onFrame func([]byte), maxDuration time.Duration)
}

// Deps are the collaborators the spotter runtime is wired with.
type Deps struct {
	Store     storage.Store
	Cache     cache.Store
	Capturer  Capturer
	Extractor extract.Extractor
	Processor *processor.Processor
	Detector  *bigwin.Detector
	HotCold   *hotcold.Tracker
	Publisher *publisher.Publisher
	Logger    logging.Logger
}

// Worker is the spotter runtime.
type Worker struct {
	cfg       Config
	store     storage.Store
	cache     cache.Store
	capturer  Capturer
	extractor extract.Extractor
	processor *processor.Processor
	detector  *bigwin.Detector
	hotcold   *hotcold.Tracker
	pub       *publisher.Publisher
	logger    logging.Logger

	mu       sync.Mutex
	sessions map[string]*sessionRunner
	wg       sync.WaitGroup

	frames   atomic.Int64
	readings atomic.Int64
	events   atomic.Int64
	started  time.Time

	framesTotal *prometheus.CounterVec
}

// New assembles the spotter runtime.
func New(cfg Config, d Deps) *Worker {
	return &Worker{
		cfg:       cfg.normalize(),
		store:     d.Store,
		cache:     d.Cache,
		capturer:  d.Capturer,
		extractor: d.Extractor,
		processor: d.Processor,
		detector:  d.Detector,
		hotcold:   d.HotCold,
		pub:       d.Publisher,
		logger:    d.Logger,
		sessions:  make(map[string]*sessionRunner),
	}
}

// WithFrameCounter attaches a frames counter labeled by session and whether
// the frame passed the diff gate.
func (w *Worker) WithFrameCounter(c *prometheus.CounterVec) *Worker {
	w.framesTotal = c
	return w
}

func (w *Worker) countFrame(sessionID, status string) {
	if w.framesTotal != nil {
		w.framesTotal.WithLabelValues(sessionID, status).Inc()
	}
}

// Run pulls targets and heartbeats until ctx is canceled, then waits for
// every session goroutine to drain.
func (w *Worker) Run(ctx context.Context) error {
	w.started = time.Now().UTC()
	w.logger.WithFields(logging.Fields{
		"worker_id":    w.cfg.WorkerID,
		"worker_count": w.cfg.WorkerCount,
	}).Info("Spotter started")

	w.refresh(ctx)
	w.beat(ctx)

	refresh := time.NewTicker(w.cfg.TargetRefresh)
	defer refresh.Stop()
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.WithField("worker_id", w.cfg.WorkerID).Info("Spotter stopped")
			return nil
		case <-refresh.C:
			w.refresh(ctx)
		case <-heartbeat.C:
			w.beat(ctx)
		}
	}
}

// refresh reconciles running capture sessions against the live set: vanished
// sessions wind down, known ones get game-change and viewer-count checks,
// new or previously failed ones (re)start.
func (w *Worker) refresh(ctx context.Context) {
	list, err := w.store.ListLiveSessions(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Live session refresh failed")
		return
	}

	live := make(map[string]storage.SessionInfo, len(list))
	for _, info := range list {
		if !w.cfg.assigned(info.SessionID) {
			continue
		}
		live[info.SessionID] = info
	}

	type gameSwitch struct {
		prev storage.SessionInfo
		next storage.SessionInfo
	}
	var switches []gameSwitch
	var viewerChanges []storage.SessionInfo

	w.mu.Lock()
	for id, run := range w.sessions {
		if _, ok := live[id]; ok {
			continue
		}
		delete(w.sessions, id)
		run.markEnded("session left live set")
		run.cancel()
	}
	for id, info := range live {
		run, ok := w.sessions[id]
		if ok && !run.finished() {
			prev := run.snapshot()
			if info.GameID != "" && prev.GameID != info.GameID {
				switches = append(switches, gameSwitch{prev: prev, next: info})
			}
			if info.Viewers != prev.Viewers {
				viewerChanges = append(viewerChanges, info)
			}
			run.update(info)
			continue
		}
		if info.Viewers > 0 {
			viewerChanges = append(viewerChanges, info)
		}
		w.sessions[id] = w.startSession(ctx, info)
	}
	w.mu.Unlock()

	for _, sw := range switches {
		w.noteGameChange(ctx, sw.prev, sw.next)
	}
	for _, info := range viewerChanges {
		w.noteViewerChange(ctx, info)
	}
}

func (w *Worker) startSession(ctx context.Context, info storage.SessionInfo) *sessionRunner {
	sctx, cancel := context.WithCancel(ctx)
	run := &sessionRunner{
		info:   info,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	run.touch()
	w.wg.Add(1)
	go w.runSession(sctx, run)
	return run
}

func (w *Worker) noteGameChange(ctx context.Context, prev, next storage.SessionInfo) {
	w.pub.GameChange(ctx, events.GameChange{
		SessionID:      next.SessionID,
		StreamerID:     next.StreamerID,
		PreviousGameID: prev.GameID,
		GameID:         next.GameID,
		GameName:       next.GameName,
		Timestamp:      time.Now().UTC(),
	})
	w.logger.WithFields(logging.Fields{
		"session_id": next.SessionID,
		"from_game":  prev.GameID,
		"to_game":    next.GameID,
	}).Info("Session switched game")
}

// noteViewerChange publishes the sampled viewer count and refreshes the
// cached value other services read.
func (w *Worker) noteViewerChange(ctx context.Context, info storage.SessionInfo) {
	w.pub.ViewerUpdate(ctx, events.ViewerUpdate{
		SessionID: info.SessionID,
		Viewers:   info.Viewers,
		Timestamp: time.Now().UTC(),
	})
	key := cache.SessionViewersKey(info.SessionID)
	if err := w.cache.SetJSON(ctx, key, info.Viewers, cache.TTLViewers); err != nil {
		w.logger.WithError(err).WithField("session_id", info.SessionID).Warn("Viewer count cache write failed")
	}
}

// beat writes this spotter's liveness counters into the cache.
func (w *Worker) beat(ctx context.Context) {
	hb := cache.Heartbeat{
		WorkerID:      w.cfg.WorkerID,
		Frames:        w.frames.Load(),
		Readings:      w.readings.Load(),
		Events:        w.events.Load(),
		UptimeSeconds: time.Since(w.started).Seconds(),
		Timestamp:     time.Now().UTC(),
	}
	if err := cache.SetHeartbeat(ctx, w.cache, hb); err != nil {
		w.logger.WithError(err).WithField("worker_id", w.cfg.WorkerID).Warn("Heartbeat write failed")
	}
}

// Stats reports the pipeline counters since start.
func (w *Worker) Stats() (frames, readings, events int64) {
	return w.frames.Load(), w.readings.Load(), w.events.Load()
}

// ActiveSessions lists the session IDs currently being captured.
func (w *Worker) ActiveSessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.sessions))
	for id, run := range w.sessions {
		if !run.finished() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
