package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bigwin"
	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/capture"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/internal/processor"
	"github.com/rogervilla2024/slotfeed-sub002/internal/storage"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// sessionRunner is the per-session capture state. One goroutine per live
// session keeps that session's readings ordered.
type sessionRunner struct {
	mu        sync.Mutex
	info      storage.SessionInfo
	endReason string

	cancel    context.CancelFunc
	done      chan struct{}
	buf       *capture.FrameBuffer
	lastFrame atomic.Int64
}

func (r *sessionRunner) snapshot() storage.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

func (r *sessionRunner) update(info storage.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info
}

// markEnded records why capture should end this session. Only the first
// reason sticks.
func (r *sessionRunner) markEnded(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endReason == "" {
		r.endReason = reason
	}
}

func (r *sessionRunner) endedReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endReason
}

func (r *sessionRunner) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *sessionRunner) touch() {
	r.lastFrame.Store(time.Now().UnixNano())
}

func (r *sessionRunner) sinceFrame() time.Duration {
	return time.Since(time.Unix(0, r.lastFrame.Load()))
}

// runSession resolves the stream and drives the capture loop until the
// session ends or the runtime shuts down. Only sessions whose capture
// actually started emit lifecycle events.
func (w *Worker) runSession(ctx context.Context, run *sessionRunner) {
	defer w.wg.Done()
	defer close(run.done)

	info := run.snapshot()
	log := w.logger.WithFields(logging.Fields{
		"session_id":  info.SessionID,
		"streamer_id": info.StreamerID,
	})

	streamURL, ok := w.capturer.ResolveStreamURL(ctx, info.PlaybackURL)
	if !ok {
		log.Warn("Stream resolution failed, will retry on next refresh")
		return
	}

	w.pub.StreamStart(ctx, events.StreamLifecycle{
		SessionID:    info.SessionID,
		StreamerID:   info.StreamerID,
		StreamerName: info.StreamerName,
		GameID:       info.GameID,
		Timestamp:    time.Now().UTC(),
	})
	log.Info("Session capture started")

	run.buf = capture.NewFrameBuffer(capture.DefaultBufferSize)
	run.touch()
	if w.cfg.StallTimeout > 0 {
		go w.watchStall(ctx, run)
	}

	w.capturer.Loop(ctx, streamURL, func(frame []byte) {
		w.handleFrame(ctx, run, frame)
	}, 0)

	reason := run.endedReason()
	if reason == "" {
		// Runtime shutdown. The session is still live, another spotter
		// picks it up.
		log.Info("Session capture stopped")
		return
	}
	w.finishSession(run.snapshot(), reason)
}

// watchStall ends the session when frames stop arriving for the stall
// timeout, which is the practical signal that the stream stopped resolving.
func (w *Worker) watchStall(ctx context.Context, run *sessionRunner) {
	interval := w.cfg.StallTimeout / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if run.sinceFrame() <= w.cfg.StallTimeout {
				continue
			}
			w.logger.WithField("session_id", run.snapshot().SessionID).Warn("Capture stalled, ending session")
			run.markEnded("capture stalled")
			run.cancel()
			return
		}
	}
}

// handleFrame is the per-frame pipeline: diff-gate, extract, process, then
// the win side effects.
func (w *Worker) handleFrame(ctx context.Context, run *sessionRunner, frame []byte) {
	w.frames.Add(1)
	run.touch()

	info := run.snapshot()

	prev, hadPrev := run.buf.Latest()
	run.buf.Push(frame)
	if hadPrev {
		if changed, _ := capture.Changed(prev, frame, w.cfg.DiffThreshold); !changed {
			w.countFrame(info.SessionID, "unchanged")
			return
		}
	}
	w.countFrame(info.SessionID, "processed")

	readings, err := w.extractor.Extract(ctx, frame)
	if err != nil {
		w.logger.WithError(err).WithField("session_id", info.SessionID).Warn("Reading extraction failed")
		return
	}

	for _, r := range readings {
		r.SessionID = info.SessionID
		if r.CapturedAt.IsZero() {
			r.CapturedAt = time.Now().UTC()
		}
		w.readings.Add(1)

		ev, outcome := w.processor.Process(ctx, r)
		if outcome != processor.OutcomeAccepted {
			continue
		}
		w.events.Add(1)

		w.hotcold.Observe(ctx, info.GameID, ev)

		if ev.Classification != events.ClassWin {
			continue
		}
		if det, ok := w.detector.Detect(ev); ok {
			w.recordBigWin(ctx, info, det, frame)
		}
	}
}

// recordBigWin persists the win, bumps the streamer's daily counter, and
// fans the event out. Persistence failures never block the publish.
func (w *Worker) recordBigWin(ctx context.Context, info storage.SessionInfo, det bigwin.Detection, frame []byte) {
	ev := events.BigWin{
		ID:           uuid.NewString(),
		SessionID:    info.SessionID,
		StreamerID:   info.StreamerID,
		StreamerName: info.StreamerName,
		GameID:       info.GameID,
		GameName:     info.GameName,
		BetAmount:    det.BetAmount,
		WinAmount:    det.WinAmount,
		Multiplier:   det.Multiplier,
		Tier:         det.Tier,
		Timestamp:    time.Now().UTC(),
	}
	if url, ok := w.saveScreenshot(ev.ID, frame); ok {
		ev.ScreenshotURL = url
	}

	if err := w.store.SaveBigWin(ctx, ev); err != nil {
		w.logger.WithError(err).WithField("session_id", ev.SessionID).Error("Big win persistence failed")
	}

	day := ev.Timestamp.Format("2006-01-02")
	if _, err := w.cache.IncrCounter(ctx, cache.DailyWinsKey(day, ev.StreamerID), 1, cache.TTLCounter); err != nil {
		w.logger.WithError(err).WithField("streamer_id", ev.StreamerID).Warn("Daily win counter update failed")
	}

	w.pub.BigWin(ctx, ev)

	w.logger.WithFields(logging.Fields{
		"session_id":  ev.SessionID,
		"streamer_id": ev.StreamerID,
		"tier":        string(ev.Tier),
		"multiplier":  ev.Multiplier,
		"win_amount":  ev.WinAmount,
	}).Info("Big win detected")
}

// saveScreenshot writes the winning frame under the big win's ID and returns
// the public URL for it.
func (w *Worker) saveScreenshot(id string, frame []byte) (string, bool) {
	if w.cfg.ScreenshotDir == "" {
		return "", false
	}
	name := id + ".jpg"
	path := filepath.Join(w.cfg.ScreenshotDir, name)
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		w.logger.WithError(err).WithField("path", path).Warn("Screenshot write failed")
		return "", false
	}
	if w.cfg.ScreenshotBaseURL == "" {
		return path, true
	}
	return strings.TrimSuffix(w.cfg.ScreenshotBaseURL, "/") + "/" + name, true
}

// finishSession closes out a session that stopped being live: persist the
// final balance, then announce the end. Runs on a fresh context so shutdown
// of the capture context cannot cut it short.
func (w *Worker) finishSession(info storage.SessionInfo, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var final *float64
	balance, ok := processor.LastBalance(ctx, w.cache, info.SessionID)
	if ok {
		final = &balance
	}

	if err := w.store.EndSession(ctx, info.SessionID, balance); err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.logger.WithError(err).WithField("session_id", info.SessionID).Warn("Session end persistence failed")
	}

	w.pub.StreamEnd(ctx, events.StreamLifecycle{
		SessionID:    info.SessionID,
		StreamerID:   info.StreamerID,
		StreamerName: info.StreamerName,
		GameID:       info.GameID,
		FinalBalance: final,
		Timestamp:    time.Now().UTC(),
	})

	w.logger.WithFields(logging.Fields{
		"session_id": info.SessionID,
		"reason":     reason,
	}).Info("Session capture ended")
}
