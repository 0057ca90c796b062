// Package processor validates raw readings against per-session baselines and
// turns them into balance events.
package processor

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/internal/extract"
	"github.com/rogervilla2024/slotfeed-sub002/internal/publisher"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Limits bound what a reading may claim before it is rejected as an OCR
// misread rather than a real balance move.
type Limits struct {
	MaxValidBalance float64
	MaxValidChange  float64
}

// DefaultLimits returns the standard validation bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxValidBalance: 2_000_000,
		MaxValidChange:  100_000,
	}
}

// LimitsFromEnv reads validation bounds from the environment.
func LimitsFromEnv() Limits {
	def := DefaultLimits()
	return Limits{
		MaxValidBalance: config.GetEnvFloat("MAX_VALID_BALANCE", def.MaxValidBalance),
		MaxValidChange:  config.GetEnvFloat("MAX_VALID_CHANGE", def.MaxValidChange),
	}
}

func (l Limits) normalize() Limits {
	def := DefaultLimits()
	if l.MaxValidBalance <= 0 {
		l.MaxValidBalance = def.MaxValidBalance
	}
	if l.MaxValidChange <= 0 {
		l.MaxValidChange = def.MaxValidChange
	}
	return l
}

// Outcome describes what Process did with a reading.
type Outcome string

const (
	// OutcomeAccepted means the reading passed validation and produced an event.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeSeeded means the reading established a session baseline; no event.
	OutcomeSeeded Outcome = "seeded"
	// OutcomeRejected means the reading failed validation and was dropped.
	OutcomeRejected Outcome = "rejected"
	// OutcomeSkipped means the reading carried no balance or the baseline
	// could not be loaded this cycle.
	OutcomeSkipped Outcome = "skipped"
)

// baseline is the last accepted balance for a session. Its TTL doubles as a
// liveness window: a session quiet for longer than the session TTL re-seeds.
type baseline struct {
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is the compact per-reading record kept in the session's
// balance history list, newest first.
type HistoryEntry struct {
	Balance        float64               `json:"balance"`
	Delta          float64               `json:"delta"`
	Classification events.Classification `json:"classification"`
	Timestamp      time.Time             `json:"timestamp"`
}

// Processor compares readings against cached baselines, validates the delta,
// classifies it, and emits a balance event for every accepted reading.
// Sessions are independent; all per-session state lives in the cache store.
type Processor struct {
	cache  cache.Store
	pub    *publisher.Publisher
	limits Limits
	logger logging.Logger

	accepted atomic.Int64
	rejected atomic.Int64
	seeded   atomic.Int64

	readingsTotal *prometheus.CounterVec
}

// New creates a processor. Zero limits fall back to the defaults.
func New(store cache.Store, pub *publisher.Publisher, limits Limits, logger logging.Logger) *Processor {
	return &Processor{
		cache:  store,
		pub:    pub,
		limits: limits.normalize(),
		logger: logger,
	}
}

// WithReadingCounter attaches a readings counter labeled by session and outcome.
func (p *Processor) WithReadingCounter(c *prometheus.CounterVec) *Processor {
	p.readingsTotal = c
	return p
}

// Stats returns the lifetime accepted, rejected, and seeded reading counts.
func (p *Processor) Stats() (accepted, rejected, seeded int64) {
	return p.accepted.Load(), p.rejected.Load(), p.seeded.Load()
}

// Process runs one reading through validation. Accepted readings update the
// session baseline, are appended to the history list, and are published as a
// balance event, including deltas classified as none. The returned event is
// only meaningful for OutcomeAccepted.
func (p *Processor) Process(ctx context.Context, r extract.RawReading) (events.BalanceUpdate, Outcome) {
	if r.Balance == nil {
		return events.BalanceUpdate{}, p.finish(r.SessionID, OutcomeSkipped)
	}
	newBalance := *r.Balance

	// The balance cap applies before seeding too, or one absurd OCR read
	// would poison the baseline for the session TTL.
	if newBalance > p.limits.MaxValidBalance {
		p.logger.WithFields(logging.Fields{
			"session_id": r.SessionID,
			"balance":    newBalance,
			"limit":      p.limits.MaxValidBalance,
		}).Debug("Rejected reading over balance cap")
		return events.BalanceUpdate{}, p.finish(r.SessionID, OutcomeRejected)
	}

	base, found, err := p.loadBaseline(ctx, r.SessionID)
	if err != nil {
		p.logger.WithFields(logging.Fields{
			"session_id": r.SessionID,
			"error":      err.Error(),
		}).Warn("Baseline unavailable, skipping reading")
		return events.BalanceUpdate{}, p.finish(r.SessionID, OutcomeSkipped)
	}

	ts := r.CapturedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if !found {
		p.seed(ctx, r.SessionID, newBalance, ts)
		return events.BalanceUpdate{}, p.finish(r.SessionID, OutcomeSeeded)
	}

	delta := newBalance - base.Balance

	if math.Abs(delta) > p.limits.MaxValidChange {
		p.logger.WithFields(logging.Fields{
			"session_id": r.SessionID,
			"delta":      delta,
			"limit":      p.limits.MaxValidChange,
		}).Debug("Rejected reading over change cap")
		return events.BalanceUpdate{}, p.finish(r.SessionID, OutcomeRejected)
	}

	ev := events.BalanceUpdate{
		SessionID:       r.SessionID,
		PreviousBalance: base.Balance,
		NewBalance:      newBalance,
		Delta:           delta,
		Classification:  classify(delta, r),
		Timestamp:       ts,
	}
	switch ev.Classification {
	case events.ClassWin:
		ev.Won = *r.Win
		if r.Bet != nil {
			ev.Wagered = *r.Bet
		}
	case events.ClassBet:
		ev.Wagered = *r.Bet
	}

	p.advance(ctx, ev)
	p.pub.BalanceUpdate(ctx, ev)
	return ev, p.finish(r.SessionID, OutcomeAccepted)
}

// classify maps a delta plus the co-captured readings onto bet, win, or none.
// A rising balance only counts as a win when the frame also showed a win
// amount, and a falling one as a bet when it showed a bet amount.
func classify(delta float64, r extract.RawReading) events.Classification {
	switch {
	case delta > 0 && r.Win != nil:
		return events.ClassWin
	case delta < 0 && r.Bet != nil:
		return events.ClassBet
	default:
		return events.ClassNone
	}
}

func (p *Processor) loadBaseline(ctx context.Context, sessionID string) (baseline, bool, error) {
	var base baseline
	found, err := p.cache.GetJSON(ctx, cache.SessionBalanceKey(sessionID), &base)
	if err != nil {
		return baseline{}, false, err
	}
	return base, found, nil
}

// LastBalance reports the last accepted balance for a session, when one is
// still cached.
func LastBalance(ctx context.Context, store cache.Store, sessionID string) (float64, bool) {
	var base baseline
	found, err := store.GetJSON(ctx, cache.SessionBalanceKey(sessionID), &base)
	if err != nil || !found {
		return 0, false
	}
	return base.Balance, true
}

func (p *Processor) seed(ctx context.Context, sessionID string, balance float64, ts time.Time) {
	p.saveBaseline(ctx, sessionID, balance, ts)
	p.pushHistory(ctx, sessionID, HistoryEntry{
		Balance:        balance,
		Classification: events.ClassNone,
		Timestamp:      ts,
	})
	p.logger.WithFields(logging.Fields{
		"session_id": sessionID,
		"balance":    balance,
	}).Info("Seeded session baseline")
}

// advance moves the baseline forward and records the accepted reading.
// Failures here are logged and ignored so the event still publishes.
func (p *Processor) advance(ctx context.Context, ev events.BalanceUpdate) {
	p.saveBaseline(ctx, ev.SessionID, ev.NewBalance, ev.Timestamp)
	p.pushHistory(ctx, ev.SessionID, HistoryEntry{
		Balance:        ev.NewBalance,
		Delta:          ev.Delta,
		Classification: ev.Classification,
		Timestamp:      ev.Timestamp,
	})
}

func (p *Processor) saveBaseline(ctx context.Context, sessionID string, balance float64, ts time.Time) {
	err := p.cache.SetJSON(ctx, cache.SessionBalanceKey(sessionID), baseline{
		Balance:   balance,
		UpdatedAt: ts,
	}, cache.TTLSession)
	if err != nil {
		p.logger.WithFields(logging.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Failed to save baseline")
	}
}

func (p *Processor) pushHistory(ctx context.Context, sessionID string, entry HistoryEntry) {
	err := p.cache.PushHistory(ctx, cache.SessionHistoryKey(sessionID), entry,
		cache.HistoryMaxEntries, cache.TTLHistory)
	if err != nil {
		p.logger.WithFields(logging.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Failed to append balance history")
	}
}

func (p *Processor) finish(sessionID string, outcome Outcome) Outcome {
	switch outcome {
	case OutcomeAccepted:
		p.accepted.Add(1)
	case OutcomeRejected:
		p.rejected.Add(1)
	case OutcomeSeeded:
		p.seeded.Add(1)
	}
	if p.readingsTotal != nil {
		p.readingsTotal.WithLabelValues(sessionID, string(outcome)).Inc()
	}
	return outcome
}
