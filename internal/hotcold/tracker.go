// Package hotcold tracks per-game payout ratios and flags games running hot
// or cold.
package hotcold

import (
	"context"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/internal/publisher"
	"github.com/rogervilla2024/slotfeed-sub002/internal/storage"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Config bounds when a game is considered hot or cold.
type Config struct {
	// HotRatio is the payout ratio at or above which a game runs hot.
	HotRatio float64
	// ColdRatio is the payout ratio at or below which a game runs cold.
	ColdRatio float64
	// MinWagered is the observation floor before ratios mean anything.
	MinWagered float64
	// Window is how long wagered/won observations accumulate.
	Window time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		HotRatio:   1.25,
		ColdRatio:  0.40,
		MinWagered: 50,
		Window:     15 * time.Minute,
	}
}

// ConfigFromEnv reads thresholds from the environment.
func ConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		HotRatio:   config.GetEnvFloat("HOTCOLD_HOT_RATIO", def.HotRatio),
		ColdRatio:  config.GetEnvFloat("HOTCOLD_COLD_RATIO", def.ColdRatio),
		MinWagered: config.GetEnvFloat("HOTCOLD_MIN_WAGERED", def.MinWagered),
		Window:     config.GetEnvDuration("HOTCOLD_WINDOW", def.Window),
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.HotRatio <= 0 {
		c.HotRatio = def.HotRatio
	}
	if c.ColdRatio <= 0 {
		c.ColdRatio = def.ColdRatio
	}
	if c.MinWagered <= 0 {
		c.MinWagered = def.MinWagered
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

// Tracker accumulates per-game wagered and won amounts in windowed counters
// and emits slot_hot/slot_cold when the observed payout ratio crosses a
// threshold. A per-game latch rate-limits emissions to one per cooldown.
type Tracker struct {
	cache  cache.Store
	pub    *publisher.Publisher
	cfg    Config
	logger logging.Logger
}

// New creates a tracker. Zero config fields fall back to the defaults.
func New(store cache.Store, pub *publisher.Publisher, cfg Config, logger logging.Logger) *Tracker {
	return &Tracker{
		cache:  store,
		pub:    pub,
		cfg:    cfg.normalize(),
		logger: logger,
	}
}

// Observe feeds one accepted balance event for a game into the tracker.
// Counter failures are logged and skipped; the pipeline never stalls on
// temperature tracking.
func (t *Tracker) Observe(ctx context.Context, gameID string, ev events.BalanceUpdate) {
	if gameID == "" {
		return
	}

	var wagered, won float64
	var err error
	switch ev.Classification {
	case events.ClassBet:
		wagered, err = t.incr(ctx, cache.HotColdWageredKey(gameID), ev.Wagered)
		if err == nil {
			won, err = t.incr(ctx, cache.HotColdWonKey(gameID), 0)
		}
	case events.ClassWin:
		won, err = t.incr(ctx, cache.HotColdWonKey(gameID), ev.Won)
		if err == nil {
			wagered, err = t.incr(ctx, cache.HotColdWageredKey(gameID), 0)
		}
	default:
		return
	}
	if err != nil {
		t.logger.WithFields(logging.Fields{
			"game_id": gameID,
			"error":   err.Error(),
		}).Warn("Temperature counter update failed")
		return
	}

	if wagered < t.cfg.MinWagered {
		return
	}

	ratio := won / wagered
	var state string
	switch {
	case ratio >= t.cfg.HotRatio:
		state = "hot"
	case ratio <= t.cfg.ColdRatio:
		state = "cold"
	default:
		return
	}

	// One emission per game per cooldown, whichever state fired first.
	latched, err := t.cache.SetNX(ctx, cache.HotColdLatchKey(gameID), state, cache.TTLHotCold)
	if err != nil {
		t.logger.WithFields(logging.Fields{
			"game_id": gameID,
			"error":   err.Error(),
		}).Warn("Temperature latch failed")
		return
	}
	if !latched {
		return
	}

	temp := events.SlotTemperature{
		GameID:      gameID,
		GameName:    t.gameName(ctx, gameID),
		PayoutRatio: ratio,
		Wagered:     wagered,
		Won:         won,
		Timestamp:   ev.Timestamp,
	}
	if temp.Timestamp.IsZero() {
		temp.Timestamp = time.Now().UTC()
	}

	if state == "hot" {
		t.pub.SlotHot(ctx, temp)
	} else {
		t.pub.SlotCold(ctx, temp)
	}
	t.logger.WithFields(logging.Fields{
		"game_id":      gameID,
		"state":        state,
		"payout_ratio": ratio,
		"wagered":      wagered,
		"won":          won,
	}).Info("Game temperature flagged")
}

func (t *Tracker) incr(ctx context.Context, key string, delta float64) (float64, error) {
	return t.cache.IncrCounter(ctx, key, delta, t.cfg.Window)
}

func (t *Tracker) gameName(ctx context.Context, gameID string) string {
	var ref storage.GameRef
	found, err := t.cache.GetJSON(ctx, cache.GameKey(gameID), &ref)
	if err != nil || !found {
		return ""
	}
	return ref.Name
}
