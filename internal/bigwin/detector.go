// Package bigwin grades qualifying win deltas into multiplier tiers.
package bigwin

import (
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/config"
)

// Thresholds holds the minimum multiplier for each tier. A win qualifies for
// the highest tier whose threshold it reaches; below Big it is not a big win.
type Thresholds struct {
	Big       float64
	Huge      float64
	Massive   float64
	Legendary float64
}

// DefaultThresholds returns the standard tier table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Big:       10,
		Huge:      50,
		Massive:   100,
		Legendary: 1000,
	}
}

// ThresholdsFromEnv reads tier thresholds from the environment, falling back
// to the defaults for anything unset.
func ThresholdsFromEnv() Thresholds {
	def := DefaultThresholds()
	return Thresholds{
		Big:       config.GetEnvFloat("BIGWIN_BIG_MULTIPLIER", def.Big),
		Huge:      config.GetEnvFloat("BIGWIN_HUGE_MULTIPLIER", def.Huge),
		Massive:   config.GetEnvFloat("BIGWIN_MASSIVE_MULTIPLIER", def.Massive),
		Legendary: config.GetEnvFloat("BIGWIN_LEGENDARY_MULTIPLIER", def.Legendary),
	}
}

func (t Thresholds) normalize() Thresholds {
	def := DefaultThresholds()
	if t.Big <= 0 {
		t.Big = def.Big
	}
	if t.Huge <= 0 {
		t.Huge = def.Huge
	}
	if t.Massive <= 0 {
		t.Massive = def.Massive
	}
	if t.Legendary <= 0 {
		t.Legendary = def.Legendary
	}
	return t
}

// Detection is the graded outcome for a qualifying win.
type Detection struct {
	Tier       events.Tier
	Multiplier float64
	BetAmount  float64
	WinAmount  float64
}

// Detector grades balance updates against a tier table. It is stateless and
// safe for concurrent use.
type Detector struct {
	thresholds Thresholds
}

// NewDetector creates a detector. Zero or negative thresholds fall back to
// the defaults.
func NewDetector(t Thresholds) *Detector {
	return &Detector{thresholds: t.normalize()}
}

// Detect grades a balance update. Only win-classified updates with a captured
// bet amount are eligible; everything else returns false. There is no
// deduplication, each qualifying update produces one detection.
func (d *Detector) Detect(ev events.BalanceUpdate) (Detection, bool) {
	if ev.Classification != events.ClassWin {
		return Detection{}, false
	}
	if ev.Wagered <= 0 {
		return Detection{}, false
	}

	multiplier := ev.Won / ev.Wagered
	tier, ok := d.tierFor(multiplier)
	if !ok {
		return Detection{}, false
	}

	return Detection{
		Tier:       tier,
		Multiplier: multiplier,
		BetAmount:  ev.Wagered,
		WinAmount:  ev.Won,
	}, true
}

func (d *Detector) tierFor(multiplier float64) (events.Tier, bool) {
	switch {
	case multiplier >= d.thresholds.Legendary:
		return events.TierLegendary, true
	case multiplier >= d.thresholds.Massive:
		return events.TierMassive, true
	case multiplier >= d.thresholds.Huge:
		return events.TierHuge, true
	case multiplier >= d.thresholds.Big:
		return events.TierBig, true
	default:
		return "", false
	}
}
