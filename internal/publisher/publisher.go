// Package publisher fans domain events out to their feed channels.
package publisher

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bus"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Publisher maps each event type onto its channel fan-out. Delivery is
// best-effort: a channel that fails to publish is logged and skipped while
// the rest of the fan-out continues.
type Publisher struct {
	bus         bus.Bus
	logger      logging.Logger
	eventsTotal *prometheus.CounterVec
}

// New creates a publisher over the given bus.
func New(b bus.Bus, logger logging.Logger) *Publisher {
	return &Publisher{bus: b, logger: logger}
}

// WithEventCounter attaches an events counter labeled by event type.
func (p *Publisher) WithEventCounter(c *prometheus.CounterVec) *Publisher {
	p.eventsTotal = c
	return p
}

// emit wraps the payload once and publishes it to every channel in the
// fan-out, returning the summed subscriber deliveries.
func (p *Publisher) emit(ctx context.Context, eventType events.EventType, payload interface{}, channels ...string) int {
	env, err := events.NewEnvelope(eventType, payload)
	if err != nil {
		p.logger.WithFields(logging.Fields{
			"event_type": string(eventType),
			"error":      err.Error(),
		}).Error("Failed to encode event payload")
		return 0
	}

	delivered := 0
	for _, channel := range channels {
		n, err := p.bus.Publish(ctx, channel, env)
		if err != nil {
			p.logger.WithFields(logging.Fields{
				"event_type": string(eventType),
				"channel":    channel,
				"error":      err.Error(),
			}).Warn("Channel publish failed, continuing fan-out")
			continue
		}
		delivered += n
	}

	if p.eventsTotal != nil {
		p.eventsTotal.WithLabelValues(string(eventType)).Inc()
	}
	return delivered
}

// BalanceUpdate goes to the live feed and the session's stream channel.
func (p *Publisher) BalanceUpdate(ctx context.Context, ev events.BalanceUpdate) int {
	return p.emit(ctx, events.EventBalanceUpdate, ev,
		events.TopicLive, events.StreamTopic(ev.SessionID))
}

// BigWin goes to the live feed, the big-win feed, and the streamer and game
// channels.
func (p *Publisher) BigWin(ctx context.Context, ev events.BigWin) int {
	return p.emit(ctx, events.EventBigWin, ev,
		events.TopicLive, events.TopicBigWins,
		events.StreamerTopic(ev.StreamerID), events.GameTopic(ev.GameID))
}

// StreamStart goes to the live feed and the streamer channel.
func (p *Publisher) StreamStart(ctx context.Context, ev events.StreamLifecycle) int {
	return p.emit(ctx, events.EventStreamStart, ev,
		events.TopicLive, events.StreamerTopic(ev.StreamerID))
}

// StreamEnd goes to the live feed and the streamer channel.
func (p *Publisher) StreamEnd(ctx context.Context, ev events.StreamLifecycle) int {
	return p.emit(ctx, events.EventStreamEnd, ev,
		events.TopicLive, events.StreamerTopic(ev.StreamerID))
}

// GameChange goes to the live feed, the session's stream channel, and the new
// game's channel.
func (p *Publisher) GameChange(ctx context.Context, ev events.GameChange) int {
	return p.emit(ctx, events.EventGameChange, ev,
		events.TopicLive, events.StreamTopic(ev.SessionID), events.GameTopic(ev.GameID))
}

// ViewerUpdate goes to the session's stream channel only.
func (p *Publisher) ViewerUpdate(ctx context.Context, ev events.ViewerUpdate) int {
	return p.emit(ctx, events.EventViewerUpdate, ev, events.StreamTopic(ev.SessionID))
}

// BonusTrigger goes to the live feed and the session's stream channel.
func (p *Publisher) BonusTrigger(ctx context.Context, ev events.BonusTrigger) int {
	return p.emit(ctx, events.EventBonusTrigger, ev,
		events.TopicLive, events.StreamTopic(ev.SessionID))
}

// BonusHuntStart goes to the live feed and the streamer channel.
func (p *Publisher) BonusHuntStart(ctx context.Context, ev events.BonusHunt) int {
	return p.emit(ctx, events.EventBonusHuntStart, ev,
		events.TopicLive, events.StreamerTopic(ev.StreamerID))
}

// BonusHuntEnd goes to the live feed and the streamer channel.
func (p *Publisher) BonusHuntEnd(ctx context.Context, ev events.BonusHunt) int {
	return p.emit(ctx, events.EventBonusHuntEnd, ev,
		events.TopicLive, events.StreamerTopic(ev.StreamerID))
}

// SlotHot goes to the live feed, the game channel, and the alert channel.
func (p *Publisher) SlotHot(ctx context.Context, ev events.SlotTemperature) int {
	return p.emit(ctx, events.EventSlotHot, ev,
		events.TopicLive, events.GameTopic(ev.GameID), events.TopicAlerts)
}

// SlotCold goes to the live feed, the game channel, and the alert channel.
func (p *Publisher) SlotCold(ctx context.Context, ev events.SlotTemperature) int {
	return p.emit(ctx, events.EventSlotCold, ev,
		events.TopicLive, events.GameTopic(ev.GameID), events.TopicAlerts)
}

// SystemAlert goes to the alert channel only.
func (p *Publisher) SystemAlert(ctx context.Context, ev events.SystemAlert) int {
	return p.emit(ctx, events.EventSystemAlert, ev, events.TopicAlerts)
}
