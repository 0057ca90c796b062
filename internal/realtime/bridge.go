package realtime

import (
	"github.com/rogervilla2024/slotfeed-sub002/internal/bus"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Bridge pipes every bus envelope into the hub with its channel attached.
type Bridge struct {
	bus    bus.Bus
	hub    *Hub
	logger logging.Logger
}

// NewBridge wires a bus to a hub.
func NewBridge(b bus.Bus, hub *Hub, logger logging.Logger) *Bridge {
	return &Bridge{bus: b, hub: hub, logger: logger}
}

// Attach subscribes the hub to the full channel namespace. Call before the
// bus listener starts.
func (br *Bridge) Attach() error {
	err := br.bus.Subscribe(events.PatternAll, func(channel string, env events.Envelope) {
		br.hub.Broadcast(channel, env)
	})
	if err != nil {
		return err
	}
	br.logger.WithField("pattern", events.PatternAll).Info("Hub bridged to channel bus")
	return nil
}
