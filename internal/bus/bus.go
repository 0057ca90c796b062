// Package bus implements the slotfeed channel bus: named channels with
// trailing-wildcard pattern subscriptions and best-effort, at-most-once
// delivery. Two implementations share the Bus interface, an in-process
// queue for tests and standalone runs, and Redis pub/sub for production.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

var (
	// ErrClosed is returned by Publish after the bus has stopped.
	ErrClosed = errors.New("bus: closed")
	// ErrSubscribeAfterStart is returned when Subscribe is called on a
	// started bus. The subscription registry is frozen at Start.
	ErrSubscribeAfterStart = errors.New("bus: subscribe after start")
	// ErrQueueFull is returned when an in-process publish would block.
	ErrQueueFull = errors.New("bus: queue full")
)

// Handler consumes one envelope from a matched channel. Handlers run on the
// listener goroutine; slow handlers delay everything behind them.
type Handler func(channel string, env events.Envelope)

// Bus publishes envelopes to named channels and dispatches subscribed
// patterns. Delivery is at-most-once with no acknowledgement or redelivery.
type Bus interface {
	// Publish sends env to a single channel and returns the number of
	// subscribers it reached.
	Publish(ctx context.Context, channel string, env events.Envelope) (int, error)
	// Subscribe registers a handler for a channel pattern. Must be called
	// before Start.
	Subscribe(pattern string, h Handler) error
	// Start launches the listener. The listener stops when ctx is
	// cancelled, Stop is called, or a fatal transport error occurs.
	Start(ctx context.Context) error
	// Stop shuts the listener down and blocks until it has exited.
	Stop()
	// Done closes when the listener has terminated for any reason.
	Done() <-chan struct{}
}

// subscription pairs a pattern with its handler. The slice of subscriptions
// is append-only before Start and read-only after, so the dispatch path
// never takes a lock.
type subscription struct {
	pattern string
	handler Handler
}

// dispatch delivers env to every matching subscription.
func dispatch(subs []subscription, channel string, env events.Envelope, logger logging.Logger) int {
	delivered := 0
	for _, sub := range subs {
		if !events.MatchPattern(sub.pattern, channel) {
			continue
		}
		delivered++
		safeCall(logger, sub.pattern, channel, env, sub.handler)
	}
	return delivered
}

// safeCall invokes a handler with panic isolation so one bad consumer
// cannot kill the listener.
func safeCall(logger logging.Logger, pattern, channel string, env events.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logging.Fields{
				"channel": channel,
				"pattern": pattern,
				"panic":   r,
			}).Error("Bus handler panic")
		}
	}()
	h(channel, env)
}

// sleepCtx pauses for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
