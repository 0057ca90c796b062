package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

const defaultQueueSize = 256

// MemoryBus is the in-process bus. A single dispatch goroutine drains a
// bounded queue, which preserves publish order across channels. Publishes
// never block: when the queue is full the message is dropped and counted.
type MemoryBus struct {
	logger logging.Logger

	mu      sync.Mutex
	subs    []subscription
	started bool

	queue    chan queuedMessage
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	dropped  atomic.Int64
}

type queuedMessage struct {
	channel string
	env     events.Envelope
}

// NewMemoryBus creates an in-process bus with the default queue size.
func NewMemoryBus(logger logging.Logger) *MemoryBus {
	return NewMemoryBusSize(logger, defaultQueueSize)
}

// NewMemoryBusSize creates an in-process bus with an explicit queue size.
func NewMemoryBusSize(logger logging.Logger, queueSize int) *MemoryBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &MemoryBus{
		logger: logger,
		queue:  make(chan queuedMessage, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a pattern handler. The registry freezes at Start.
func (b *MemoryBus) Subscribe(pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrSubscribeAfterStart
	}
	b.subs = append(b.subs, subscription{pattern: pattern, handler: h})
	return nil
}

// Start launches the dispatch goroutine.
func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	subs := b.subs
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case msg := <-b.queue:
				dispatch(subs, msg.channel, msg.env, b.logger)
			}
		}
	}()
	return nil
}

// Publish enqueues env for dispatch and returns the number of matching
// subscriptions. A full queue drops the message.
func (b *MemoryBus) Publish(ctx context.Context, channel string, env events.Envelope) (int, error) {
	select {
	case <-b.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	matched := 0
	for _, sub := range subs {
		if events.MatchPattern(sub.pattern, channel) {
			matched++
		}
	}
	if matched == 0 {
		return 0, nil
	}

	select {
	case b.queue <- queuedMessage{channel: channel, env: env}:
		return matched, nil
	default:
		dropped := b.dropped.Add(1)
		b.logger.WithFields(logging.Fields{
			"channel": channel,
			"dropped": dropped,
		}).Warn("Bus queue full, message dropped")
		return 0, ErrQueueFull
	}
}

// Stop terminates the dispatcher and waits for it to exit.
func (b *MemoryBus) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()
		if !started {
			close(b.done)
			return
		}
		close(b.stop)
	})
	<-b.done
}

// Done closes when the dispatcher has exited.
func (b *MemoryBus) Done() <-chan struct{} {
	return b.done
}

// Dropped returns how many messages were discarded on a full queue.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}
