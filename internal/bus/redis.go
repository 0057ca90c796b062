package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

const (
	defaultPollTimeout = 1 * time.Second
	defaultErrorPause  = 1 * time.Second
)

// RedisBus carries envelopes over Redis pub/sub. Subscriptions become one
// PSUBSCRIBE over the registered patterns; each delivery is dispatched to the
// handlers registered under the pattern Redis matched, so overlapping
// patterns never double-deliver to a single handler.
type RedisBus struct {
	client goredis.UniversalClient
	logger logging.Logger

	mu        sync.Mutex
	byPattern map[string][]Handler
	patterns  []string
	started   bool

	pubsub   *goredis.PubSub
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	pollTimeout time.Duration
	errorPause  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRedisBus creates a Redis-backed bus. The client is shared with the
// caller and not closed by Stop.
func NewRedisBus(client goredis.UniversalClient, logger logging.Logger) *RedisBus {
	return &RedisBus{
		client:      client,
		logger:      logger,
		byPattern:   make(map[string][]Handler),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		pollTimeout: defaultPollTimeout,
		errorPause:  defaultErrorPause,
		sleep:       sleepCtx,
	}
}

// Subscribe registers a pattern handler. The registry freezes at Start.
func (b *RedisBus) Subscribe(pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrSubscribeAfterStart
	}
	if _, ok := b.byPattern[pattern]; !ok {
		b.patterns = append(b.patterns, pattern)
	}
	b.byPattern[pattern] = append(b.byPattern[pattern], h)
	return nil
}

// Publish sends env to channel and returns Redis's receiver count.
func (b *RedisBus) Publish(ctx context.Context, channel string, env events.Envelope) (int, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	receivers, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", channel, err)
	}
	return int(receivers), nil
}

// Start opens the pattern subscription and launches the listener. A bus with
// no subscriptions is publish-only and has no listener to run.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	patterns := b.patterns
	b.mu.Unlock()

	if len(patterns) == 0 {
		close(b.done)
		return nil
	}

	b.pubsub = b.client.PSubscribe(ctx, patterns...)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		close(b.done)
		return fmt.Errorf("psubscribe %v: %w", patterns, err)
	}

	b.logger.WithField("patterns", patterns).Info("Channel bus listener started")
	go b.listen(ctx)
	return nil
}

// listen polls the subscription with a bounded timeout per iteration.
// Timeouts continue the loop, retryable errors pause and continue, fatal
// errors (closed client, cancelled context) terminate the listener.
func (b *RedisBus) listen(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		default:
		}

		msg, err := b.pubsub.ReceiveTimeout(ctx, b.pollTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if b.isFatal(ctx, err) {
				select {
				case <-b.stop:
					// Intentional shutdown, not worth an error entry.
				default:
					b.logger.WithError(err).Error("Channel bus listener terminating")
				}
				return
			}
			b.logger.WithError(err).Warn("Channel bus receive failed, pausing")
			if b.sleep(ctx, b.errorPause) != nil {
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *goredis.Message:
			b.handleMessage(m)
		case *goredis.Subscription:
			b.logger.WithFields(logging.Fields{
				"kind":    m.Kind,
				"channel": m.Channel,
			}).Debug("Subscription state change")
		}
	}
}

func (b *RedisBus) isFatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, goredis.ErrClosed) || errors.Is(err, context.Canceled)
}

func (b *RedisBus) handleMessage(m *goredis.Message) {
	var env events.Envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		b.logger.WithError(err).WithField("channel", m.Channel).Warn("Dropping malformed bus message")
		return
	}

	pattern := m.Pattern
	if pattern == "" {
		pattern = m.Channel
	}

	b.mu.Lock()
	handlers := b.byPattern[pattern]
	b.mu.Unlock()

	for _, h := range handlers {
		safeCall(b.logger, pattern, m.Channel, env, h)
	}
}

// Stop closes the subscription and waits for the listener to exit.
func (b *RedisBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()
		if !started {
			close(b.done)
			return
		}
		if b.pubsub != nil {
			_ = b.pubsub.Close()
		}
	})
	<-b.done
}

// Done closes when the listener has terminated.
func (b *RedisBus) Done() <-chan struct{} {
	return b.done
}
