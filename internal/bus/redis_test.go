package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

func newRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client, logging.NewLogger()), mr, client
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	b, _, _ := newRedisBus(t)
	got := make(chan received, 4)
	if err := b.Subscribe(events.PatternAll, collect(got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	delivered, err := b.Publish(ctx, events.TopicBigWins, testEnvelope(t, events.EventBigWin))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected 1 receiver, got %d", delivered)
	}

	r := waitReceived(t, got)
	if r.channel != events.TopicBigWins {
		t.Fatalf("expected channel %s, got %s", events.TopicBigWins, r.channel)
	}
	if r.env.EventType != events.EventBigWin {
		t.Fatalf("expected big_win, got %s", r.env.EventType)
	}
}

func TestRedisBusPatternScoping(t *testing.T) {
	b, _, _ := newRedisBus(t)
	streams := make(chan received, 4)
	if err := b.Subscribe("slotfeed:stream:*", collect(streams)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	if _, err := b.Publish(ctx, events.StreamerTopic("str-1"), testEnvelope(t, events.EventStreamStart)); err != nil {
		t.Fatalf("publish streamer: %v", err)
	}
	if _, err := b.Publish(ctx, events.StreamTopic("sess-1"), testEnvelope(t, events.EventBalanceUpdate)); err != nil {
		t.Fatalf("publish stream: %v", err)
	}

	r := waitReceived(t, streams)
	if r.channel != events.StreamTopic("sess-1") {
		t.Fatalf("stream pattern leaked channel %s", r.channel)
	}
	select {
	case extra := <-streams:
		t.Fatalf("unexpected extra delivery: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusMalformedPayloadSkipped(t *testing.T) {
	b, _, client := newRedisBus(t)
	got := make(chan received, 4)
	if err := b.Subscribe(events.PatternAll, collect(got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	// Raw garbage straight through the client, bypassing envelope marshaling.
	if err := client.Publish(ctx, events.TopicLive, "not-json{").Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}
	if _, err := b.Publish(ctx, events.TopicLive, testEnvelope(t, events.EventViewerUpdate)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	r := waitReceived(t, got)
	if r.env.EventType != events.EventViewerUpdate {
		t.Fatalf("expected the valid envelope, got %+v", r)
	}
}

func TestRedisBusStop(t *testing.T) {
	b, _, _ := newRedisBus(t)
	if err := b.Subscribe(events.PatternAll, func(string, events.Envelope) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return")
	}

	select {
	case <-b.Done():
	default:
		t.Fatalf("expected Done closed after Stop")
	}
}

func TestRedisBusFatalOnClosedClient(t *testing.T) {
	b, _, client := newRedisBus(t)
	if err := b.Subscribe(events.PatternAll, func(string, events.Envelope) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Closing the client from under the listener is a fatal error, not a
	// retryable one; the listener must terminate and signal Done.
	_ = client.Close()

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("listener did not terminate on closed client")
	}
}

func TestRedisBusPublishOnly(t *testing.T) {
	b, _, _ := newRedisBus(t)
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// No subscriptions: Start has no listener to run and Done is closed.
	select {
	case <-b.Done():
	default:
		t.Fatalf("expected Done closed for publish-only bus")
	}

	delivered, err := b.Publish(ctx, events.TopicLive, testEnvelope(t, events.EventBalanceUpdate))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected 0 receivers, got %d", delivered)
	}
}
