package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bus"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

type recorder struct {
	mu       sync.Mutex
	channels []string
	types    []events.EventType
}

func (r *recorder) handler() bus.Handler {
	return func(channel string, env events.Envelope) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.channels = append(r.channels, channel)
		r.types = append(r.types, env.EventType)
	}
}

func (r *recorder) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.channels) >= n {
			out := append([]string(nil), r.channels...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("timed out waiting for %d deliveries, have %d", n, len(r.channels))
	return nil
}

func TestFanOutChannels(t *testing.T) {
	tests := []struct {
		name     string
		publish  func(ctx context.Context, p *Publisher) int
		want     []string
		wantType events.EventType
	}{
		{
			name: "balance update",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.BalanceUpdate(ctx, events.BalanceUpdate{SessionID: "sess-1"})
			},
			want:     []string{events.TopicLive, events.StreamTopic("sess-1")},
			wantType: events.EventBalanceUpdate,
		},
		{
			name: "big win",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.BigWin(ctx, events.BigWin{SessionID: "sess-1", StreamerID: "str-1", GameID: "game-1"})
			},
			want: []string{
				events.TopicLive, events.TopicBigWins,
				events.StreamerTopic("str-1"), events.GameTopic("game-1"),
			},
			wantType: events.EventBigWin,
		},
		{
			name: "stream start",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.StreamStart(ctx, events.StreamLifecycle{SessionID: "sess-1", StreamerID: "str-1"})
			},
			want:     []string{events.TopicLive, events.StreamerTopic("str-1")},
			wantType: events.EventStreamStart,
		},
		{
			name: "stream end",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.StreamEnd(ctx, events.StreamLifecycle{SessionID: "sess-1", StreamerID: "str-1"})
			},
			want:     []string{events.TopicLive, events.StreamerTopic("str-1")},
			wantType: events.EventStreamEnd,
		},
		{
			name: "game change",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.GameChange(ctx, events.GameChange{SessionID: "sess-1", GameID: "game-2"})
			},
			want: []string{
				events.TopicLive, events.StreamTopic("sess-1"), events.GameTopic("game-2"),
			},
			wantType: events.EventGameChange,
		},
		{
			name: "viewer update",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.ViewerUpdate(ctx, events.ViewerUpdate{SessionID: "sess-1", Viewers: 311})
			},
			want:     []string{events.StreamTopic("sess-1")},
			wantType: events.EventViewerUpdate,
		},
		{
			name: "bonus trigger",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.BonusTrigger(ctx, events.BonusTrigger{SessionID: "sess-1", GameID: "game-1"})
			},
			want:     []string{events.TopicLive, events.StreamTopic("sess-1")},
			wantType: events.EventBonusTrigger,
		},
		{
			name: "bonus hunt start",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.BonusHuntStart(ctx, events.BonusHunt{HuntID: "hunt-1", StreamerID: "str-1"})
			},
			want:     []string{events.TopicLive, events.StreamerTopic("str-1")},
			wantType: events.EventBonusHuntStart,
		},
		{
			name: "bonus hunt end",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.BonusHuntEnd(ctx, events.BonusHunt{HuntID: "hunt-1", StreamerID: "str-1"})
			},
			want:     []string{events.TopicLive, events.StreamerTopic("str-1")},
			wantType: events.EventBonusHuntEnd,
		},
		{
			name: "slot hot",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.SlotHot(ctx, events.SlotTemperature{GameID: "game-1", PayoutRatio: 1.4})
			},
			want: []string{
				events.TopicLive, events.GameTopic("game-1"), events.TopicAlerts,
			},
			wantType: events.EventSlotHot,
		},
		{
			name: "slot cold",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.SlotCold(ctx, events.SlotTemperature{GameID: "game-1", PayoutRatio: 0.2})
			},
			want: []string{
				events.TopicLive, events.GameTopic("game-1"), events.TopicAlerts,
			},
			wantType: events.EventSlotCold,
		},
		{
			name: "system alert",
			publish: func(ctx context.Context, p *Publisher) int {
				return p.SystemAlert(ctx, events.SystemAlert{Severity: "warning", Component: "manager"})
			},
			want:     []string{events.TopicAlerts},
			wantType: events.EventSystemAlert,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.NewMemoryBus(logging.NewLogger())
			rec := &recorder{}
			if err := b.Subscribe(events.PatternAll, rec.handler()); err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			ctx := context.Background()
			if err := b.Start(ctx); err != nil {
				t.Fatalf("start: %v", err)
			}
			defer b.Stop()

			p := New(b, logging.NewLogger())
			delivered := tt.publish(ctx, p)
			if delivered != len(tt.want) {
				t.Fatalf("delivered = %d, want %d", delivered, len(tt.want))
			}

			got := rec.wait(t, len(tt.want))
			for i, want := range tt.want {
				if got[i] != want {
					t.Fatalf("fan-out position %d: got %s, want %s", i, got[i], want)
				}
			}

			rec.mu.Lock()
			defer rec.mu.Unlock()
			for _, et := range rec.types {
				if et != tt.wantType {
					t.Fatalf("expected event type %s on every channel, got %s", tt.wantType, et)
				}
			}
		})
	}
}

func TestDeliveredCountSumsSubscribers(t *testing.T) {
	b := bus.NewMemoryBus(logging.NewLogger())
	rec := &recorder{}
	if err := b.Subscribe(events.TopicLive, rec.handler()); err != nil {
		t.Fatalf("subscribe live: %v", err)
	}
	if err := b.Subscribe(events.PatternAll, rec.handler()); err != nil {
		t.Fatalf("subscribe wildcard: %v", err)
	}
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	p := New(b, logging.NewLogger())
	// Live channel matches both subscriptions, the stream channel only the
	// wildcard one.
	delivered := p.BalanceUpdate(ctx, events.BalanceUpdate{SessionID: "sess-1"})
	if delivered != 3 {
		t.Fatalf("delivered = %d, want 3", delivered)
	}
	rec.wait(t, 3)
}

type flakyBus struct {
	failOn string
	calls  []string
}

func (f *flakyBus) Publish(_ context.Context, channel string, _ events.Envelope) (int, error) {
	f.calls = append(f.calls, channel)
	if channel == f.failOn {
		return 0, errors.New("publish refused")
	}
	return 1, nil
}

func (f *flakyBus) Subscribe(string, bus.Handler) error { return nil }
func (f *flakyBus) Start(context.Context) error         { return nil }
func (f *flakyBus) Stop()                               {}
func (f *flakyBus) Done() <-chan struct{}               { return nil }

func TestFailedChannelSkippedNotFatal(t *testing.T) {
	fb := &flakyBus{failOn: events.TopicLive}
	p := New(fb, logging.NewLogger())

	delivered := p.BigWin(context.Background(), events.BigWin{
		SessionID: "sess-1", StreamerID: "str-1", GameID: "game-1",
	})

	// The live channel failed but the remaining three still published.
	if delivered != 3 {
		t.Fatalf("delivered = %d, want 3", delivered)
	}
	if len(fb.calls) != 4 {
		t.Fatalf("expected all 4 channels attempted, got %v", fb.calls)
	}
}
