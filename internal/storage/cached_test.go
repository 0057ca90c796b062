package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]SessionInfo
	ended    map[string]float64
	bigWins  []events.BigWin

	listCalls atomic.Int64
	getCalls  atomic.Int64
	getDelay  time.Duration
}

func newFakeStore(sessions ...SessionInfo) *fakeStore {
	f := &fakeStore{
		sessions: make(map[string]SessionInfo),
		ended:    make(map[string]float64),
	}
	for _, s := range sessions {
		f.sessions[s.SessionID] = s
	}
	return f
}

func (f *fakeStore) ListLiveSessions(context.Context) ([]SessionInfo, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SessionInfo, 0, len(f.sessions))
	for id, s := range f.sessions {
		if _, gone := f.ended[id]; !gone {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetSessionInfo(_ context.Context, sessionID string) (SessionInfo, error) {
	f.getCalls.Add(1)
	if f.getDelay > 0 {
		time.Sleep(f.getDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return SessionInfo{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) SaveBigWin(_ context.Context, ev events.BigWin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bigWins = append(f.bigWins, ev)
	return nil
}

func (f *fakeStore) EndSession(_ context.Context, sessionID string, finalBalance float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	f.ended[sessionID] = finalBalance
	return nil
}

func testSession(id string) SessionInfo {
	return SessionInfo{
		SessionID:    id,
		StreamerID:   "str-" + id,
		StreamerName: "Streamer " + id,
		GameID:       "game-" + id,
		GameName:     "Game " + id,
		PlaybackURL:  "https://live.example/" + id,
	}
}

func TestCachedGetSessionInfoHitsDatabaseOnce(t *testing.T) {
	inner := newFakeStore(testSession("a"))
	cached := NewCached(inner, cache.NewMemoryStore(), logging.NewLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		info, err := cached.GetSessionInfo(ctx, "a")
		if err != nil {
			t.Fatalf("GetSessionInfo: %v", err)
		}
		if info.PlaybackURL != "https://live.example/a" {
			t.Fatalf("unexpected info %+v", info)
		}
	}

	if got := inner.getCalls.Load(); got != 1 {
		t.Fatalf("expected 1 database hit, got %d", got)
	}
}

func TestCachedGetSessionInfoMissNotCached(t *testing.T) {
	inner := newFakeStore()
	cached := NewCached(inner, cache.NewMemoryStore(), logging.NewLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := cached.GetSessionInfo(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	// No negative caching: both lookups reached the database.
	if got := inner.getCalls.Load(); got != 2 {
		t.Fatalf("expected 2 database hits, got %d", got)
	}
}

func TestCachedConcurrentMissesCollapse(t *testing.T) {
	inner := newFakeStore(testSession("a"))
	inner.getDelay = 50 * time.Millisecond
	cached := NewCached(inner, cache.NewMemoryStore(), logging.NewLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cached.GetSessionInfo(ctx, "a"); err != nil {
				t.Errorf("GetSessionInfo: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := inner.getCalls.Load(); got != 1 {
		t.Fatalf("expected concurrent misses to collapse to 1 hit, got %d", got)
	}
}

func TestCachedListLiveSessionsWarmsCache(t *testing.T) {
	inner := newFakeStore(testSession("a"), testSession("b"))
	store := cache.NewMemoryStore()
	cached := NewCached(inner, store, logging.NewLogger())
	ctx := context.Background()

	sessions, err := cached.ListLiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListLiveSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	// Second call is served from the warmed live set and session entries.
	if _, err := cached.ListLiveSessions(ctx); err != nil {
		t.Fatalf("ListLiveSessions: %v", err)
	}
	if got := inner.listCalls.Load(); got != 1 {
		t.Fatalf("expected 1 database list, got %d", got)
	}
	if got := inner.getCalls.Load(); got != 0 {
		t.Fatalf("expected per-session loads to be served from cache, got %d", got)
	}

	// The streamer and game identities were cached alongside.
	var ref StreamerRef
	found, err := store.GetJSON(ctx, cache.StreamerKey("str-a"), &ref)
	if err != nil || !found {
		t.Fatalf("expected cached streamer, found=%v err=%v", found, err)
	}
	if ref.Name != "Streamer a" {
		t.Fatalf("unexpected streamer %+v", ref)
	}
}

func TestCachedEndSessionEvicts(t *testing.T) {
	inner := newFakeStore(testSession("a"), testSession("b"))
	store := cache.NewMemoryStore()
	cached := NewCached(inner, store, logging.NewLogger())
	ctx := context.Background()

	if _, err := cached.ListLiveSessions(ctx); err != nil {
		t.Fatalf("ListLiveSessions: %v", err)
	}

	if err := cached.EndSession(ctx, "a", 1450); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	live, err := store.LiveSessions(ctx)
	if err != nil {
		t.Fatalf("LiveSessions: %v", err)
	}
	for _, id := range live {
		if id == "a" {
			t.Fatalf("ended session still in live set")
		}
	}

	var info SessionInfo
	found, err := store.GetJSON(ctx, cache.SessionInfoKey("a"), &info)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if found {
		t.Fatalf("ended session info still cached")
	}

	if inner.ended["a"] != 1450 {
		t.Fatalf("final balance not persisted: %+v", inner.ended)
	}
}

func TestCachedSaveBigWinPassesThrough(t *testing.T) {
	inner := newFakeStore()
	cached := NewCached(inner, cache.NewMemoryStore(), logging.NewLogger())

	ev := events.BigWin{ID: "win-1", SessionID: "sess-1", Tier: events.TierHuge}
	if err := cached.SaveBigWin(context.Background(), ev); err != nil {
		t.Fatalf("SaveBigWin: %v", err)
	}
	if len(inner.bigWins) != 1 || inner.bigWins[0].ID != "win-1" {
		t.Fatalf("big win not persisted: %+v", inner.bigWins)
	}
}
