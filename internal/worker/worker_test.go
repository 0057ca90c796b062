package worker

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogervilla2024/slotfeed-sub002/internal/bigwin"
	"github.com/rogervilla2024/slotfeed-sub002/internal/bus"
	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/internal/extract"
	"github.com/rogervilla2024/slotfeed-sub002/internal/hotcold"
	"github.com/rogervilla2024/slotfeed-sub002/internal/processor"
	"github.com/rogervilla2024/slotfeed-sub002/internal/publisher"
	"github.com/rogervilla2024/slotfeed-sub002/internal/storage"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

type fakeCapturer struct {
	frames    chan []byte
	resolveOK atomic.Bool
	resolves  atomic.Int64
	loops     atomic.Int64
}

func newFakeCapturer() *fakeCapturer {
	f := &fakeCapturer{frames: make(chan []byte)}
	f.resolveOK.Store(true)
	return f
}

func (f *fakeCapturer) ResolveStreamURL(_ context.Context, playbackURL string) (string, bool) {
	f.resolves.Add(1)
	if !f.resolveOK.Load() {
		return "", false
	}
	return "stream://" + playbackURL, true
}

func (f *fakeCapturer) Loop(ctx context.Context, _ string, onFrame func([]byte), _ time.Duration) {
	f.loops.Add(1)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-f.frames:
			onFrame(frame)
		}
	}
}

func (f *fakeCapturer) send(t *testing.T, frame []byte) {
	t.Helper()
	select {
	case f.frames <- frame:
	case <-time.After(2 * time.Second):
		t.Fatal("no capture loop consuming frames")
	}
}

// jsonExtractor treats the frame bytes as the readings themselves.
type jsonExtractor struct {
	calls atomic.Int64
}

func (e *jsonExtractor) Extract(_ context.Context, frame []byte) ([]extract.RawReading, error) {
	e.calls.Add(1)
	var readings []extract.RawReading
	if err := json.Unmarshal(frame, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]storage.SessionInfo
	order    []string
	ended    map[string]float64
	bigWins  []events.BigWin
}

func newFakeStore(infos ...storage.SessionInfo) *fakeStore {
	s := &fakeStore{
		sessions: make(map[string]storage.SessionInfo),
		ended:    make(map[string]float64),
	}
	for _, info := range infos {
		s.sessions[info.SessionID] = info
		s.order = append(s.order, info.SessionID)
	}
	return s
}

func (s *fakeStore) ListLiveSessions(context.Context) ([]storage.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.SessionInfo, 0, len(s.sessions))
	for _, id := range s.order {
		if info, ok := s.sessions[id]; ok {
			out = append(out, info)
		}
	}
	return out, nil
}

func (s *fakeStore) GetSessionInfo(_ context.Context, sessionID string) (storage.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[sessionID]
	if !ok {
		return storage.SessionInfo{}, storage.ErrNotFound
	}
	return info, nil
}

func (s *fakeStore) SaveBigWin(_ context.Context, ev events.BigWin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bigWins = append(s.bigWins, ev)
	return nil
}

func (s *fakeStore) EndSession(_ context.Context, sessionID string, finalBalance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.sessions, sessionID)
	s.ended[sessionID] = finalBalance
	return nil
}

func (s *fakeStore) remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *fakeStore) setGame(sessionID, gameID, gameName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.sessions[sessionID]
	info.GameID = gameID
	info.GameName = gameName
	s.sessions[sessionID] = info
}

func (s *fakeStore) setViewers(sessionID string, viewers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.sessions[sessionID]
	info.Viewers = viewers
	s.sessions[sessionID] = info
}

func (s *fakeStore) wins() []events.BigWin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.BigWin(nil), s.bigWins...)
}

func (s *fakeStore) endedBalance(sessionID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.ended[sessionID]
	return bal, ok
}

type busMsg struct {
	channel string
	env     events.Envelope
}

type feed struct {
	mu  sync.Mutex
	got []busMsg
}

func (f *feed) handler(channel string, env events.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, busMsg{channel: channel, env: env})
}

func (f *feed) onChannel(channel string, et events.EventType) []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Envelope
	for _, m := range f.got {
		if m.channel == channel && m.env.EventType == et {
			out = append(out, m.env)
		}
	}
	return out
}

func (f *feed) count(et events.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.got {
		if m.env.EventType == et {
			n++
		}
	}
	return n
}

func (f *feed) waitLive(t *testing.T, et events.EventType, n int) []events.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if envs := f.onChannel(events.TopicLive, et); len(envs) >= n {
			return envs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events", n, et)
	return nil
}

func testSessionInfo(id string) storage.SessionInfo {
	return storage.SessionInfo{
		SessionID:    id,
		StreamerID:   "str-1",
		StreamerName: "NightSpinner",
		GameID:       "game-1",
		GameName:     "Nightfall Riches",
		PlaybackURL:  "https://twitch.tv/nightspinner",
	}
}

func fptr(v float64) *float64 { return &v }

func frameWith(t *testing.T, balance float64, bet, win *float64) []byte {
	t.Helper()
	data, err := json.Marshal([]extract.RawReading{{
		Balance:    &balance,
		Bet:        bet,
		Win:        win,
		Confidence: 0.95,
	}})
	require.NoError(t, err)
	return data
}

func newTestWorker(t *testing.T, st *fakeStore, mutate func(*Config)) (*Worker, *cache.MemoryStore, *feed, *fakeCapturer, *jsonExtractor) {
	t.Helper()

	mem := cache.NewMemoryStore()
	b := bus.NewMemoryBus(logging.NewLogger())
	fd := &feed{}
	if err := b.Subscribe(events.PatternAll, fd.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(b.Stop)

	pub := publisher.New(b, logging.NewLogger())

	cfg := DefaultConfig()
	cfg.TargetRefresh = 20 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.DiffThreshold = 0.0001
	if mutate != nil {
		mutate(&cfg)
	}

	// A high floor keeps temperature events out of the pipeline tests.
	hc := hotcold.DefaultConfig()
	hc.MinWagered = 1e9

	capt := newFakeCapturer()
	ext := &jsonExtractor{}

	w := New(cfg, Deps{
		Store:     st,
		Cache:     mem,
		Capturer:  capt,
		Extractor: ext,
		Processor: processor.New(mem, pub, processor.DefaultLimits(), logging.NewLogger()),
		Detector:  bigwin.NewDetector(bigwin.DefaultThresholds()),
		HotCold:   hotcold.New(mem, pub, hc, logging.NewLogger()),
		Publisher: pub,
		Logger:    logging.NewLogger(),
	})
	return w, mem, fd, capt, ext
}

func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop in time")
		}
	})
	return cancel
}

func TestSessionLifecycleStartToEnd(t *testing.T) {
	st := newFakeStore(testSessionInfo("sess-1"))
	w, _, fd, capt, _ := newTestWorker(t, st, nil)
	startWorker(t, w)

	starts := fd.waitLive(t, events.EventStreamStart, 1)
	var start events.StreamLifecycle
	require.NoError(t, starts[0].Decode(&start))
	assert.Equal(t, "sess-1", start.SessionID)
	assert.Equal(t, "str-1", start.StreamerID)
	assert.Equal(t, "game-1", start.GameID)

	capt.send(t, frameWith(t, 1000, nil, nil))
	capt.send(t, frameWith(t, 950, fptr(50), nil))

	updates := fd.waitLive(t, events.EventBalanceUpdate, 1)
	var up events.BalanceUpdate
	require.NoError(t, updates[0].Decode(&up))
	assert.Equal(t, events.ClassBet, up.Classification)
	assert.Equal(t, -50.0, up.Delta)

	st.remove("sess-1")

	ends := fd.waitLive(t, events.EventStreamEnd, 1)
	var end events.StreamLifecycle
	require.NoError(t, ends[0].Decode(&end))
	assert.Equal(t, "sess-1", end.SessionID)
	require.NotNil(t, end.FinalBalance)
	assert.Equal(t, 950.0, *end.FinalBalance)

	assert.Eventually(t, func() bool {
		_, ok := st.endedBalance("sess-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	bal, _ := st.endedBalance("sess-1")
	assert.Equal(t, 950.0, bal)
}

func TestBigWinSideEffects(t *testing.T) {
	shots := t.TempDir()
	st := newFakeStore(testSessionInfo("sess-1"))
	w, mem, fd, capt, _ := newTestWorker(t, st, func(c *Config) {
		c.ScreenshotDir = shots
		c.ScreenshotBaseURL = "https://cdn.slotfeed.test/wins"
	})
	startWorker(t, w)

	fd.waitLive(t, events.EventStreamStart, 1)
	capt.send(t, frameWith(t, 1000, nil, nil))
	capt.send(t, frameWith(t, 2000, fptr(50), fptr(1000)))

	bigs := fd.waitLive(t, events.EventBigWin, 1)
	var win events.BigWin
	require.NoError(t, bigs[0].Decode(&win))
	assert.Equal(t, events.TierBig, win.Tier)
	assert.Equal(t, 20.0, win.Multiplier)
	assert.Equal(t, 50.0, win.BetAmount)
	assert.Equal(t, 1000.0, win.WinAmount)
	assert.Equal(t, "NightSpinner", win.StreamerName)
	assert.True(t, strings.HasPrefix(win.ScreenshotURL, "https://cdn.slotfeed.test/wins/"), win.ScreenshotURL)

	wins := st.wins()
	require.Len(t, wins, 1)
	assert.Equal(t, win.ID, wins[0].ID)

	entries, err := os.ReadDir(shots)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, win.ID+".jpg", entries[0].Name())

	day := time.Now().UTC().Format("2006-01-02")
	count, err := mem.IncrCounter(context.Background(), cache.DailyWinsKey(day, "str-1"), 0, cache.TTLCounter)
	require.NoError(t, err)
	assert.Equal(t, 1.0, count)
}

func TestUnchangedFrameSkipsExtraction(t *testing.T) {
	st := newFakeStore(testSessionInfo("sess-1"))
	w, _, fd, capt, ext := newTestWorker(t, st, nil)
	startWorker(t, w)

	fd.waitLive(t, events.EventStreamStart, 1)

	seed := frameWith(t, 1000, nil, nil)
	capt.send(t, seed)
	capt.send(t, append([]byte(nil), seed...))
	capt.send(t, frameWith(t, 900, fptr(100), nil))

	fd.waitLive(t, events.EventBalanceUpdate, 1)
	assert.Equal(t, int64(2), ext.calls.Load())

	frames, readings, accepted := w.Stats()
	assert.Equal(t, int64(3), frames)
	assert.Equal(t, int64(2), readings)
	assert.Equal(t, int64(1), accepted)
}

func TestResolveFailureRetriedOnRefresh(t *testing.T) {
	st := newFakeStore(testSessionInfo("sess-1"))
	w, _, fd, capt, _ := newTestWorker(t, st, nil)
	capt.resolveOK.Store(false)
	startWorker(t, w)

	require.Eventually(t, func() bool {
		return capt.resolves.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, fd.count(events.EventStreamStart))
	assert.Equal(t, 0, fd.count(events.EventStreamEnd))

	capt.resolveOK.Store(true)
	fd.waitLive(t, events.EventStreamStart, 1)
	assert.Equal(t, int64(1), capt.loops.Load())
}

func TestStalledCaptureEndsSession(t *testing.T) {
	st := newFakeStore(testSessionInfo("sess-1"))
	w, _, fd, capt, _ := newTestWorker(t, st, func(c *Config) {
		c.StallTimeout = 150 * time.Millisecond
	})
	startWorker(t, w)

	fd.waitLive(t, events.EventStreamStart, 1)
	capt.send(t, frameWith(t, 1000, nil, nil))

	ends := fd.waitLive(t, events.EventStreamEnd, 1)
	var end events.StreamLifecycle
	require.NoError(t, ends[0].Decode(&end))
	require.NotNil(t, end.FinalBalance)
	assert.Equal(t, 1000.0, *end.FinalBalance)

	bal, ok := st.endedBalance("sess-1")
	assert.True(t, ok)
	assert.Equal(t, 1000.0, bal)
}

func TestShutdownLeavesLiveSessionsOpen(t *testing.T) {
	st := newFakeStore(testSessionInfo("sess-1"))
	w, _, fd, _, _ := newTestWorker(t, st, nil)
	cancel := startWorker(t, w)

	fd.waitLive(t, events.EventStreamStart, 1)
	cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fd.count(events.EventStreamEnd))
	_, ok := st.endedBalance("sess-1")
	assert.False(t, ok)
}

func TestGameChangeEmittedOnRefresh(t *testing.T) {
	st := newFakeStore(testSessionInfo("sess-1"))
	w, _, fd, capt, _ := newTestWorker(t, st, nil)
	startWorker(t, w)

	fd.waitLive(t, events.EventStreamStart, 1)

	st.setGame("sess-1", "game-2", "Gates of Night")

	changes := fd.waitLive(t, events.EventGameChange, 1)
	var ch events.GameChange
	require.NoError(t, changes[0].Decode(&ch))
	assert.Equal(t, "game-1", ch.PreviousGameID)
	assert.Equal(t, "game-2", ch.GameID)
	assert.Equal(t, "Gates of Night", ch.GameName)

	// Same runner keeps capturing; the game switch is not a restart.
	assert.Equal(t, 1, fd.count(events.EventStreamStart))
	assert.Equal(t, int64(1), capt.loops.Load())

	assert.Equal(t, []string{"sess-1"}, w.ActiveSessions())
}

func TestViewerChangePublishedOnRefresh(t *testing.T) {
	info := testSessionInfo("sess-1")
	info.Viewers = 250
	st := newFakeStore(info)
	w, mem, fd, _, _ := newTestWorker(t, st, nil)
	startWorker(t, w)

	streamCh := events.StreamTopic("sess-1")

	// The starting count goes out when the session spins up.
	require.Eventually(t, func() bool {
		return len(fd.onChannel(streamCh, events.EventViewerUpdate)) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	st.setViewers("sess-1", 1300)

	require.Eventually(t, func() bool {
		envs := fd.onChannel(streamCh, events.EventViewerUpdate)
		if len(envs) < 2 {
			return false
		}
		var vu events.ViewerUpdate
		if err := envs[len(envs)-1].Decode(&vu); err != nil {
			return false
		}
		return vu.Viewers == 1300
	}, 2*time.Second, 5*time.Millisecond)

	var cached int
	ok, err := mem.GetJSON(context.Background(), cache.SessionViewersKey("sess-1"), &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1300, cached)

	// A steady count stays quiet across refreshes.
	n := len(fd.onChannel(streamCh, events.EventViewerUpdate))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, len(fd.onChannel(streamCh, events.EventViewerUpdate)))

	// Viewer samples never hit the live channel.
	assert.Empty(t, fd.onChannel(events.TopicLive, events.EventViewerUpdate))
}

func TestHeartbeatWritten(t *testing.T) {
	st := newFakeStore()
	w, mem, _, _, _ := newTestWorker(t, st, func(c *Config) {
		c.WorkerID = "spotter-7"
	})
	startWorker(t, w)

	require.Eventually(t, func() bool {
		_, ok, err := cache.GetHeartbeat(context.Background(), mem, "spotter-7")
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)

	hb, ok, err := cache.GetHeartbeat(context.Background(), mem, "spotter-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "spotter-7", hb.WorkerID)
	assert.GreaterOrEqual(t, hb.UptimeSeconds, 0.0)
}

func TestShardingSplitsSessionsExactlyOnce(t *testing.T) {
	one := Config{WorkerID: "spotter-1", WorkerCount: 2}
	two := Config{WorkerID: "spotter-2", WorkerCount: 2}

	ids := []string{"sess-1", "sess-2", "sess-3", "sess-abc", "sess-xyz", "0d1e9f"}
	for _, id := range ids {
		first := one.assigned(id)
		second := two.assigned(id)
		assert.NotEqual(t, first, second, "session %s must belong to exactly one worker", id)
	}

	solo := Config{WorkerID: "spotter-1", WorkerCount: 1}
	for _, id := range ids {
		assert.True(t, solo.assigned(id))
	}
}
