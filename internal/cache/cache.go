// Package cache implements the slotfeed cache store: TTL'd JSON values,
// capped history lists, the live session set, and daily counters under the
// cache:{entity}:{id}[:{subkey}] key scheme.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Entity names the cacheable domains. Each entity carries its own TTL.
type Entity string

const (
	EntityStreamer    Entity = "streamer"
	EntityGame        Entity = "game"
	EntitySession     Entity = "session"
	EntityLive        Entity = "live"
	EntityLeaderboard Entity = "leaderboard"
	EntityHotCold     Entity = "hot_cold"
)

// Entity and subkey TTLs. Counters run a hair over 24h so a daily counter
// survives until the next day's rollover reads it.
const (
	TTLStreamer    = 5 * time.Minute
	TTLGame        = 10 * time.Minute
	TTLSession     = 30 * time.Second
	TTLLive        = 10 * time.Second
	TTLLeaderboard = 5 * time.Minute
	TTLHotCold     = time.Minute
	TTLViewers     = time.Minute
	TTLHistory     = time.Hour
	TTLCounter     = 25 * time.Hour
	TTLHeartbeat   = 30 * time.Second

	// HistoryMaxEntries caps every balance history list.
	HistoryMaxEntries = 100
)

// TTLFor returns the base TTL for an entity.
func TTLFor(entity Entity) time.Duration {
	switch entity {
	case EntityStreamer:
		return TTLStreamer
	case EntityGame:
		return TTLGame
	case EntitySession:
		return TTLSession
	case EntityLive:
		return TTLLive
	case EntityLeaderboard:
		return TTLLeaderboard
	case EntityHotCold:
		return TTLHotCold
	default:
		return TTLSession
	}
}

// Key builds a cache key from an entity, an id, and optional subkeys.
func Key(entity Entity, id string, subkeys ...string) string {
	parts := append([]string{"cache", string(entity), id}, subkeys...)
	return strings.Join(parts, ":")
}

// Key builders for the well-known slots of the schema.

func StreamerKey(streamerID string) string { return Key(EntityStreamer, streamerID) }
func GameKey(gameID string) string         { return Key(EntityGame, gameID) }
func SessionInfoKey(sessionID string) string {
	return Key(EntitySession, sessionID)
}
func SessionBalanceKey(sessionID string) string {
	return Key(EntitySession, sessionID, "balance")
}
func SessionHistoryKey(sessionID string) string {
	return Key(EntitySession, sessionID, "history")
}
func SessionViewersKey(sessionID string) string {
	return Key(EntitySession, sessionID, "viewers")
}
func LiveSessionsKey() string { return Key(EntityLive, "sessions") }
func WorkerHeartbeatKey(workerID string) string {
	return Key(EntityLive, "worker", workerID)
}
func DailyWinsKey(day, streamerID string) string {
	return Key(EntityLeaderboard, "daily", day, streamerID)
}
func HotColdLatchKey(gameID string) string { return Key(EntityHotCold, gameID) }
func HotColdWageredKey(gameID string) string {
	return Key(EntityHotCold, gameID, "wagered")
}
func HotColdWonKey(gameID string) string {
	return Key(EntityHotCold, gameID, "won")
}

// Store is the cache surface shared by the pipeline. Implementations are
// RedisStore for deployments and MemoryStore for tests and standalone runs.
type Store interface {
	// SetJSON stores value as JSON under key with the given TTL.
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// GetJSON loads key into dest, reporting whether the key existed.
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// PushHistory prepends entry to the list at key, trims it to max
	// entries, and refreshes the TTL.
	PushHistory(ctx context.Context, key string, entry interface{}, max int, ttl time.Duration) error
	// History returns up to limit newest-first entries from the list.
	History(ctx context.Context, key string, limit int) ([]json.RawMessage, error)

	// AddLiveSession adds a session to the live set and refreshes its TTL.
	AddLiveSession(ctx context.Context, sessionID string) error
	// RemoveLiveSession drops a session from the live set.
	RemoveLiveSession(ctx context.Context, sessionID string) error
	// LiveSessions lists the current live set.
	LiveSessions(ctx context.Context) ([]string, error)

	// IncrCounter adds delta to a float counter, setting the TTL on first
	// touch, and returns the new value.
	IncrCounter(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// SetNX stores value only when key is absent. Returns true when the
	// value was written. Used as a cooldown latch.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases resources owned by the store.
	Close() error
}
