package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rogervilla2024/slotfeed-sub002/internal/cache"
	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Cached layers the cache store over an inner Store. Reads hit the cache
// first; misses are deduplicated so one database query serves all concurrent
// callers of the same key.
type Cached struct {
	inner  Store
	cache  cache.Store
	logger logging.Logger
	sf     singleflight.Group
}

// NewCached wraps inner with the cache store.
func NewCached(inner Store, c cache.Store, logger logging.Logger) *Cached {
	return &Cached{inner: inner, cache: c, logger: logger}
}

// ListLiveSessions serves from the cached live set while it is warm and
// falls through to the database when it is empty or expired.
func (c *Cached) ListLiveSessions(ctx context.Context) ([]SessionInfo, error) {
	ids, err := c.cache.LiveSessions(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Live set read failed, using database")
	}
	if len(ids) > 0 {
		sessions := make([]SessionInfo, 0, len(ids))
		for _, id := range ids {
			info, err := c.GetSessionInfo(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			sessions = append(sessions, info)
		}
		return sessions, nil
	}

	v, err, _ := c.sf.Do("live_sessions", func() (interface{}, error) {
		sessions, err := c.inner.ListLiveSessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, info := range sessions {
			if err := c.cache.AddLiveSession(ctx, info.SessionID); err != nil {
				c.logger.WithError(err).Warn("Failed to cache live session")
			}
			c.fill(ctx, info)
		}
		return sessions, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]SessionInfo), nil
}

// GetSessionInfo serves a session from the cache, loading and filling it on
// a miss. Absent sessions are not negative-cached.
func (c *Cached) GetSessionInfo(ctx context.Context, sessionID string) (SessionInfo, error) {
	var info SessionInfo
	found, err := c.cache.GetJSON(ctx, cache.SessionInfoKey(sessionID), &info)
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Session cache read failed, using database")
	}
	if found {
		return info, nil
	}

	v, err, _ := c.sf.Do("session:"+sessionID, func() (interface{}, error) {
		loaded, err := c.inner.GetSessionInfo(ctx, sessionID)
		if err != nil {
			return SessionInfo{}, err
		}
		c.fill(ctx, loaded)
		return loaded, nil
	})
	if err != nil {
		return SessionInfo{}, err
	}
	return v.(SessionInfo), nil
}

// SaveBigWin writes through to the inner store.
func (c *Cached) SaveBigWin(ctx context.Context, ev events.BigWin) error {
	return c.inner.SaveBigWin(ctx, ev)
}

// EndSession ends the session in the inner store and evicts its cache
// entries so the live set stops handing it out.
func (c *Cached) EndSession(ctx context.Context, sessionID string, finalBalance float64) error {
	err := c.inner.EndSession(ctx, sessionID, finalBalance)

	if cErr := c.cache.RemoveLiveSession(ctx, sessionID); cErr != nil {
		c.logger.WithError(cErr).Warn("Failed to drop session from live set")
	}
	c.evict(ctx, cache.SessionInfoKey(sessionID))
	c.evict(ctx, cache.SessionBalanceKey(sessionID))

	return err
}

// fill writes a loaded session and its identities into the cache with their
// per-entity TTLs.
func (c *Cached) fill(ctx context.Context, info SessionInfo) {
	c.put(ctx, cache.SessionInfoKey(info.SessionID), info, cache.TTLSession)
	if info.StreamerID != "" {
		c.put(ctx, cache.StreamerKey(info.StreamerID),
			StreamerRef{ID: info.StreamerID, Name: info.StreamerName}, cache.TTLStreamer)
	}
	if info.GameID != "" {
		c.put(ctx, cache.GameKey(info.GameID),
			GameRef{ID: info.GameID, Name: info.GameName}, cache.TTLGame)
	}
}

func (c *Cached) put(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if err := c.cache.SetJSON(ctx, key, value, ttl); err != nil {
		c.logger.WithFields(logging.Fields{
			"key":   key,
			"error": err.Error(),
		}).Warn("Cache write failed")
	}
}

func (c *Cached) evict(ctx context.Context, key string) {
	if err := c.cache.Delete(ctx, key); err != nil {
		c.logger.WithFields(logging.Fields{
			"key":   key,
			"error": err.Error(),
		}).Warn("Cache evict failed")
	}
}
