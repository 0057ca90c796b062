// Package storage persists sessions and big wins and hands the pipeline its
// capture targets.
package storage

import (
	"context"
	"errors"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionInfo describes a live capture target and the identities attached
// to it.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	StreamerID   string `json:"streamer_id"`
	StreamerName string `json:"streamer_name"`
	GameID       string `json:"game_id"`
	GameName     string `json:"game_name"`
	PlaybackURL  string `json:"playback_url"`
	Viewers      int    `json:"viewers"`
}

// StreamerRef is the cached identity of a streamer.
type StreamerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GameRef is the cached identity of a game.
type GameRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Store is the persistence surface used by spotters and the supervisor.
type Store interface {
	// ListLiveSessions returns every session currently marked live.
	ListLiveSessions(ctx context.Context) ([]SessionInfo, error)
	// GetSessionInfo loads one session. Returns ErrNotFound when absent.
	GetSessionInfo(ctx context.Context, sessionID string) (SessionInfo, error)
	// SaveBigWin persists a detected big win.
	SaveBigWin(ctx context.Context, ev events.BigWin) error
	// EndSession marks a session ended and records its final balance.
	EndSession(ctx context.Context, sessionID string, finalBalance float64) error
}
