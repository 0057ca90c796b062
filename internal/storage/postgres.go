package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"github.com/rogervilla2024/slotfeed-sub002/internal/events"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/database"
	"github.com/rogervilla2024/slotfeed-sub002/pkg/logging"
)

// Postgres implements Store over a Postgres connection. Writes run through a
// retry policy since the pipeline has no transactional coupling to lean on.
type Postgres struct {
	db     database.PostgresConn
	logger logging.Logger
	retry  retrypolicy.RetryPolicy[any]
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db database.PostgresConn, logger logging.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
		retry:  writeRetryPolicy(),
	}
}

// writeRetryPolicy retries transient write failures: 3 attempts with
// 100ms..2s backoff and 10% jitter. Missing records and canceled contexts
// are terminal.
func writeRetryPolicy() retrypolicy.RetryPolicy[any] {
	return retrypolicy.NewBuilder[any]().
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			if err == nil {
				return false
			}
			if errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
				return false
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			return true
		}).
		Build()
}

func (p *Postgres) withRetry(ctx context.Context, fn func() error) error {
	_, err := failsafe.With(p.retry).WithContext(ctx).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// ListLiveSessions returns every session marked live, oldest first.
func (p *Postgres) ListLiveSessions(ctx context.Context) ([]SessionInfo, error) {
	query := `
		SELECT s.id, s.streamer_id, COALESCE(st.display_name, ''),
		       s.game_id, COALESCE(g.name, ''), s.playback_url,
		       COALESCE(s.viewers, 0)
		FROM slotfeed.sessions s
		LEFT JOIN slotfeed.streamers st ON st.id = s.streamer_id
		LEFT JOIN slotfeed.games g ON g.id = s.game_id
		WHERE s.status = 'live'
		ORDER BY s.started_at
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.SessionID, &info.StreamerID, &info.StreamerName,
			&info.GameID, &info.GameName, &info.PlaybackURL, &info.Viewers); err != nil {
			return nil, err
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// GetSessionInfo loads a single session with its streamer and game names.
func (p *Postgres) GetSessionInfo(ctx context.Context, sessionID string) (SessionInfo, error) {
	query := `
		SELECT s.id, s.streamer_id, COALESCE(st.display_name, ''),
		       s.game_id, COALESCE(g.name, ''), s.playback_url,
		       COALESCE(s.viewers, 0)
		FROM slotfeed.sessions s
		LEFT JOIN slotfeed.streamers st ON st.id = s.streamer_id
		LEFT JOIN slotfeed.games g ON g.id = s.game_id
		WHERE s.id = $1
	`
	var info SessionInfo
	err := p.db.QueryRowContext(ctx, query, sessionID).Scan(
		&info.SessionID, &info.StreamerID, &info.StreamerName,
		&info.GameID, &info.GameName, &info.PlaybackURL, &info.Viewers,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionInfo{}, ErrNotFound
	}
	if err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// SaveBigWin inserts a big win record. Replays of the same event ID are
// no-ops.
func (p *Postgres) SaveBigWin(ctx context.Context, ev events.BigWin) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	occurredAt := ev.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO slotfeed.big_wins
			(id, session_id, streamer_id, game_id, bet_amount, win_amount,
			 multiplier, tier, screenshot_url, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (id) DO NOTHING
	`
	return p.withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx, query,
			ev.ID, ev.SessionID, ev.StreamerID, ev.GameID,
			ev.BetAmount, ev.WinAmount, ev.Multiplier, string(ev.Tier),
			ev.ScreenshotURL, occurredAt,
		)
		return err
	})
}

// EndSession marks a session ended with its final balance.
func (p *Postgres) EndSession(ctx context.Context, sessionID string, finalBalance float64) error {
	query := `
		UPDATE slotfeed.sessions
		SET status = 'ended', ended_at = NOW(), final_balance = $2
		WHERE id = $1
	`
	return p.withRetry(ctx, func() error {
		res, err := p.db.ExecContext(ctx, query, sessionID, finalBalance)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
