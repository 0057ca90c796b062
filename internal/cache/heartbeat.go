package cache

import (
	"context"
	"time"
)

// Heartbeat is the liveness sample a spotter publishes for its supervisor.
type Heartbeat struct {
	WorkerID      string    `json:"worker_id"`
	Frames        int64     `json:"frames"`
	Readings      int64     `json:"readings"`
	Events        int64     `json:"events"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// SetHeartbeat writes a worker's heartbeat under its live key. The short TTL
// means a stalled worker disappears from Heartbeats on its own.
func SetHeartbeat(ctx context.Context, s Store, hb Heartbeat) error {
	return s.SetJSON(ctx, WorkerHeartbeatKey(hb.WorkerID), hb, TTLHeartbeat)
}

// GetHeartbeat loads a single worker's heartbeat.
func GetHeartbeat(ctx context.Context, s Store, workerID string) (Heartbeat, bool, error) {
	var hb Heartbeat
	ok, err := s.GetJSON(ctx, WorkerHeartbeatKey(workerID), &hb)
	if err != nil || !ok {
		return Heartbeat{}, false, err
	}
	return hb, true, nil
}

// Heartbeats loads the heartbeats for the given workers. Workers with no
// current heartbeat are omitted.
func Heartbeats(ctx context.Context, s Store, workerIDs []string) map[string]Heartbeat {
	out := make(map[string]Heartbeat, len(workerIDs))
	for _, id := range workerIDs {
		hb, ok, err := GetHeartbeat(ctx, s, id)
		if err != nil || !ok {
			continue
		}
		out[id] = hb
	}
	return out
}
