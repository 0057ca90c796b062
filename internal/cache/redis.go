package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore backs the cache with Redis. All workers and services share one
// keyspace, which is what makes baselines and the live set cross-process.
type RedisStore struct {
	client goredis.UniversalClient
	// ownsClient is set when the store built its own client and should
	// close it.
	ownsClient bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership.
func NewRedisStore(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreOwned wraps a client the store will close on Close.
func NewRedisStoreOwned(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, ownsClient: true}
}

func (s *RedisStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) PushHistory(ctx context.Context, key string, entry interface{}, max int, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry for %s: %w", key, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(max-1))
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push history %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, key string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = HistoryMaxEntries
	}
	rows, err := s.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	entries := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, json.RawMessage(row))
	}
	return entries, nil
}

func (s *RedisStore) AddLiveSession(ctx context.Context, sessionID string) error {
	key := LiveSessionsKey()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, key, sessionID)
		pipe.Expire(ctx, key, TTLLive)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add live session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) RemoveLiveSession(ctx context.Context, sessionID string) error {
	if err := s.client.SRem(ctx, LiveSessionsKey(), sessionID).Err(); err != nil {
		return fmt.Errorf("remove live session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) LiveSessions(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, LiveSessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("live sessions: %w", err)
	}
	return members, nil
}

func (s *RedisStore) IncrCounter(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	value, err := s.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	// Refresh only when the key has no TTL yet, so a hot counter is not
	// kept alive forever by its own traffic.
	if s.client.TTL(ctx, key).Val() < 0 {
		s.client.Expire(ctx, key, ttl)
	}
	return value, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
