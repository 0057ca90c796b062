package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the in-process Store. It mirrors RedisStore semantics
// closely enough for tests and single-process runs: per-key TTLs enforced
// lazily on access, capped history lists, and float counters.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]memoryEntry
	lists    map[string]*memoryList
	live     map[string]time.Time
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

type memoryList struct {
	entries   [][]byte
	expiresAt time.Time
}

type memoryCounter struct {
	value     float64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]memoryEntry),
		lists:    make(map[string]*memoryList),
		live:     make(map[string]time.Time),
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

func (s *MemoryStore) expired(deadline time.Time) bool {
	return !deadline.IsZero() && s.now().After(deadline)
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) SetJSON(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryEntry{data: data, expiresAt: s.deadline(ttl)}
	return nil
}

func (s *MemoryStore) GetJSON(_ context.Context, key string, dest interface{}) (bool, error) {
	s.mu.Lock()
	entry, ok := s.values[key]
	if ok && s.expired(entry.expiresAt) {
		delete(s.values, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.counters, key)
	return nil
}

func (s *MemoryStore) PushHistory(_ context.Context, key string, entry interface{}, max int, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry for %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[key]
	if !ok || s.expired(list.expiresAt) {
		list = &memoryList{}
		s.lists[key] = list
	}
	list.entries = append([][]byte{data}, list.entries...)
	if max > 0 && len(list.entries) > max {
		list.entries = list.entries[:max]
	}
	list.expiresAt = s.deadline(ttl)
	return nil
}

func (s *MemoryStore) History(_ context.Context, key string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = HistoryMaxEntries
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[key]
	if !ok || s.expired(list.expiresAt) {
		delete(s.lists, key)
		return nil, nil
	}
	n := len(list.entries)
	if n > limit {
		n = limit
	}
	entries := make([]json.RawMessage, 0, n)
	for _, e := range list.entries[:n] {
		entries = append(entries, json.RawMessage(e))
	}
	return entries, nil
}

func (s *MemoryStore) AddLiveSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The whole set shares one TTL in Redis; model that by stamping every
	// member with the same fresh deadline.
	deadline := s.deadline(TTLLive)
	for id := range s.live {
		s.live[id] = deadline
	}
	s.live[sessionID] = deadline
	return nil
}

func (s *MemoryStore) RemoveLiveSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, sessionID)
	return nil
}

func (s *MemoryStore) LiveSessions(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]string, 0, len(s.live))
	for id, deadline := range s.live {
		if s.expired(deadline) {
			delete(s.live, id)
			continue
		}
		sessions = append(sessions, id)
	}
	return sessions, nil
}

func (s *MemoryStore) IncrCounter(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[key]
	if !ok || s.expired(counter.expiresAt) {
		counter = &memoryCounter{expiresAt: s.deadline(ttl)}
		s.counters[key] = counter
	}
	counter.value += delta
	return counter.value, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.values[key]; ok && !s.expired(entry.expiresAt) {
		return false, nil
	}
	s.values[key] = memoryEntry{data: data, expiresAt: s.deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
