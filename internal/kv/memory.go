package kv

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || e.expiresAt.After(now)
}

// MemoryStore implements Store in process memory. It is meant for single
// instance deployments and tests; it gives no coordination across replicas.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	stop    chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// get returns the live entry for key, dropping it if it has expired.
// Callers must hold s.mu.
func (s *MemoryStore) get(key string, now time.Time) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.live(now) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *MemoryStore) add(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, _ := s.get(key, now)
	var cur int64
	if e.value != "" {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer", key)
		}
		cur = v
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	s.entries[key] = e
	return cur, nil
}

// Incr increments the integer at key.
func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	return s.add(key, 1)
}

// Decr decrements the integer at key.
func (s *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	return s.add(key, -1)
}

// Expire sets a TTL on key. It is a no-op for a missing key.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.get(key, now)
	if !ok {
		return nil
	}
	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return nil
}

// Del removes key.
func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// SetNX writes value under key if key is absent.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := s.get(key, now); ok {
		return false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) intAt(key string, now time.Time) int64 {
	e, ok := s.get(key, now)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(e.value, 10, 64)
	return v
}

// SlidingWindow evaluates w under the store lock.
func (s *MemoryStore) SlidingWindow(_ context.Context, w Window) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	cur := s.intAt(w.CurrentKey, now)
	prev := s.intAt(w.PreviousKey, now)
	count := int64(math.Floor(float64(prev)*w.Weight())) + cur
	if count >= w.Limit {
		return WindowResult{Allowed: false, Count: count, Current: cur, Previous: prev}, nil
	}

	e, ok := s.get(w.CurrentKey, now)
	if !ok {
		e = entry{expiresAt: now.Add(2 * w.Size)}
	}
	e.value = strconv.FormatInt(cur+1, 10)
	s.entries[w.CurrentKey] = e
	return WindowResult{Allowed: true, Count: count + 1, Current: cur + 1, Previous: prev}, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Cleanup removes expired entries and reports how many were dropped.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !e.live(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, e := range s.entries {
		if e.live(now) {
			n++
		}
	}
	return n
}

// StartJanitor begins the background cleanup routine.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

// Close stops the background cleanup routine.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return nil
}
