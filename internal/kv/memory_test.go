package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func stores(t *testing.T) map[string]Store {
	rs, _ := newMiniredisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestStore_IncrDecrDel(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := int64(1); want <= 3; want++ {
				got, err := s.Incr(ctx, "counter")
				if err != nil {
					t.Fatalf("Incr failed: %v", err)
				}
				if got != want {
					t.Errorf("Incr = %d, want %d", got, want)
				}
			}
			got, err := s.Decr(ctx, "counter")
			if err != nil {
				t.Fatalf("Decr failed: %v", err)
			}
			if got != 2 {
				t.Errorf("Decr = %d, want 2", got)
			}
			if err := s.Del(ctx, "counter"); err != nil {
				t.Fatalf("Del failed: %v", err)
			}
			if err := s.Del(ctx, "counter"); err != nil {
				t.Fatalf("second Del should be a no-op: %v", err)
			}
			got, _ = s.Incr(ctx, "counter")
			if got != 1 {
				t.Errorf("Incr after Del = %d, want 1", got)
			}
		})
	}
}

func TestStore_SetNX(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.SetNX(ctx, "jti:abc", "1", time.Minute)
			if err != nil {
				t.Fatalf("SetNX failed: %v", err)
			}
			if !ok {
				t.Fatal("first SetNX should write")
			}
			ok, err = s.SetNX(ctx, "jti:abc", "1", time.Minute)
			if err != nil {
				t.Fatalf("SetNX failed: %v", err)
			}
			if ok {
				t.Error("second SetNX should not write")
			}
		})
	}
}

func TestStore_SlidingWindowLimit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := Window{CurrentKey: "{rl}:1", PreviousKey: "{rl}:0", Limit: 3, Size: time.Minute}
			for i := 0; i < 3; i++ {
				res, err := s.SlidingWindow(ctx, w)
				if err != nil {
					t.Fatalf("SlidingWindow failed: %v", err)
				}
				if !res.Allowed {
					t.Fatalf("hit %d should be allowed", i+1)
				}
			}
			res, err := s.SlidingWindow(ctx, w)
			if err != nil {
				t.Fatalf("SlidingWindow failed: %v", err)
			}
			if res.Allowed {
				t.Error("fourth hit should be denied")
			}
			if res.Count != 3 {
				t.Errorf("Count = %d, want 3", res.Count)
			}
		})
	}
}

func TestStore_SlidingWindowWeightsPrevious(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prev := Window{CurrentKey: "{rl}:0", PreviousKey: "{rl}:-1", Limit: 10, Size: time.Minute}
			for i := 0; i < 10; i++ {
				if _, err := s.SlidingWindow(ctx, prev); err != nil {
					t.Fatalf("SlidingWindow failed: %v", err)
				}
			}

			// A quarter into the next window, 75% of the previous ten still count.
			cur := Window{CurrentKey: "{rl}:1", PreviousKey: "{rl}:0", Limit: 10, Size: time.Minute, Elapsed: 15 * time.Second}
			allowed := 0
			for i := 0; i < 5; i++ {
				res, err := s.SlidingWindow(ctx, cur)
				if err != nil {
					t.Fatalf("SlidingWindow failed: %v", err)
				}
				if res.Allowed {
					allowed++
				}
			}
			if allowed != 3 {
				t.Errorf("allowed = %d, want 3", allowed)
			}
			res, err := s.SlidingWindow(ctx, cur)
			if err != nil {
				t.Fatalf("SlidingWindow failed: %v", err)
			}
			if res.Allowed || res.Current != 3 || res.Previous != 10 {
				t.Errorf("denied result = %+v, want raw counts 3 and 10", res)
			}
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := s.Incr(ctx, "k"); err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if err := s.Expire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	now = now.Add(2 * time.Second)
	if removed := s.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	got, _ := s.Incr(ctx, "k")
	if got != 1 {
		t.Errorf("Incr after expiry = %d, want 1", got)
	}
}

func TestMemoryStore_JanitorStops(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartJanitor(ctx, 10*time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newMiniredisStore(t)
	mr.Close()

	_, err := s.Incr(context.Background(), "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping: expected ErrUnavailable, got %v", err)
	}
}

func TestRedisStore_ExpireAppliesTTL(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()
	if _, err := s.Incr(ctx, "sem"); err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if err := s.Expire(ctx, "sem", 30*time.Second); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if ttl := mr.TTL("sem"); ttl != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", ttl)
	}
	mr.FastForward(31 * time.Second)
	if mr.Exists("sem") {
		t.Error("key should have expired")
	}
}
