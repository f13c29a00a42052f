package semaphore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"preview-gateway/internal/kv"
)

func newRedisBacked(t *testing.T) (*kv.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return kv.NewRedisStore(client), mr
}

func TestNew_Validation(t *testing.T) {
	store := kv.NewMemoryStore()
	tests := []struct {
		name    string
		store   kv.Store
		ceiling int64
		ttl     time.Duration
	}{
		{"nil store", nil, 16, time.Minute},
		{"zero ceiling", store, 0, time.Minute},
		{"zero ttl", store, 16, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.store, tt.ceiling, tt.ttl); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAcquire_Ceiling(t *testing.T) {
	store, mr := newRedisBacked(t)
	sem, _ := New(store, 16, time.Minute)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		acquired int
		denied   int
		wg       sync.WaitGroup
	)
	for i := 0; i < 17; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := sem.Acquire(ctx, "ps_1")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if lease.Acquired {
				acquired++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()

	if acquired != 16 || denied != 1 {
		t.Fatalf("acquired=%d denied=%d, want 16/1", acquired, denied)
	}
	got, _ := mr.Get(keyPrefix + "ps_1")
	if got != "16" {
		t.Errorf("counter = %q, want 16 after compensation", got)
	}

	other, _ := sem.Acquire(ctx, "ps_2")
	if !other.Acquired {
		t.Error("other sessions must not share the ceiling")
	}
}

func TestAcquire_TTLOnFirstIncrement(t *testing.T) {
	store, mr := newRedisBacked(t)
	sem, _ := New(store, 4, 30*time.Second)
	ctx := context.Background()

	if _, err := sem.Acquire(ctx, "ps_1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ttl := mr.TTL(keyPrefix + "ps_1"); ttl != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", ttl)
	}

	mr.FastForward(20 * time.Second)
	if _, err := sem.Acquire(ctx, "ps_1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ttl := mr.TTL(keyPrefix + "ps_1"); ttl != 10*time.Second {
		t.Errorf("TTL = %v, want 10s; later acquires must not extend it", ttl)
	}

	// A crashed holder's slots clear themselves.
	mr.FastForward(11 * time.Second)
	if mr.Exists(keyPrefix + "ps_1") {
		t.Error("expected counter to expire")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	store, mr := newRedisBacked(t)
	sem, _ := New(store, 16, time.Minute)
	ctx := context.Background()

	a, _ := sem.Acquire(ctx, "ps_1")
	b, _ := sem.Acquire(ctx, "ps_1")

	if err := sem.Release(ctx, &a); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := sem.Release(ctx, &a); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if got, _ := mr.Get(keyPrefix + "ps_1"); got != "1" {
		t.Errorf("counter = %q, want 1; double release must not free another holder's slot", got)
	}

	if err := sem.Release(ctx, &b); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if mr.Exists(keyPrefix + "ps_1") {
		t.Error("counter should be deleted at zero")
	}

	denied := Lease{Key: keyPrefix + "ps_1"}
	if err := sem.Release(ctx, &denied); err != nil {
		t.Errorf("releasing an unacquired lease should be a no-op: %v", err)
	}
	if err := sem.Release(ctx, nil); err != nil {
		t.Errorf("releasing nil should be a no-op: %v", err)
	}
}

func TestRelease_AfterExpiry(t *testing.T) {
	store := kv.NewMemoryStore()
	sem, _ := New(store, 16, time.Minute)
	ctx := context.Background()

	lease, _ := sem.Acquire(ctx, "ps_1")
	_ = store.Del(ctx, lease.Key)

	if err := sem.Release(ctx, &lease); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expected no keys left, have %d", store.Len())
	}
}

func TestAcquire_StoreUnavailable(t *testing.T) {
	store, mr := newRedisBacked(t)
	sem, _ := New(store, 16, time.Minute)
	mr.Close()

	lease, err := sem.Acquire(context.Background(), "ps_1")
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected kv.ErrUnavailable, got %v", err)
	}
	if lease.Acquired {
		t.Error("lease must not be acquired on error")
	}
}
