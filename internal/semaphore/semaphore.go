// Package semaphore bounds the number of in-flight proxied requests per
// preview session with a counter in the shared kv store.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"preview-gateway/internal/kv"
)

const keyPrefix = "preview:inflight:"

// Lease is the result of Acquire. Releasing a lease that was not acquired,
// or releasing one twice, is a no-op.
type Lease struct {
	Key      string
	Acquired bool
}

// Semaphore is a per-session counting semaphore.
type Semaphore struct {
	store   kv.Store
	ceiling int64
	ttl     time.Duration
}

// New creates a Semaphore admitting at most ceiling holders per session. ttl
// bounds how long an abandoned slot can survive a crashed holder.
func New(store kv.Store, ceiling int64, ttl time.Duration) (*Semaphore, error) {
	if store == nil {
		return nil, errors.New("semaphore: store is required")
	}
	if ceiling <= 0 {
		return nil, errors.New("semaphore: ceiling must be positive")
	}
	if ttl <= 0 {
		return nil, errors.New("semaphore: ttl must be positive")
	}
	return &Semaphore{store: store, ceiling: ceiling, ttl: ttl}, nil
}

// Ceiling returns the configured per-session limit.
func (s *Semaphore) Ceiling() int64 { return s.ceiling }

// Acquire takes a slot for sessionID. When the session is at its ceiling the
// increment is compensated and the returned lease is not acquired.
func (s *Semaphore) Acquire(ctx context.Context, sessionID string) (Lease, error) {
	key := keyPrefix + sessionID
	n, err := s.store.Incr(ctx, key)
	if err != nil {
		return Lease{Key: key}, fmt.Errorf("semaphore acquire: %w", err)
	}
	if n == 1 {
		if err := s.store.Expire(ctx, key, s.ttl); err != nil {
			_, _ = s.store.Decr(ctx, key)
			return Lease{Key: key}, fmt.Errorf("semaphore acquire: %w", err)
		}
	}
	if n > s.ceiling {
		if _, err := s.store.Decr(ctx, key); err != nil {
			return Lease{Key: key}, fmt.Errorf("semaphore compensate: %w", err)
		}
		return Lease{Key: key}, nil
	}
	return Lease{Key: key, Acquired: true}, nil
}

// Release returns the slot held by lease. It deletes the counter once it
// reaches zero, which also repairs a counter driven negative by releasing
// after the key expired.
func (s *Semaphore) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || !lease.Acquired || lease.Key == "" {
		return nil
	}
	lease.Acquired = false
	n, err := s.store.Decr(ctx, lease.Key)
	if err != nil {
		return fmt.Errorf("semaphore release: %w", err)
	}
	if n <= 0 {
		if err := s.store.Del(ctx, lease.Key); err != nil {
			return fmt.Errorf("semaphore release: %w", err)
		}
	}
	return nil
}
