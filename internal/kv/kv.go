// Package kv is the shared key-value store used for every piece of
// cross-request coordination in the gateway: rate-limit windows, the
// per-session concurrency counter and single-use token consumption.
//
// Every mutation is a single-key atomic operation so that a partially
// available store can at worst refuse work; it never leaves multi-key state
// half-written.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is wrapped by every error that reflects store degradation
// rather than a logical outcome. Callers map it to a 503.
var ErrUnavailable = errors.New("kv store unavailable")

// Store defines the operations the gateway needs from its backing store.
type Store interface {
	// Incr atomically increments key and returns the new value. A missing
	// key starts at zero.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements key and returns the new value.
	Decr(ctx context.Context, key string) (int64, error)
	// Expire sets a time-to-live on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Del removes key. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error
	// SetNX stores value under key only if key does not exist and reports
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// SlidingWindow evaluates and, when allowed, records one hit against a
	// weighted two-window counter.
	SlidingWindow(ctx context.Context, w Window) (WindowResult, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Window describes one sliding-window evaluation. CurrentKey holds the count
// for the window containing now; PreviousKey holds the count for the window
// immediately before it.
type Window struct {
	CurrentKey  string
	PreviousKey string
	Limit       int64
	Size        time.Duration
	// Elapsed is the time since the start of the current window.
	Elapsed time.Duration
}

// Weight is the fraction of the previous window that still overlaps the
// sliding window ending now.
func (w Window) Weight() float64 {
	if w.Size <= 0 {
		return 0
	}
	f := 1 - float64(w.Elapsed)/float64(w.Size)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// WindowResult is the outcome of a SlidingWindow call. Count is the weighted
// count including the recorded hit when Allowed is true. Current and
// Previous are the raw counts the decision was made on.
type WindowResult struct {
	Allowed  bool
	Count    int64
	Current  int64
	Previous int64
}
