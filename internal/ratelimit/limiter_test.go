package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"preview-gateway/internal/kv"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func tightConfig() Config {
	cfg := DefaultConfig()
	cfg[ScopeProxy] = Limits{
		Session: Rule{Burst: Window{2, 10 * time.Second}, Sustained: Window{100, 10 * time.Minute}},
		IP:      Rule{Burst: Window{3, 10 * time.Second}, Sustained: Window{100, 10 * time.Minute}},
	}
	cfg[ScopeStart] = Limits{
		User: Rule{Burst: Window{1, 10 * time.Second}, Sustained: Window{100, 10 * time.Minute}},
		IP:   Rule{Burst: Window{2, 10 * time.Second}, Sustained: Window{100, 10 * time.Minute}},
	}
	return cfg
}

func newTestLimiter(t *testing.T, store kv.Store) (*Limiter, *clock) {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l, err := New(store, tightConfig(), c.now)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, c
}

func asLimit(t *testing.T, err error) *LimitError {
	t.Helper()
	var le *LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LimitError, got %v", err)
	}
	return le
}

func TestEnforce_FailFastOrder(t *testing.T) {
	l, _ := newTestLimiter(t, kv.NewMemoryStore())
	ctx := context.Background()

	a := Dimensions{Session: "ps_a", IP: "198.51.100.7"}
	for i := 0; i < 2; i++ {
		if err := l.Enforce(ctx, ScopeProxy, a); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
	}
	le := asLimit(t, l.Enforce(ctx, ScopeProxy, a))
	if le.Dimension != DimensionSession || le.Window != "burst" || le.Scope != ScopeProxy {
		t.Errorf("got %s.%s.%s, want proxy.session.burst", le.Scope, le.Dimension, le.Window)
	}

	// The denied request must not have consumed IP budget.
	b := Dimensions{Session: "ps_b", IP: "198.51.100.7"}
	if err := l.Enforce(ctx, ScopeProxy, b); err != nil {
		t.Fatalf("third IP hit should pass: %v", err)
	}
	le = asLimit(t, l.Enforce(ctx, ScopeProxy, b))
	if le.Dimension != DimensionIP {
		t.Errorf("Dimension = %s, want ip", le.Dimension)
	}
}

func TestEnforce_AnonymousSkipsUser(t *testing.T) {
	l, _ := newTestLimiter(t, kv.NewMemoryStore())
	ctx := context.Background()

	anon := Dimensions{IP: "203.0.113.5"}
	for i := 0; i < 2; i++ {
		if err := l.Enforce(ctx, ScopeStart, anon); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
	}
	if le := asLimit(t, l.Enforce(ctx, ScopeStart, anon)); le.Dimension != DimensionIP {
		t.Errorf("Dimension = %s, want ip", le.Dimension)
	}

	named := Dimensions{User: "u1", IP: "203.0.113.6"}
	if err := l.Enforce(ctx, ScopeStart, named); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if le := asLimit(t, l.Enforce(ctx, ScopeStart, named)); le.Dimension != DimensionUser {
		t.Errorf("Dimension = %s, want user", le.Dimension)
	}
}

func TestEnforce_NextAllowedAtAndRecovery(t *testing.T) {
	l, c := newTestLimiter(t, kv.NewMemoryStore())
	ctx := context.Background()
	windowStart := c.t
	c.t = c.t.Add(3 * time.Second)

	d := Dimensions{Session: "ps_1", IP: "198.51.100.1"}
	_ = l.Enforce(ctx, ScopeProxy, d)
	_ = l.Enforce(ctx, ScopeProxy, d)
	le := asLimit(t, l.Enforce(ctx, ScopeProxy, d))

	// The current window is full, so the earliest pass is just after the next
	// window opens, once the carried-over hits weigh a little under 2.
	want := windowStart.Add(10*time.Second + time.Millisecond).UTC()
	if !le.NextAllowedAt.Equal(want) {
		t.Errorf("NextAllowedAt = %v, want %v", le.NextAllowedAt, want)
	}
	if got := le.RetryAfter(c.t); got != 8 {
		t.Errorf("RetryAfter = %d, want 8", got)
	}

	c.t = le.NextAllowedAt.Add(-time.Millisecond)
	if err := l.Enforce(ctx, ScopeProxy, d); err == nil {
		t.Error("expected denial just before NextAllowedAt")
	}
	c.t = le.NextAllowedAt
	if err := l.Enforce(ctx, ScopeProxy, d); err != nil {
		t.Errorf("expected a request at NextAllowedAt to pass, got %v", err)
	}
}

func TestEnforce_NextAllowedAtWithinWindow(t *testing.T) {
	l, c := newTestLimiter(t, kv.NewMemoryStore())
	ctx := context.Background()
	windowStart := c.t
	d := Dimensions{Session: "ps_1", IP: "198.51.100.1"}

	c.t = windowStart.Add(3 * time.Second)
	for i := 0; i < 2; i++ {
		if err := l.Enforce(ctx, ScopeProxy, d); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
	}

	// One second into the next window the two earlier hits weigh 1.8.
	next := windowStart.Add(10 * time.Second)
	c.t = next.Add(time.Second)
	if err := l.Enforce(ctx, ScopeProxy, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	le := asLimit(t, l.Enforce(ctx, ScopeProxy, d))
	if want := next.Add(5*time.Second + time.Millisecond).UTC(); !le.NextAllowedAt.Equal(want) {
		t.Errorf("NextAllowedAt = %v, want %v", le.NextAllowedAt, want)
	}

	c.t = le.NextAllowedAt.Add(-time.Millisecond)
	if err := l.Enforce(ctx, ScopeProxy, d); err == nil {
		t.Error("expected denial just before NextAllowedAt")
	}
	c.t = le.NextAllowedAt
	if err := l.Enforce(ctx, ScopeProxy, d); err != nil {
		t.Errorf("expected a request at NextAllowedAt to pass, got %v", err)
	}
}

func TestNextAllowed(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	w := Window{Limit: 4, Size: 10 * time.Second}
	tests := []struct {
		name      string
		prev, cur int64
		want      time.Time
	}{
		{name: "current full", prev: 0, cur: 4, want: start.Add(10*time.Second + time.Millisecond)},
		{name: "previous only", prev: 8, cur: 0, want: start.Add(5*time.Second + time.Millisecond)},
		{name: "mixed", prev: 3, cur: 2, want: start.Add(3334 * time.Millisecond)},
		{name: "empty previous with room", prev: 0, cur: 1, want: start.Add(10 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextAllowed(start, w, tt.prev, tt.cur); !got.Equal(tt.want) {
				t.Errorf("nextAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnforceDimension(t *testing.T) {
	l, _ := newTestLimiter(t, kv.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.EnforceDimension(ctx, ScopeStart, DimensionIP, ""); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
	}
	if le := asLimit(t, l.EnforceDimension(ctx, ScopeStart, DimensionIP, "")); le.Dimension != DimensionIP {
		t.Errorf("Dimension = %s, want ip", le.Dimension)
	}
	// The empty address shares the counter used by Enforce.
	if err := l.Enforce(ctx, ScopeStart, Dimensions{}); err == nil {
		t.Error("expected the unknown ip counter to be exhausted")
	}

	if err := l.EnforceDimension(ctx, ScopeStart, DimensionUser, ""); err != nil {
		t.Errorf("anonymous user should be skipped, got %v", err)
	}
	if err := l.EnforceDimension(ctx, "bogus", DimensionIP, "198.51.100.1"); err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestEnforce_StoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	l, _ := newTestLimiter(t, kv.NewRedisStore(client))
	mr.Close()

	err := l.Enforce(context.Background(), ScopeProxy, Dimensions{Session: "ps_1", IP: "198.51.100.1"})
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected kv.ErrUnavailable, got %v", err)
	}
	var le *LimitError
	if errors.As(err, &le) {
		t.Error("store outage must not look like a rate limit")
	}
}

func TestEnforce_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, _ := newTestLimiter(t, kv.NewRedisStore(client))
	ctx := context.Background()

	d := Dimensions{Session: "ps_1", IP: "2001:db8::1"}
	_ = l.Enforce(ctx, ScopeProxy, d)
	_ = l.Enforce(ctx, ScopeProxy, d)
	if le := asLimit(t, l.Enforce(ctx, ScopeProxy, d)); le.Dimension != DimensionSession {
		t.Errorf("Dimension = %s, want session", le.Dimension)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	missing := DefaultConfig()
	delete(missing, ScopeExchange)
	if err := missing.Validate(); err == nil {
		t.Error("expected error for missing scope")
	}

	zero := DefaultConfig()
	l := zero[ScopeProxy]
	l.IP.Sustained.Limit = 0
	zero[ScopeProxy] = l
	if err := zero.Validate(); err == nil {
		t.Error("expected error for zero limit")
	}

	tiny := DefaultConfig()
	l = tiny[ScopeExchange]
	l.IP.Burst.Size = 500 * time.Microsecond
	tiny[ScopeExchange] = l
	if err := tiny.Validate(); err == nil {
		t.Error("expected error for sub-millisecond window")
	}

	// Unused dimensions are not validated.
	unused := DefaultConfig()
	l = unused[ScopeProxy]
	l.User = Rule{}
	unused[ScopeProxy] = l
	if err := unused.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if _, err := New(nil, DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil store")
	}
}
