// Package ratelimit enforces per-scope sliding-window limits against the
// shared kv store.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"preview-gateway/internal/kv"
)

// Scope names the operation being limited.
type Scope string

const (
	ScopeStart    Scope = "start"
	ScopeExchange Scope = "exchange"
	ScopeProxy    Scope = "proxy"
)

// Dimension names the identity a counter is keyed by.
type Dimension string

const (
	DimensionUser    Dimension = "user"
	DimensionIP      Dimension = "ip"
	DimensionSession Dimension = "session"
)

// Window is one counter: at most Limit hits per Size.
type Window struct {
	Limit int64         `yaml:"limit"`
	Size  time.Duration `yaml:"window"`
}

// Rule pairs a short burst window with a longer sustained window. Both must
// pass.
type Rule struct {
	Burst     Window `yaml:"burst"`
	Sustained Window `yaml:"sustained"`
}

// Limits holds the rules for one scope. Only the dimensions the scope is
// keyed by are consulted.
type Limits struct {
	User    Rule `yaml:"user"`
	IP      Rule `yaml:"ip"`
	Session Rule `yaml:"session"`
}

// Config maps each scope to its limits.
type Config map[Scope]Limits

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ScopeStart: {
			User: Rule{Burst: Window{10, 10 * time.Second}, Sustained: Window{60, 10 * time.Minute}},
			IP:   Rule{Burst: Window{20, 10 * time.Second}, Sustained: Window{120, 10 * time.Minute}},
		},
		ScopeExchange: {
			User: Rule{Burst: Window{10, 10 * time.Second}, Sustained: Window{60, 10 * time.Minute}},
			IP:   Rule{Burst: Window{20, 10 * time.Second}, Sustained: Window{120, 10 * time.Minute}},
		},
		ScopeProxy: {
			Session: Rule{Burst: Window{200, 10 * time.Second}, Sustained: Window{3000, 10 * time.Minute}},
			IP:      Rule{Burst: Window{400, 10 * time.Second}, Sustained: Window{6000, 10 * time.Minute}},
		},
	}
}

// Validate rejects non-positive limits and windows shorter than a
// millisecond.
func (c Config) Validate() error {
	for _, scope := range []Scope{ScopeStart, ScopeExchange, ScopeProxy} {
		limits, ok := c[scope]
		if !ok {
			return fmt.Errorf("ratelimit: scope %q not configured", scope)
		}
		for _, d := range dimensionsFor(scope) {
			rule := limits.rule(d)
			for name, w := range map[string]Window{"burst": rule.Burst, "sustained": rule.Sustained} {
				if w.Limit <= 0 || w.Size < time.Millisecond {
					return fmt.Errorf("ratelimit: %s.%s.%s must have a positive limit and a window of at least 1ms", scope, d, name)
				}
			}
		}
	}
	return nil
}

func (l Limits) rule(d Dimension) Rule {
	switch d {
	case DimensionUser:
		return l.User
	case DimensionSession:
		return l.Session
	default:
		return l.IP
	}
}

// dimensionsFor returns the evaluation order for a scope.
func dimensionsFor(scope Scope) []Dimension {
	if scope == ScopeProxy {
		return []Dimension{DimensionSession, DimensionIP}
	}
	return []Dimension{DimensionUser, DimensionIP}
}

// Dimensions carries the identity values of one request. User may be empty
// for anonymous previews, in which case user checks are skipped.
type Dimensions struct {
	User    string
	IP      string
	Session string
}

func (d Dimensions) value(dim Dimension) string {
	switch dim {
	case DimensionUser:
		return d.User
	case DimensionSession:
		return d.Session
	default:
		if d.IP == "" {
			return "unknown"
		}
		return d.IP
	}
}

// LimitError reports the first check that failed.
type LimitError struct {
	Scope         Scope
	Dimension     Dimension
	Window        string
	NextAllowedAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited: %s.%s.%s until %s", e.Scope, e.Dimension, e.Window, e.NextAllowedAt.Format(time.RFC3339Nano))
}

// RetryAfter is the number of seconds until NextAllowedAt, rounded up and at
// least 1.
func (e *LimitError) RetryAfter(now time.Time) int {
	d := e.NextAllowedAt.Sub(now)
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter evaluates Config against a kv.Store.
type Limiter struct {
	store  kv.Store
	config Config
	now    func() time.Time
}

// New creates a Limiter. now may be nil.
func New(store kv.Store, config Config, now func() time.Time) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, config: config, now: now}, nil
}

// Enforce records one hit for scope against every applicable window, in
// order, stopping at the first that is exhausted. It returns a *LimitError
// when limited and an error wrapping kv.ErrUnavailable when the store fails.
func (l *Limiter) Enforce(ctx context.Context, scope Scope, dims Dimensions) error {
	limits, ok := l.config[scope]
	if !ok {
		return fmt.Errorf("ratelimit: unknown scope %q", scope)
	}
	for _, dim := range dimensionsFor(scope) {
		if err := l.enforce(ctx, scope, limits, dim, dims.value(dim)); err != nil {
			return err
		}
	}
	return nil
}

// EnforceDimension records one hit for a single dimension of scope, burst
// then sustained. An empty value is skipped, except for DimensionIP which is
// counted as "unknown".
func (l *Limiter) EnforceDimension(ctx context.Context, scope Scope, dim Dimension, value string) error {
	limits, ok := l.config[scope]
	if !ok {
		return fmt.Errorf("ratelimit: unknown scope %q", scope)
	}
	if dim == DimensionIP {
		value = Dimensions{IP: value}.value(dim)
	}
	return l.enforce(ctx, scope, limits, dim, value)
}

func (l *Limiter) enforce(ctx context.Context, scope Scope, limits Limits, dim Dimension, value string) error {
	if value == "" {
		return nil
	}
	rule := limits.rule(dim)
	for _, check := range []struct {
		name string
		w    Window
	}{{"burst", rule.Burst}, {"sustained", rule.Sustained}} {
		if err := l.hit(ctx, scope, dim, value, check.name, check.w); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) hit(ctx context.Context, scope Scope, dim Dimension, value, name string, w Window) error {
	now := l.now()
	size := w.Size.Milliseconds()
	idx := now.UnixMilli() / size
	start := time.UnixMilli(idx * size)

	// The braces are a hash tag so both windows share a cluster slot.
	prefix := fmt.Sprintf("preview:rl:{%s:%s:%s:%s}:", scope, dim, digest(value), name)
	res, err := l.store.SlidingWindow(ctx, kv.Window{
		CurrentKey:  prefix + strconv.FormatInt(idx, 10),
		PreviousKey: prefix + strconv.FormatInt(idx-1, 10),
		Limit:       w.Limit,
		Size:        w.Size,
		Elapsed:     now.Sub(start),
	})
	if err != nil {
		return fmt.Errorf("ratelimit %s.%s.%s: %w", scope, dim, name, err)
	}
	if !res.Allowed {
		next := nextAllowed(start, w, res.Previous, res.Current)
		return &LimitError{Scope: scope, Dimension: dim, Window: name, NextAllowedAt: next.UTC()}
	}
	return nil
}

// nextAllowed returns the earliest instant at which one more hit passes,
// given the raw counts of the window starting at start and the one before
// it, assuming no other hits land meanwhile. When the current window alone
// is full, the answer lies in the next window, where current becomes the
// previous count.
func nextAllowed(start time.Time, w Window, prev, cur int64) time.Time {
	if cur >= w.Limit {
		start, prev, cur = start.Add(w.Size), cur, 0
	}
	if prev <= 0 {
		return start.Add(w.Size)
	}
	// floor(prev*(size-e)/size) + cur < limit holds once
	// prev*(size-e) < (limit-cur)*size.
	size := w.Size.Milliseconds()
	q := (w.Limit - cur) * size
	e := size - q/prev
	if q%prev == 0 {
		e++
	}
	if e < 0 {
		e = 0
	}
	if e >= size {
		return start.Add(w.Size)
	}
	return start.Add(time.Duration(e) * time.Millisecond)
}

func digest(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}
