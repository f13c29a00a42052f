package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript reads both windows and only increments the current
// one, so the key that is mutated is always KEYS[1].
var slidingWindowScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local prev = tonumber(redis.call("GET", KEYS[2]) or "0")
local limit = tonumber(ARGV[1])
local weight = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local count = math.floor(prev * weight) + cur
if count >= limit then
  return {0, count, cur, prev}
end
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return {1, count + 1, n, prev}
`)

// RedisStore implements Store on top of a Redis server.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// RedisOptions configures Dial.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dial creates a client for opts. It does not contact the server; use Ping
// for that.
func Dial(opts RedisOptions) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Incr runs INCR.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return n, nil
}

// Decr runs DECR.
func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("decr", err)
	}
	return n, nil
}

// Expire runs PEXPIRE.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return unavailable("expire", err)
	}
	return nil
}

// Del runs DEL.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// SetNX runs SET key value NX PX ttl.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// SlidingWindow evaluates w with a Lua script. Both keys should share a
// hash tag so the script is valid on a cluster.
func (s *RedisStore) SlidingWindow(ctx context.Context, w Window) (WindowResult, error) {
	ttl := (2 * w.Size).Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{w.CurrentKey, w.PreviousKey},
		w.Limit, w.Weight(), ttl,
	).Int64Slice()
	if err != nil {
		return WindowResult{}, unavailable("sliding window", err)
	}
	if len(res) != 4 {
		return WindowResult{}, unavailable("sliding window", errors.New("unexpected script reply"))
	}
	return WindowResult{Allowed: res[0] == 1, Count: res[1], Current: res[2], Previous: res[3]}, nil
}

// Ping runs PING.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
