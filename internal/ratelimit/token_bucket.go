// Package ratelimit meters uploads per subject with a token bucket kept in
// redis. One token is one file, so a request carrying many images costs as
// much as that many single uploads.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pixelscrub:ratelimit"

var ErrCostExceedsCapacity = errors.New("rate limit cost exceeds capacity")

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Config struct {
	// Capacity is the burst size and the number of tokens restored per Window.
	Capacity  int
	Window    time.Duration
	KeyPrefix string
}

// takeScript works in milli-tokens so the stored balance stays an integer.
// KEYS[1] bucket; ARGV capacity, refill per ms, now ms, cost, ttl ms.
var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1]) * 1000
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4]) * 1000

local state = redis.call("HMGET", KEYS[1], "milli", "at")
local milli = tonumber(state[1]) or cap
local at = tonumber(state[2]) or now
if now > at then
  milli = math.min(cap, milli + math.floor((now - at) * rate))
end

local ok = 0
local wait = 0
if milli >= cost then
  milli = milli - cost
  ok = 1
else
  wait = math.ceil((cost - milli) / rate)
end

redis.call("HSET", KEYS[1], "milli", milli, "at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {ok, math.floor(milli / 1000), wait}
`)

type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	milliPer  float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, cfg Config) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case cfg.Capacity <= 0:
		return nil, fmt.Errorf("capacity must be positive, got %d", cfg.Capacity)
	case cfg.Window <= 0:
		return nil, fmt.Errorf("window must be positive, got %s", cfg.Window)
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	windowMS := max(cfg.Window.Milliseconds(), 1)

	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(cfg.Capacity),
		milliPer:  float64(cfg.Capacity) * 1000 / float64(windowMS),
		ttl:       2 * cfg.Window,
		keyPrefix: prefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens for subject at once. A cost above capacity can
// never succeed and is rejected without touching redis.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	cost = max(cost, 1)
	if int64(cost) > l.capacity {
		return Decision{}, fmt.Errorf("%w: cost=%d capacity=%d", ErrCostExceedsCapacity, cost, l.capacity)
	}

	reply, err := takeScript.Run(ctx, l.client, []string{l.key(subject)},
		l.capacity,
		l.milliPer,
		l.now().UnixMilli(),
		cost,
		l.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %d tokens: %w", cost, err)
	}
	return decisionFrom(reply)
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.keyPrefix + ":" + subject
}

func decisionFrom(reply []int64) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket returned %d values, want 3", len(reply))
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
