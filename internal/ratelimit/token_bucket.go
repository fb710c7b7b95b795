package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xihreaux01/pixel-art-platform/internal/clock"
)

// TokenBucket limits job creation per user with a Redis-held token bucket.
type TokenBucket struct {
	client   *redis.Client
	clock    clock.Clock
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, clk clock.Clock, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenBucket{
		client:   client,
		clock:    clk,
		prefix:   "ratelimit:create:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for userID if one is available.
func (b *TokenBucket) Allow(ctx context.Context, userID string) (Decision, error) {
	now := b.clock.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + userID}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", userID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply: %T", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		fmt.Sscanf(v, "%g", &tokens)
	}
	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed && b.refill > 0 {
		wait := (1 - tokens) / b.refill
		d.RetryAfter = time.Duration(math.Ceil(wait*1000)) * time.Millisecond
	}
	return d, nil
}

// tokens is returned as a string so fractional values survive the Lua number conversion.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
