// Package ratelimit throttles producers with a token bucket per queue kept
// in Redis, so every API replica draws from the same buckets.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:enqueue:"

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
// A non-positive capacity disables limiting.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the time source used for refills.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow takes n tokens from the bucket of queue. It reports whether they were
// granted and how many tokens remain.
func (b *TokenBucket) Allow(ctx context.Context, queue string, n int) (bool, float64, error) {
	if b.capacity <= 0 {
		return true, 0, nil
	}
	if n <= 0 {
		n = 1
	}
	res, err := bucketScript.Run(ctx, b.client, []string{keyPrefix + queue},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(), n).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %q: %w", queue, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %q: unexpected reply %v", queue, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	if s, ok := arr[1].(string); ok {
		tokens, _ = strconv.ParseFloat(s, 64)
	}
	return allowed == 1, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
