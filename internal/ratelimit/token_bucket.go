package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Every dispatcher instance sharing a key draws from the same bucket.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Take consumes up to n whole tokens for key and returns how many were granted.
func (b *TokenBucket) Take(ctx context.Context, key string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds(), n).Result()
	if err != nil {
		return 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	granted, ok := arr[0].(int64)
	if !ok {
		return 0, fmt.Errorf("token bucket %s: unexpected grant %v", key, arr[0])
	}
	return int(granted), nil
}

// Allow consumes a single token for key.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	granted, err := b.Take(ctx, key, 1)
	return granted == 1, err
}

// Return puts n unused tokens back, never above capacity.
func (b *TokenBucket) Return(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	if err := returnScript.Run(ctx, b.client, []string{key}, b.capacity, n).Err(); err != nil {
		return fmt.Errorf("token bucket %s: return: %w", key, err)
	}
	return nil
}

var returnScript = redis.NewScript(`
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
if tokens == nil then return 0 end
tokens = math.min(tonumber(ARGV[1]), tokens + tonumber(ARGV[2]))
redis.call('HSET', KEYS[1], 'tokens', tokens)
return 1
`)

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local want = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local granted = math.min(want, math.floor(tokens))
if granted < 0 then granted = 0 end
tokens = tokens - granted

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {granted, math.floor(tokens)}
`)
