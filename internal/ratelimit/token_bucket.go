package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrWaitExceeded is returned by Wait when a token would not be available
// within the bucket's wait limit.
var ErrWaitExceeded = errors.New("rate limit wait exceeded")

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Every worker process calling the legacy system shares the same bucket.
type TokenBucket struct {
	client    redis.Cmdable
	capacity  int
	refill    float64 // tokens per second
	ttl       time.Duration
	waitLimit time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option customises a TokenBucket.
type Option func(*TokenBucket)

// WithClock overrides the wall clock fed to the bucket script.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// WithWaitLimit caps how long Wait blocks before giving up.
func WithWaitLimit(d time.Duration) Option {
	return func(b *TokenBucket) { b.waitLimit = d }
}

// WithSleeper replaces the blocking sleep used by Wait.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *TokenBucket) { b.sleep = sleep }
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Cmdable, capacity int, refillPerSecond float64, ttl time.Duration, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:    client,
		capacity:  capacity,
		refill:    refillPerSecond,
		ttl:       ttl,
		waitLimit: 30 * time.Second,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket script result: %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Wait blocks until a token for key is consumed, the context ends, or the
// wait limit is reached.
func (b *TokenBucket) Wait(ctx context.Context, key string) error {
	deadline := b.now().Add(b.waitLimit)
	for {
		allowed, tokens, err := b.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		delay := b.nextTokenIn(tokens)
		if b.now().Add(delay).After(deadline) {
			return fmt.Errorf("%w for %s", ErrWaitExceeded, key)
		}
		if err := b.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (b *TokenBucket) nextTokenIn(tokens float64) time.Duration {
	if b.refill <= 0 {
		return b.waitLimit + time.Millisecond
	}
	missing := 1 - tokens
	if missing < 0 {
		missing = 0
	}
	d := time.Duration(missing / b.refill * float64(time.Second))
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Redis truncates Lua numbers to integers on return, so tokens comes back as a
// string to keep the fractional part.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
