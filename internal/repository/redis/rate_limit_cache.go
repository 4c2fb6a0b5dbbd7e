package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studio-intake/internal/client"
	"studio-intake/internal/ratelimit"
	"studio-intake/internal/util"
)

// recordScript applies one submission to the JSON entry at KEYS[1].
// ARGV[1] is now and ARGV[2] the window, both in milliseconds. A missing,
// expired or unreadable entry opens a new window. Returns {count, resetTime}.
const recordScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = 0
local reset = now + window

local raw = redis.call('GET', KEYS[1])
if raw then
    local ok, entry = pcall(cjson.decode, raw)
    if ok and type(entry) == 'table' then
        local c = tonumber(entry.count)
        local r = tonumber(entry.resetTime)
        if c and r and c >= 0 and now <= r then
            count = c
            reset = r
        end
    end
end

count = count + 1
local value = string.format('{"count":%d,"resetTime":%d}', count, reset)
redis.call('SET', KEYS[1], value, 'PX', math.max(reset - now, 1))
return {count, reset}
`

// RateLimitCache stores limiter entries in Redis. It implements
// ratelimit.Store and ratelimit.AtomicRecorder so counters are shared by
// every replica and increments are never lost.
type RateLimitCache struct {
	client *client.RedisClient
}

var (
	_ ratelimit.Store          = (*RateLimitCache)(nil)
	_ ratelimit.AtomicRecorder = (*RateLimitCache)(nil)
)

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get rate limit entry: %w", err)
	}
	return val, true, nil
}

func (c *RateLimitCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl); err != nil {
		util.Error("Failed to set rate limit entry",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set rate limit entry: %w", err)
	}
	return nil
}

func (c *RateLimitCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to delete rate limit entry: %w", err)
	}
	return nil
}

// RecordAtomic runs the read-modify-write in a single Lua script.
func (c *RateLimitCache) RecordAtomic(ctx context.Context, key string, now time.Time, window time.Duration) (ratelimit.Entry, error) {
	result, err := c.client.Eval(ctx, recordScript, []string{key}, now.UnixMilli(), window.Milliseconds())
	if err != nil {
		util.Error("Failed to execute rate limit script",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return ratelimit.Entry{}, fmt.Errorf("failed to record submission: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return ratelimit.Entry{}, fmt.Errorf("unexpected result format from rate limit script: %T", result)
	}
	count, ok1 := values[0].(int64)
	reset, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return ratelimit.Entry{}, fmt.Errorf("unexpected result types from rate limit script: %T, %T", values[0], values[1])
	}

	util.Debug("Rate limit entry recorded",
		zap.String("key", key),
		zap.Int64("count", count),
		zap.Int64("reset_time", reset))

	return ratelimit.Entry{Count: int(count), ResetTime: reset}, nil
}
