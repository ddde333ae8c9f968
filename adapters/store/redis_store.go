package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/formguard/core"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and appends atomically.
// KEYS[1] = window key
// ARGV[1] = now (unix ms)
// ARGV[2] = window length (ms)
// ARGV[3] = max admitted requests
// ARGV[4] = unique member for this request
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

if count >= max then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    local retry = 0
    if oldest[2] then
        retry = tonumber(oldest[2]) + window - now
    end
    return {0, count, retry}
end

redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, count + 1, 0}
`)

// RedisRateLimitStore shares sliding windows between processes through Redis
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateLimitStore creates a new Redis-backed window store
func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		prefix: "formguard:ratelimit:",
	}
}

// Allow runs the sliding window script for key
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, limit core.RateLimit, now time.Time) (core.RateDecision, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.New().String()

	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		now.UnixMilli(), limit.Window.Milliseconds(), limit.Max, member,
	).Result()
	if err != nil {
		return core.RateDecision{}, fmt.Errorf("%w: %v", core.ErrStoreOperationFailed, err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return core.RateDecision{}, fmt.Errorf("%w: unexpected script reply", core.ErrStoreOperationFailed)
	}

	allowed, _ := results[0].(int64)
	count, _ := results[1].(int64)
	retryMs, _ := results[2].(int64)

	decision := core.RateDecision{
		Allowed: allowed == 1,
		Count:   int(count),
	}
	if decision.Allowed {
		decision.Remaining = limit.Max - int(count)
	} else {
		decision.RetryAfter = time.Duration(retryMs) * time.Millisecond
	}
	return decision, nil
}

// RedisTokenLedger records consumed tokens in Redis with a TTL
type RedisTokenLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenLedger creates a new Redis ledger
func NewRedisTokenLedger(client redis.UniversalClient) *RedisTokenLedger {
	return &RedisTokenLedger{
		client: client,
		prefix: "formguard:consumed:",
	}
}

// Consume marks a token as used; SETNX makes the check-and-set atomic
func (l *RedisTokenLedger) Consume(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	first, err := l.client.SetNX(ctx, l.prefix+tokenID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume token: %w", err)
	}
	return first, nil
}
