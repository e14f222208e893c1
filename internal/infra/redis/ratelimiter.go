package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/settlement-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultPayoutsPerWindow int64 = 20
	defaultWindow                 = time.Second
	minRetryDelay                 = time.Millisecond
	rateLimitKeyPrefix            = "settlement:ratelimit"
)

// Sliding window log. Returns 0 when the call is admitted, otherwise the
// milliseconds until the oldest admitted call leaves the window.
var reserveScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local delay = tonumber(oldest[2]) + window - now
if delay < 1 then
  delay = 1
end
return delay
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps payout submissions per window across every
// settlement instance sharing the Redis.
type RedisRateLimiter struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, int64(limitPerSec), defaultWindow, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = defaultPayoutsPerWindow
	}
	if window < time.Millisecond {
		window = defaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

// Reserve admits one call for scope if the window has room. Otherwise it
// records nothing and returns how long until a slot frees up.
func (r *RedisRateLimiter) Reserve(ctx context.Context, scope string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return 0, fmt.Errorf("rate limit scope is required")
	}

	delayMs, err := reserveScript.Run(ctx, r.client,
		[]string{rateLimitKey(scope)},
		r.now().UnixMilli(),
		r.window.Milliseconds(),
		r.limit,
		uuid.NewString(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit for %s: %w", scope, err)
	}
	return time.Duration(delayMs) * time.Millisecond, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	delay, err := r.Reserve(ctx, scope)
	if err != nil {
		return false, err
	}
	return delay == 0, nil
}

// Wait blocks until a slot is reserved for scope or ctx ends. It sleeps
// exactly until the next slot frees up rather than polling.
func (r *RedisRateLimiter) Wait(ctx context.Context, scope string) error {
	for {
		delay, err := r.Reserve(ctx, scope)
		if err != nil {
			return err
		}
		if delay == 0 {
			return nil
		}
		if err := r.sleep(ctx, max(delay, minRetryDelay)); err != nil {
			return err
		}
	}
}

func rateLimitKey(scope string) string {
	return rateLimitKeyPrefix + ":" + scope
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
