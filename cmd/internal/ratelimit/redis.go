package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter on a shared Redis instance using the
// INCR-with-expiry fixed-window scheme. Window boundaries are set by the
// first hit, so a burst straddling two windows can see up to 2x the limit;
// acceptable for login/refresh throttles.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps an already-connected client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	const op = "ratelimit.redis.allow"

	if key == "" || limit <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the window anchored at the first hit instead of sliding.
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("%s: %w", op, err)
	}

	n := incr.Val()
	if n <= int64(limit) {
		return Decision{Allowed: true}, nil
	}

	retry := window
	if ttl, err := l.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		retry = ttl
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
