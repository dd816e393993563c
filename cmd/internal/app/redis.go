package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 3 * time.Second

// NewRedisClient parses RIPPLE_REDIS_URL and validates connectivity at
// startup. The client backs the shared auth throttles.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("app: invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := PingRedis(ctx, client, redisPingTimeout); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: redis ping: %w", err)
	}
	return client, nil
}

// PingRedis checks client health within timeout. Also used by /readyz.
func PingRedis(parent context.Context, client *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return client.Ping(ctx).Err()
}
