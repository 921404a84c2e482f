// Package poison tracks broker redelivery counts in Redis. AMQP exposes
// only a boolean redelivered flag per delivery, so the "dead-letter after N
// redeliveries" cutoff needs a counter that survives across deliveries of
// the same message.
package poison

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/purpleops/checking-engine/internal/config"
)

// Counts expire after this window; a message that has not been redelivered
// for a day is no longer the same incident.
const counterTTL = 24 * time.Hour

// Counter implements mq.RedeliveryCounter on Redis.
type Counter struct {
	rdb *redis.Client
}

// NewCounter connects to Redis and verifies connectivity.
func NewCounter(cfg config.RedisConfig) (*Counter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}

	slog.Info("Redis connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Counter{rdb: rdb}, nil
}

// Bump increments and returns the redelivery count for key. Errors are
// returned to the caller, which fails open (processes the message normally).
func (c *Counter) Bump(ctx context.Context, key string) (int, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, "poison:"+key)
	pipe.Expire(ctx, "poison:"+key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("bump redelivery count: %w", err)
	}
	return int(incr.Val()), nil
}

// Ping reports Redis reachability; used by /healthz.
func (c *Counter) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (c *Counter) Close() error {
	return c.rdb.Close()
}
