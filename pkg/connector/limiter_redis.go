package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter enforces rate limits in Redis fixed windows, so concurrent
// runs on different hosts share one politeness budget per source. Unlike the
// local limiter it never blocks: an exhausted window fails fast with
// ErrRateLimited and the adapter's retry backoff provides the pacing.
//
// Redis outages fail open with a warning; rate limits protect remote APIs,
// they are not a correctness boundary.
type RedisLimiter struct {
	client *redis.Client
	specs  SpecLookup
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisLimiter builds a limiter over an existing client.
func NewRedisLimiter(client *redis.Client, specs SpecLookup, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, specs: specs, logger: logger, now: time.Now}
}

// Acquire consumes one slot in the minute and hour windows for source.
func (l *RedisLimiter) Acquire(ctx context.Context, source string) error {
	spec, ok := l.specs(source)
	if !ok {
		return nil
	}

	now := l.now().UTC()
	if pm := spec.RateLimit.PerMinute; pm > 0 {
		key := fmt.Sprintf("facet:ratelimit:%s:m:%s", source, now.Format("200601021504"))
		if err := l.take(ctx, key, pm, 2*time.Minute); err != nil {
			return err
		}
	}
	if ph := spec.RateLimit.PerHour; ph > 0 {
		key := fmt.Sprintf("facet:ratelimit:%s:h:%s", source, now.Format("2006010215"))
		if err := l.take(ctx, key, ph, 2*time.Hour); err != nil {
			return err
		}
	}
	return nil
}

func (l *RedisLimiter) take(ctx context.Context, key string, limit int, ttl time.Duration) error {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("redis rate limiter unavailable, failing open", "key", key, "error", err)
		return nil
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, ttl).Err(); err != nil && ctx.Err() == nil {
			l.logger.Warn("redis rate limiter expire failed", "key", key, "error", err)
		}
	}
	if count > int64(limit) {
		return ErrRateLimited
	}
	return nil
}
