package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts dispatches in fixed one-minute buckets shared by all
// instances. The fixed bucket is a slightly coarser approximation of the
// rolling window than MemoryLimiter, in exchange for multi-instance
// correctness via Redis atomic increments.
type RedisLimiter struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, clock: time.Now}
}

// WithClock replaces the time source. Only for tests.
func (l *RedisLimiter) WithClock(clock func() time.Time) *RedisLimiter {
	l.clock = clock
	return l
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, webhookID uuid.UUID, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.clock().UTC()
	key := bucketKey(webhookID, now)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	// Keep the bucket past its minute so late stragglers still count.
	pipe.Expire(ctx, key, 2*Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis pipeline: %w", err)
	}

	if incr.Val() > int64(perMinute) {
		// Capacity frees at the next bucket boundary.
		next := now.Truncate(Window).Add(Window)
		return Decision{Allowed: false, RetryAfter: next.Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}

func bucketKey(webhookID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("rl:wh:%s:%s", webhookID, t.Format("200601021504"))
}
