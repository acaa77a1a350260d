// Package stats keeps per-webhook delivery outcome counters in Redis for
// dashboard consumption. Counters are best-effort: losing them never
// affects delivery correctness.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRetention is how long daily outcome buckets are kept.
const DefaultRetention = 30 * 24 * time.Hour

type RedisStats struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
}

func NewRedisStats(client *redis.Client) *RedisStats {
	return &RedisStats{
		client:    client,
		retention: DefaultRetention,
		clock:     time.Now,
	}
}

// WithRetention overrides how long outcome buckets live.
func (s *RedisStats) WithRetention(d time.Duration) *RedisStats {
	if d > 0 {
		s.retention = d
	}
	return s
}

// WithClock replaces the time source. Only for tests.
func (s *RedisStats) WithClock(clock func() time.Time) *RedisStats {
	s.clock = clock
	return s
}

// Record increments the webhook's daily counter for a terminal outcome
// ("success" or "failed").
func (s *RedisStats) Record(ctx context.Context, webhookID uuid.UUID, outcome string) error {
	key := buildKey(webhookID, outcome, s.clock())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func buildKey(webhookID uuid.UUID, outcome string, t time.Time) string {
	return fmt.Sprintf("wh:%s:%s:%s", webhookID, outcome, t.UTC().Format("20060102"))
}
