// Package ratelimit enforces per-webhook dispatch rate limits over a
// rolling 60-second window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Window is the rolling interval rate_limit_per_minute applies to.
const Window = time.Minute

// Decision is the outcome of a limiter check. RetryAfter is set when the
// dispatch is denied and suggests when capacity frees up. Denials are
// throttling, not delivery failures: they never consume the retry budget.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter gates dispatch attempts per webhook. Implementations must be
// safe for concurrent use: simultaneous dispatches of the same webhook
// must not double-count.
type Limiter interface {
	TryAcquire(ctx context.Context, webhookID uuid.UUID, perMinute int) (Decision, error)
}

// MemoryLimiter implements a sliding window by tracking the timestamps of
// allowed dispatches per webhook. Suitable for single-instance deployments;
// use the Redis limiter when several instances dispatch the same webhooks.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[uuid.UUID][]time.Time
	clock   func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[uuid.UUID][]time.Time),
		clock:   time.Now,
	}
}

// WithClock replaces the time source. Only for tests.
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

func (l *MemoryLimiter) TryAcquire(ctx context.Context, webhookID uuid.UUID, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		// Misconfigured webhooks never pass validation; treat defensively
		// as unlimited rather than silently dropping deliveries.
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	cutoff := now.Add(-Window)

	stamps := l.windows[webhookID]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= perMinute {
		l.windows[webhookID] = kept
		// Capacity frees when the oldest stamp leaves the window.
		retryAfter := kept[0].Add(Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	l.windows[webhookID] = append(kept, now)
	return Decision{Allowed: true}, nil
}

// Purge drops window state for webhooks with no dispatch inside the last
// window. Called periodically so deleted webhooks do not pin memory.
func (l *MemoryLimiter) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock().Add(-Window)
	for id, stamps := range l.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.windows, id)
		}
	}
}
