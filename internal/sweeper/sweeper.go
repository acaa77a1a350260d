// Package sweeper resumes delivery retries that lost their in-process
// timer.
//
// A delivery chain waiting for a retry exists only as a retrying row
// with a next_retry_at. If the process that scheduled the timer crashed
// or shut down, nothing fires it. The sweeper periodically scans for
// chains whose latest row is retrying and past due, and re-executes the
// next attempt. Idempotency is guaranteed by the executor's attempt
// claim - if another instance already picked the chain up, the duplicate
// insert is rejected and the sweep moves on.
package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/dispatcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/signer"
)

// DueRetry pairs a due retrying row with its webhook.
type DueRetry struct {
	Log     domain.DeliveryLog
	Webhook domain.Webhook
}

// Store defines the interface for fetching due retries.
type Store interface {
	// ListDueRetries returns chains whose LATEST row is retrying with
	// next_retry_at before dueBefore. Chains with a newer row are already
	// claimed and must not be returned.
	ListDueRetries(ctx context.Context, dueBefore time.Time, maxResults int) ([]DueRetry, error)
	CancelDeliveryLog(ctx context.Context, id uuid.UUID) error
}

type Executor interface {
	Execute(ctx context.Context, wh domain.Webhook, ev domain.Event, at dispatcher.Attempt) (domain.DeliveryLog, error)
}

// CronSchedule positions sweep cycles on a cron expression instead of a
// fixed interval.
type CronSchedule interface {
	Next(after time.Time) time.Time
}

// Config holds sweeper configuration.
type Config struct {
	// Interval is how often the sweep runs. Default: 1 minute.
	Interval time.Duration

	// Grace is how far past next_retry_at a row must be before the sweep
	// claims it, leaving the in-process timer room to fire first.
	// Default: 30 seconds.
	Grace time.Duration

	// BatchSize is the maximum number of chains resumed per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Grace:     30 * time.Second,
		BatchSize: 100,
	}
}

// Sweeper scans for overdue retrying rows and resumes their chains.
type Sweeper struct {
	config   Config
	store    Store
	executor Executor
	schedule CronSchedule // optional, nil = fixed interval
	clock    func() time.Time
}

// New creates a new Sweeper.
func New(config Config, store Store, executor Executor) *Sweeper {
	return &Sweeper{
		config:   config,
		store:    store,
		executor: executor,
		clock:    time.Now,
	}
}

// WithSchedule replaces the fixed interval with a cron schedule.
func (s *Sweeper) WithSchedule(sched CronSchedule) *Sweeper {
	s.schedule = sched
	return s
}

// WithClock replaces the time source. Only for tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("sweeper: started (interval=%s, grace=%s, batch=%d)",
		s.config.Interval, s.config.Grace, s.config.BatchSize)

	// Run immediately on startup, then on schedule
	s.RunCycle(ctx)

	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("sweeper: stopped")
			return
		case <-timer.C:
			s.RunCycle(ctx)
		}
	}
}

func (s *Sweeper) untilNext() time.Duration {
	if s.schedule == nil {
		return s.config.Interval
	}
	now := s.clock()
	d := s.schedule.Next(now).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// RunCycle executes one sweep cycle. Exposed for one-shot invocation by
// the standalone sweep worker.
func (s *Sweeper) RunCycle(ctx context.Context) {
	now := s.clock().UTC()
	dueBefore := now.Add(-s.config.Grace)

	due, err := s.store.ListDueRetries(ctx, dueBefore, s.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("sweeper: failed to fetch due retries: %v", err)
		return
	}

	if len(due) == 0 {
		// Nothing to do. Silent success.
		return
	}

	log.Printf("sweeper: found %d overdue delivery chains", len(due))

	resumed := 0
	skipped := 0

	for _, d := range due {
		// Check context before each resume to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("sweeper: cycle interrupted, processed %d/%d chains", resumed+skipped, len(due))
			return
		}

		if s.resume(ctx, d, now) {
			resumed++
		} else {
			skipped++
		}
	}

	log.Printf("sweeper: cycle complete, resumed=%d, skipped=%d", resumed, skipped)
}

// resume executes the next attempt of one overdue chain.
func (s *Sweeper) resume(ctx context.Context, d DueRetry, now time.Time) bool {
	row := d.Log
	wh := d.Webhook

	if !wh.Dispatchable() {
		log.Printf("sweeper: webhook=%s no longer active, cancelling delivery=%s", wh.ID, row.DeliveryID)
		if err := s.store.CancelDeliveryLog(ctx, row.ID); err != nil {
			log.Printf("sweeper: webhook=%s cancel failed: %v", wh.ID, err)
		}
		return false
	}

	payload, err := signer.ParsePayload(row.RequestPayload)
	if err != nil {
		// The recorded body is the only durable copy of the event; an
		// unreadable one cannot be resumed.
		log.Printf("sweeper: delivery=%s recorded payload unreadable, cancelling: %v", row.DeliveryID, err)
		if err := s.store.CancelDeliveryLog(ctx, row.ID); err != nil {
			log.Printf("sweeper: delivery=%s cancel failed: %v", row.DeliveryID, err)
		}
		return false
	}
	ev, err := payload.ToEvent(wh.UserID)
	if err != nil {
		log.Printf("sweeper: delivery=%s event reconstruction failed, cancelling: %v", row.DeliveryID, err)
		if err := s.store.CancelDeliveryLog(ctx, row.ID); err != nil {
			log.Printf("sweeper: delivery=%s cancel failed: %v", row.DeliveryID, err)
		}
		return false
	}

	at := dispatcher.Attempt{DeliveryID: row.DeliveryID}
	if row.ErrorType == domain.ErrorTypeRateLimited {
		// Throttle denials re-run the same attempt number.
		at.Number = row.AttemptNumber
		at.ThrottleSeq = row.ThrottleSeq + 1
	} else {
		at.Number = row.AttemptNumber + 1
	}

	if _, err := s.executor.Execute(ctx, wh, ev, at); err != nil {
		if errors.Is(err, dispatcher.ErrDuplicateAttempt) {
			// Another instance (or a late timer) got there first.
			return false
		}
		log.Printf("sweeper: webhook=%s delivery=%s resume error: %v", wh.ID, row.DeliveryID, err)
		return false
	}

	log.Printf("sweeper: resumed delivery=%s webhook=%s attempt=%d (overdue=%s)",
		row.DeliveryID, wh.ID, at.Number, now.Sub(*row.NextRetryAt).Round(time.Second))
	return true
}
