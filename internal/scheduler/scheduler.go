// Package scheduler fires queued delivery retries at their due time.
//
// It is the fast path: retries scheduled here run in-process without
// polling the database. Durability comes from the retrying rows in the
// delivery log; if the process dies, the sweeper resumes them.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/dispatcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
)

type Store interface {
	GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error)
	// CancelDeliveryLog moves a retrying row to cancelled. Terminal rows
	// are left untouched.
	CancelDeliveryLog(ctx context.Context, id uuid.UUID) error
}

type Executor interface {
	Execute(ctx context.Context, wh domain.Webhook, ev domain.Event, at dispatcher.Attempt) (domain.DeliveryLog, error)
}

// Scheduler holds one timer goroutine per pending retry. Timers that have
// not fired by shutdown are abandoned; their retrying rows stay durable
// and the sweep picks them up.
type Scheduler struct {
	store    Store
	executor Executor
	clock    func() time.Time

	mu  sync.Mutex
	ctx context.Context

	firing sync.WaitGroup
}

func New(store Store, executor Executor) *Scheduler {
	return &Scheduler{
		store:    store,
		executor: executor,
		clock:    time.Now,
		ctx:      context.Background(),
	}
}

// WithClock replaces the time source. Only for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run blocks until ctx is cancelled, then waits for retries that are
// mid-flight. Pending timers are dropped, not waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	log.Println("scheduler: started")
	<-ctx.Done()

	s.firing.Wait()
	log.Println("scheduler: stopped")
	return ctx.Err()
}

func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Schedule queues the task to fire at RunAt. Non-blocking.
func (s *Scheduler) Schedule(t dispatcher.RetryTask) {
	delay := t.RunAt.Sub(s.clock())
	if delay < 0 {
		delay = 0
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		ctx := s.runCtx()
		select {
		case <-ctx.Done():
			// Shutdown: the retrying row survives for the sweep.
			log.Printf("scheduler: webhook=%s delivery=%s retry dropped at shutdown, sweep will resume",
				t.Webhook.ID, t.DeliveryID)
			return
		case <-timer.C:
		}

		s.firing.Add(1)
		defer s.firing.Done()
		s.fire(ctx, t)
	}()
}

// fire re-checks the webhook before dispatching: a webhook paused,
// disabled, or deleted while the timer ran must not receive the retry.
func (s *Scheduler) fire(ctx context.Context, t dispatcher.RetryTask) {
	wh, err := s.store.GetWebhook(ctx, t.Webhook.ID)
	if err != nil {
		// Leave the retrying row alone; the sweep retries the lookup.
		log.Printf("scheduler: webhook=%s refresh failed, deferring to sweep: %v", t.Webhook.ID, err)
		return
	}

	if !wh.Dispatchable() {
		log.Printf("scheduler: webhook=%s no longer active, cancelling delivery=%s", wh.ID, t.DeliveryID)
		if err := s.store.CancelDeliveryLog(ctx, t.LogID); err != nil {
			log.Printf("scheduler: webhook=%s cancel failed: %v", wh.ID, err)
		}
		return
	}

	at := dispatcher.Attempt{
		DeliveryID:  t.DeliveryID,
		Number:      t.AttemptNumber,
		ThrottleSeq: t.ThrottleSeq,
	}
	if _, err := s.executor.Execute(ctx, wh, t.Event, at); err != nil {
		log.Printf("scheduler: webhook=%s delivery=%s retry error: %v", wh.ID, t.DeliveryID, err)
	}
}
