// Package dispatcher delivers domain events to subscribed webhook
// endpoints and records every attempt in the delivery log.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/matcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/signer"
)

// DrainTimeout is the maximum time to wait for buffered events during shutdown.
const DrainTimeout = 30 * time.Second

// ErrWebhookDeleted is returned by TestDelivery and Resend when the target
// webhook has been soft-deleted.
var ErrWebhookDeleted = errors.New("webhook is deleted")

// Dispatcher fans domain events out to their matched webhooks. Each
// matched webhook gets an independent delivery chain; one endpoint's
// failures never affect another's.
type Dispatcher struct {
	store        Store
	matcher      *matcher.Matcher
	executor     *Executor
	metrics      MetricsSink // optional, nil = disabled
	drainTimeout time.Duration

	inflight sync.WaitGroup
}

func New(store Store, m *matcher.Matcher, executor *Executor) *Dispatcher {
	return &Dispatcher{
		store:        store,
		matcher:      m,
		executor:     executor,
		drainTimeout: DrainTimeout,
	}
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithDrainTimeout overrides the shutdown drain timeout.
func (d *Dispatcher) WithDrainTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.drainTimeout = timeout
	}
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case ev := <-ch:
			if err := d.Dispatch(ctx, ev); err != nil {
				log.Printf("dispatcher: error: %v", err)
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown
// signal. Uses a background context since the main context is already
// cancelled.
func (d *Dispatcher) drain(ch <-chan domain.Event) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("dispatcher: drain timeout, processed %d events", count)
			}
			return
		case ev, ok := <-ch:
			if !ok {
				log.Printf("dispatcher: drain complete, processed %d events", count)
				return
			}
			if err := d.Dispatch(drainCtx, ev); err != nil {
				log.Printf("dispatcher: drain error: %v", err)
			}
			count++
		default:
			// No more buffered events
			if count > 0 {
				log.Printf("dispatcher: drain complete, processed %d events", count)
			}
			return
		}
	}
}

// Dispatch matches the event against the registry and starts a fresh
// delivery chain (attempt 1) for every matched webhook. Chains for one
// event run concurrently; Dispatch returns once every first attempt has
// completed (later retries run on the scheduler's goroutines).
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	matched, err := d.matcher.Match(ctx, ev)
	if err != nil {
		return fmt.Errorf("match event: %w", err)
	}

	if d.metrics != nil {
		d.metrics.WebhooksMatched(len(matched))
	}
	if len(matched) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, wh := range matched {
		wg.Add(1)
		d.inflight.Add(1)
		go func(wh domain.Webhook) {
			defer wg.Done()
			defer d.inflight.Done()

			at := Attempt{DeliveryID: uuid.New(), Number: 1}
			if _, err := d.executor.Execute(ctx, wh, ev, at); err != nil && !errors.Is(err, ErrDuplicateAttempt) {
				log.Printf("dispatcher: webhook=%s event=%s delivery error: %v", wh.ID, ev.Kind, err)
			}
		}(wh)
	}
	wg.Wait()
	return nil
}

// TestDelivery sends a synthetic webhook.test event through the full
// delivery path. The attempt is logged like any other but never retried,
// and paused webhooks may be tested.
func (d *Dispatcher) TestDelivery(ctx context.Context, webhookID uuid.UUID) (domain.DeliveryLog, error) {
	wh, err := d.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return domain.DeliveryLog{}, fmt.Errorf("get webhook: %w", err)
	}
	if wh.Status == domain.WebhookStatusDeleted {
		return domain.DeliveryLog{}, ErrWebhookDeleted
	}

	ev := domain.Event{
		Kind:       domain.EventTest,
		UserID:     wh.UserID,
		OccurredAt: time.Now().UTC(),
		Data: map[string]any{
			"message": "This is a test delivery from AgentForms.",
		},
	}
	if wh.AgentID != nil {
		ev.AgentID = *wh.AgentID
	}

	at := Attempt{DeliveryID: uuid.New(), Number: 1, Test: true}
	return d.executor.Execute(ctx, wh, ev, at)
}

// Resend re-delivers a session's event. With a webhook ID, the latest
// attempt for that (session, webhook) pair is replayed to that webhook
// only; without one, the session's completion event is re-matched
// against the current registry and re-delivered to every matching
// webhook. Either way a fresh delivery chain starts at attempt 1 with a
// full retry budget; the original chain's rows are untouched.
func (d *Dispatcher) Resend(ctx context.Context, sessionID uuid.UUID, webhookID *uuid.UUID) ([]domain.DeliveryLog, error) {
	var kind *domain.EventKind
	if webhookID == nil {
		// A broadcast resend replays the completion event specifically; a
		// session_updated row logged afterwards must not hijack the replay.
		k := domain.EventSessionCompleted
		kind = &k
	}
	latest, err := d.store.GetLatestSessionLog(ctx, sessionID, webhookID, kind)
	if err != nil {
		return nil, fmt.Errorf("get latest session log: %w", err)
	}

	origin, err := d.store.GetWebhook(ctx, latest.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}

	payload, err := signer.ParsePayload(latest.RequestPayload)
	if err != nil {
		return nil, fmt.Errorf("parse recorded payload: %w", err)
	}
	ev, err := payload.ToEvent(origin.UserID)
	if err != nil {
		return nil, fmt.Errorf("reconstruct event: %w", err)
	}

	if webhookID != nil {
		if origin.Status == domain.WebhookStatusDeleted {
			return nil, ErrWebhookDeleted
		}
		row, err := d.executor.Execute(ctx, origin, ev, Attempt{DeliveryID: uuid.New(), Number: 1})
		if err != nil {
			return nil, err
		}
		return []domain.DeliveryLog{row}, nil
	}

	matched, err := d.matcher.Match(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("match event: %w", err)
	}

	rows := make([]domain.DeliveryLog, 0, len(matched))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, wh := range matched {
		wg.Add(1)
		go func(wh domain.Webhook) {
			defer wg.Done()
			row, err := d.executor.Execute(ctx, wh, ev, Attempt{DeliveryID: uuid.New(), Number: 1})
			if err != nil {
				log.Printf("dispatcher: webhook=%s resend error: %v", wh.ID, err)
				return
			}
			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
		}(wh)
	}
	wg.Wait()
	return rows, nil
}

// Wait blocks until all in-flight delivery chains started by Dispatch
// have finished. Called during shutdown after the event loop stops.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// classifyStatusClass maps an HTTP status code and error to a metrics
// status class with bounded cardinality: 2xx, 4xx, 5xx, timeout,
// connection_error, other_error.
func classifyStatusClass(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") ||
			strings.Contains(msg, "dial") {
			return "connection_error"
		}
		return "other_error"
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "other_error"
	}
}
