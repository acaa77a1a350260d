package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/circuitbreaker"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/ratelimit"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/signer"
)

// DefaultTimeout bounds a single HTTP attempt when no override is configured.
const DefaultTimeout = 30 * time.Second

// ErrDuplicateAttempt is returned by the store when an attempt row with the
// same (delivery_id, attempt_number, throttle_seq) already exists. It is the
// claim mechanism that keeps the in-process timer and the sweeper from
// executing the same retry twice.
var ErrDuplicateAttempt = errors.New("delivery attempt already recorded")

// ErrStatusTransitionDenied is returned when a delivery log update would
// leave a terminal state (success/failed/cancelled).
var ErrStatusTransitionDenied = errors.New("status transition denied: delivery log already in terminal state")

// Store is the persistence contract for delivery execution.
type Store interface {
	GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error)
	// InsertDeliveryLog creates the pending attempt row. Implementations
	// MUST reject duplicate (delivery_id, attempt_number, throttle_seq)
	// with ErrDuplicateAttempt.
	InsertDeliveryLog(ctx context.Context, l domain.DeliveryLog) error
	// CompleteDeliveryLog records the attempt outcome. Implementations MUST
	// reject transitions away from terminal states and return
	// ErrStatusTransitionDenied.
	CompleteDeliveryLog(ctx context.Context, l domain.DeliveryLog) error
	UpdateWebhookDeliveryState(ctx context.Context, webhookID uuid.UUID, lastStatus string, successAt *time.Time) error
	// GetLatestSessionLog returns the newest attempt row for a session,
	// optionally restricted to one webhook and/or one event kind.
	GetLatestSessionLog(ctx context.Context, sessionID uuid.UUID, webhookID *uuid.UUID, kind *domain.EventKind) (domain.DeliveryLog, error)
}

// RetryScheduler re-invokes the executor at or after RunAt.
type RetryScheduler interface {
	Schedule(t RetryTask)
}

// RetryTask describes the attempt to execute when its timer fires.
type RetryTask struct {
	Webhook    domain.Webhook
	Event      domain.Event
	DeliveryID uuid.UUID
	// LogID is the retrying row that scheduled this task; cancelled in
	// place if the webhook is no longer active when the timer fires.
	LogID         uuid.UUID
	AttemptNumber int
	ThrottleSeq   int
	RunAt         time.Time
}

// Attempt is the chain position of a single Execute call.
type Attempt struct {
	DeliveryID  uuid.UUID
	Number      int
	ThrottleSeq int
	// Test deliveries never retry and carry no session.
	Test bool
}

// MetricsSink records executor metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryScheduled(reason string)
	RateLimitDenied()
	EventsInFlightIncr()
	EventsInFlightDecr()
	WebhooksMatched(count int)
}

// StatsSink records per-webhook outcome counters for the dashboard.
type StatsSink interface {
	Record(ctx context.Context, webhookID uuid.UUID, outcome string) error
}

// Executor runs the per-attempt state machine:
// pending -> success | failed | retrying.
type Executor struct {
	store   Store
	limiter ratelimit.Limiter
	sender  Sender
	retries RetryScheduler               // optional, nil = sweep-only recovery
	breaker *circuitbreaker.Breaker      // optional, nil = disabled
	metrics MetricsSink                  // optional, nil = disabled
	stats   StatsSink                    // optional, nil = disabled
	timeout time.Duration
	clock   func() time.Time
}

func NewExecutor(store Store, limiter ratelimit.Limiter, sender Sender) *Executor {
	return &Executor{
		store:   store,
		limiter: limiter,
		sender:  sender,
		timeout: DefaultTimeout,
		clock:   time.Now,
	}
}

// WithRetryScheduler attaches the in-process retry scheduler. Without one,
// retryable rows are only picked up by the sweep.
func (e *Executor) WithRetryScheduler(s RetryScheduler) *Executor {
	e.retries = s
	return e
}

// WithBreaker attaches a per-endpoint circuit breaker.
func (e *Executor) WithBreaker(b *circuitbreaker.Breaker) *Executor {
	e.breaker = b
	return e
}

// WithMetrics attaches a metrics sink.
func (e *Executor) WithMetrics(sink MetricsSink) *Executor {
	e.metrics = sink
	return e
}

// WithStats attaches a delivery stats sink.
func (e *Executor) WithStats(sink StatsSink) *Executor {
	e.stats = sink
	return e
}

// WithTimeout overrides the per-attempt HTTP timeout.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	if d > 0 {
		e.timeout = d
	}
	return e
}

// WithClock replaces the time source. Only for tests.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Execute performs exactly one dispatch attempt and persists exactly one
// DeliveryLog row. Delivery failures are encoded in the returned log; the
// error return is reserved for persistence problems.
func (e *Executor) Execute(ctx context.Context, wh domain.Webhook, ev domain.Event, at Attempt) (domain.DeliveryLog, error) {
	now := e.clock().UTC()

	row := domain.DeliveryLog{
		ID:            uuid.New(),
		DeliveryID:    at.DeliveryID,
		WebhookID:     wh.ID,
		EventKind:     ev.Kind,
		AttemptNumber: at.Number,
		ThrottleSeq:   at.ThrottleSeq,
		Status:        domain.DeliveryStatusPending,
		StartedAt:     now,
	}
	if ev.SessionID != uuid.Nil {
		sid := ev.SessionID
		row.SessionID = &sid
	}

	req, buildErr := signer.BuildRequest(wh, ev, at.DeliveryID, at.Number, now)
	if buildErr == nil {
		row.RequestPayload = req.Body
		row.RequestHeaders = flattenHeaders(req.Headers)
	}

	if err := e.store.InsertDeliveryLog(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateAttempt) {
			// Another path (timer vs sweep, or a second instance) already
			// claimed this attempt. Nothing to do.
			log.Printf("dispatcher: webhook=%s delivery=%s attempt=%d already claimed, skipping",
				wh.ID, at.DeliveryID, at.Number)
			return domain.DeliveryLog{}, err
		}
		return domain.DeliveryLog{}, fmt.Errorf("insert delivery log: %w", err)
	}

	if buildErr != nil {
		// Auth material cannot be built from the webhook config; retrying
		// cannot fix that, so the chain terminates immediately.
		row.Status = domain.DeliveryStatusFailed
		row.ErrorType = domain.ErrorTypeAuth
		row.ErrorMessage = buildErr.Error()
		return e.finish(ctx, wh, at, row, now)
	}

	decision, err := e.limiter.TryAcquire(ctx, wh.ID, wh.RateLimitPerMinute)
	if err != nil {
		// Limiter backend failure: fail open rather than drop deliveries.
		log.Printf("dispatcher: webhook=%s rate limiter error, failing open: %v", wh.ID, err)
		decision = ratelimit.Decision{Allowed: true}
	}

	if !decision.Allowed {
		if e.metrics != nil {
			e.metrics.RateLimitDenied()
		}
		row.ErrorType = domain.ErrorTypeRateLimited
		row.ErrorMessage = fmt.Sprintf("rate limit of %d/min exceeded", wh.RateLimitPerMinute)

		if at.Test {
			// A test delivery is a one-shot probe. It must not be re-fired
			// later, and a retrying row would invite the sweep to do exactly
			// that, so the denial is terminal.
			row.Status = domain.DeliveryStatusFailed
			return e.finish(ctx, wh, at, row, now)
		}

		nextAt := now.Add(decision.RetryAfter)
		row.Status = domain.DeliveryStatusRetrying
		row.WillRetry = true
		row.NextRetryAt = &nextAt

		done, err := e.finish(ctx, wh, at, row, now)
		if err != nil {
			return done, err
		}
		// Throttling re-runs the SAME attempt number and never consumes
		// the retry budget; ThrottleSeq keeps the rows distinct.
		e.schedule(RetryTask{
			Webhook:       wh,
			Event:         ev,
			DeliveryID:    at.DeliveryID,
			LogID:         row.ID,
			AttemptNumber: at.Number,
			ThrottleSeq:   at.ThrottleSeq + 1,
			RunAt:         nextAt,
		}, "rate_limited")
		return done, nil
	}

	result := e.send(ctx, wh, req)

	row.CompletedAt = ptrTime(e.clock().UTC())
	row.DurationMs = result.Duration.Milliseconds()

	if e.metrics != nil {
		e.metrics.DeliveryAttemptCompleted(at.Number, classifyStatusClass(result.StatusCode, result.Error), result.Duration)
	}

	if result.Error == nil {
		row.ResponseCode = result.StatusCode
		row.ResponseBody = string(result.Body)
		row.ResponseHeaders = flattenHeaders(result.Headers)
	}

	if result.Success() {
		row.Status = domain.DeliveryStatusSuccess
		return e.finish(ctx, wh, at, row, now)
	}

	if result.Error != nil {
		row.ErrorType = classifyError(result.Error)
		row.ErrorMessage = result.Error.Error()
	} else {
		row.ErrorType = domain.ErrorTypeNon2xx
		row.ErrorMessage = fmt.Sprintf("endpoint returned %d", result.StatusCode)
	}

	// All failure modes retry uniformly until the budget is exhausted;
	// 4xx and 5xx are not distinguished.
	if !at.Test && at.Number < wh.RetryPolicy.MaxRetries+1 {
		nextAt := now.Add(wh.RetryPolicy.Delay(at.Number))
		row.Status = domain.DeliveryStatusRetrying
		row.WillRetry = true
		row.NextRetryAt = &nextAt

		done, err := e.finish(ctx, wh, at, row, now)
		if err != nil {
			return done, err
		}
		e.schedule(RetryTask{
			Webhook:       wh,
			Event:         ev,
			DeliveryID:    at.DeliveryID,
			LogID:         row.ID,
			AttemptNumber: at.Number + 1,
			RunAt:         nextAt,
		}, "failure")
		return done, nil
	}

	row.Status = domain.DeliveryStatusFailed
	return e.finish(ctx, wh, at, row, now)
}

// send runs the HTTP call behind the optional circuit breaker.
func (e *Executor) send(ctx context.Context, wh domain.Webhook, req signer.SignedRequest) Result {
	if e.breaker != nil {
		if err := e.breaker.Allow(wh.URL); err != nil {
			return Result{Error: fmt.Errorf("endpoint %s: %w", wh.URL, err)}
		}
	}

	result := e.sender.Send(ctx, req, e.timeout)

	if e.breaker != nil {
		if result.Success() {
			e.breaker.RecordSuccess(wh.URL)
		} else {
			e.breaker.RecordFailure(wh.URL)
		}
	}
	return result
}

// finish persists the attempt outcome and applies terminal side effects.
func (e *Executor) finish(ctx context.Context, wh domain.Webhook, at Attempt, row domain.DeliveryLog, startedAt time.Time) (domain.DeliveryLog, error) {
	if row.CompletedAt == nil {
		row.CompletedAt = ptrTime(e.clock().UTC())
	}

	if err := e.store.CompleteDeliveryLog(ctx, row); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			log.Printf("dispatcher: webhook=%s delivery=%s attempt=%d already terminal, skipping outcome update",
				wh.ID, row.DeliveryID, row.AttemptNumber)
			return row, nil
		}
		return row, fmt.Errorf("complete delivery log: %w", err)
	}

	switch row.Status {
	case domain.DeliveryStatusSuccess:
		log.Printf("dispatcher: webhook=%s delivery=%s delivered attempt=%d status=%d",
			wh.ID, row.DeliveryID, row.AttemptNumber, row.ResponseCode)
		e.recordOutcome(ctx, wh, at, "success", row.CompletedAt)
	case domain.DeliveryStatusFailed:
		log.Printf("dispatcher: webhook=%s delivery=%s failed attempt=%d type=%s err=%s",
			wh.ID, row.DeliveryID, row.AttemptNumber, row.ErrorType, row.ErrorMessage)
		e.recordOutcome(ctx, wh, at, "failed", nil)
	default:
		log.Printf("dispatcher: webhook=%s delivery=%s attempt=%d retrying type=%s next=%s",
			wh.ID, row.DeliveryID, row.AttemptNumber, row.ErrorType, row.NextRetryAt.Format(time.RFC3339))
	}

	return row, nil
}

// recordOutcome updates the webhook's last-delivery state and emits
// terminal metrics/stats. Intermediate retries never touch webhook state.
func (e *Executor) recordOutcome(ctx context.Context, wh domain.Webhook, at Attempt, outcome string, successAt *time.Time) {
	if e.metrics != nil {
		e.metrics.DeliveryOutcome(outcome)
	}
	if e.stats != nil {
		if err := e.stats.Record(ctx, wh.ID, outcome); err != nil {
			log.Printf("dispatcher: webhook=%s stats record failed: %v", wh.ID, err)
		}
	}
	if err := e.store.UpdateWebhookDeliveryState(ctx, wh.ID, outcome, successAt); err != nil {
		log.Printf("dispatcher: webhook=%s failed to update delivery state: %v", wh.ID, err)
	}
}

func (e *Executor) schedule(t RetryTask, reason string) {
	if e.metrics != nil {
		e.metrics.RetryScheduled(reason)
	}
	if e.retries == nil {
		// No in-process scheduler: the retrying row is durable and the
		// sweep resumes it.
		log.Printf("dispatcher: webhook=%s delivery=%s retry left for sweep (run_at=%s)",
			t.Webhook.ID, t.DeliveryID, t.RunAt.Format(time.RFC3339))
		return
	}
	e.retries.Schedule(t)
}

// classifyError maps a transport error to the delivery log error taxonomy.
func classifyError(err error) domain.ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorTypeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.ErrorTypeTimeout
	}
	return domain.ErrorTypeNetwork
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
