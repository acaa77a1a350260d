package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/matcher"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/ratelimit"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/signer"
	"github.com/guilhermetechmakers/agentforms-webhooks/internal/testutil"
)

type attemptKey struct {
	delivery uuid.UUID
	number   int
	throttle int
}

type mockStore struct {
	mu         sync.Mutex
	webhooks   map[uuid.UUID]domain.Webhook
	logs       []domain.DeliveryLog
	claimed    map[attemptKey]bool
	lastStatus map[uuid.UUID]string
	successAt  map[uuid.UUID]*time.Time
}

func newMockStore(webhooks ...domain.Webhook) *mockStore {
	s := &mockStore{
		webhooks:   make(map[uuid.UUID]domain.Webhook),
		claimed:    make(map[attemptKey]bool),
		lastStatus: make(map[uuid.UUID]string),
		successAt:  make(map[uuid.UUID]*time.Time),
	}
	for _, w := range webhooks {
		s.webhooks[w.ID] = w
	}
	return s
}

func (s *mockStore) GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return domain.Webhook{}, fmt.Errorf("webhook %s not found", id)
	}
	return w, nil
}

func (s *mockStore) InsertDeliveryLog(ctx context.Context, l domain.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey{l.DeliveryID, l.AttemptNumber, l.ThrottleSeq}
	if s.claimed[key] {
		return ErrDuplicateAttempt
	}
	s.claimed[key] = true
	s.logs = append(s.logs, l)
	return nil
}

func (s *mockStore) CompleteDeliveryLog(ctx context.Context, l domain.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.logs {
		if existing.ID == l.ID {
			if existing.Status.Terminal() {
				return ErrStatusTransitionDenied
			}
			s.logs[i] = l
			return nil
		}
	}
	return fmt.Errorf("delivery log %s not found", l.ID)
}

func (s *mockStore) UpdateWebhookDeliveryState(ctx context.Context, webhookID uuid.UUID, lastStatus string, successAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus[webhookID] = lastStatus
	if successAt != nil {
		s.successAt[webhookID] = successAt
	}
	return nil
}

func (s *mockStore) GetLatestSessionLog(ctx context.Context, sessionID uuid.UUID, webhookID *uuid.UUID, kind *domain.EventKind) (domain.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.DeliveryLog
	for i := range s.logs {
		l := s.logs[i]
		if l.SessionID == nil || *l.SessionID != sessionID {
			continue
		}
		if webhookID != nil && l.WebhookID != *webhookID {
			continue
		}
		if kind != nil && l.EventKind != *kind {
			continue
		}
		if latest == nil || l.StartedAt.After(latest.StartedAt) {
			latest = &s.logs[i]
		}
	}
	if latest == nil {
		return domain.DeliveryLog{}, fmt.Errorf("no delivery logs for session %s", sessionID)
	}
	return *latest, nil
}

func (s *mockStore) snapshot() []domain.DeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// mockSender replays a queue of results and records each request.
type mockSender struct {
	mu       sync.Mutex
	results  []Result
	requests []signer.SignedRequest
}

func (m *mockSender) Send(ctx context.Context, req signer.SignedRequest, timeout time.Duration) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.results) == 0 {
		return Result{StatusCode: 200}
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r
}

func (m *mockSender) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type mockScheduler struct {
	mu    sync.Mutex
	tasks []RetryTask
}

func (m *mockScheduler) Schedule(t RetryTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
}

func (m *mockScheduler) pop() (RetryTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return RetryTask{}, false
	}
	t := m.tasks[0]
	m.tasks = m.tasks[1:]
	return t, true
}

func testWebhook(maxRetries int) domain.Webhook {
	return domain.Webhook{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		URL:     "https://example.com/hook",
		Method:  "POST",
		Triggers: []domain.EventKind{
			domain.EventSessionCompleted,
		},
		RetryPolicy: domain.RetryPolicy{
			MaxRetries:   maxRetries,
			BackoffType:  domain.BackoffExponential,
			InitialDelay: 500 * time.Millisecond,
		},
		RateLimitPerMinute: 60,
		Enabled:            true,
		Status:             domain.WebhookStatusActive,
	}
}

func testEvent(wh domain.Webhook) domain.Event {
	return domain.Event{
		Kind:       domain.EventSessionCompleted,
		UserID:     wh.UserID,
		AgentID:    uuid.New(),
		SessionID:  uuid.New(),
		Data:       map[string]any{"fields": map[string]any{"email": "a@b.c"}},
		OccurredAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestExecute_FirstAttemptSuccess(t *testing.T) {
	wh := testWebhook(2)
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{{StatusCode: 200, Body: []byte("ok")}}}
	sched := &mockScheduler{}

	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender).WithRetryScheduler(sched)

	row, err := exec.Execute(context.Background(), wh, testEvent(wh), Attempt{DeliveryID: uuid.New(), Number: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Status != domain.DeliveryStatusSuccess {
		t.Errorf("status = %s, want success", row.Status)
	}
	if row.ResponseCode != 200 || row.ResponseBody != "ok" {
		t.Errorf("response not captured: code=%d body=%q", row.ResponseCode, row.ResponseBody)
	}
	if row.WillRetry {
		t.Error("successful attempt must not retry")
	}

	logs := store.snapshot()
	if len(logs) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(logs))
	}
	if _, pending := sched.pop(); pending {
		t.Error("no retry should be scheduled on success")
	}
	if store.lastStatus[wh.ID] != "success" {
		t.Errorf("webhook last status = %q, want success", store.lastStatus[wh.ID])
	}
	if store.successAt[wh.ID] == nil {
		t.Error("last successful delivery time should be set")
	}
}

func TestExecute_ZeroRetries_SingleFailedRow(t *testing.T) {
	wh := testWebhook(0)
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{{StatusCode: 500, Body: []byte("boom")}}}
	sched := &mockScheduler{}

	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender).WithRetryScheduler(sched)

	row, err := exec.Execute(context.Background(), wh, testEvent(wh), Attempt{DeliveryID: uuid.New(), Number: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed", row.Status)
	}
	if row.ErrorType != domain.ErrorTypeNon2xx {
		t.Errorf("error type = %s, want non_2xx", row.ErrorType)
	}
	if row.WillRetry || row.NextRetryAt != nil {
		t.Error("max_retries=0 must not schedule a retry")
	}
	if _, pending := sched.pop(); pending {
		t.Error("no retry task should be scheduled")
	}
	if len(store.snapshot()) != 1 {
		t.Errorf("expected exactly 1 log row, got %d", len(store.snapshot()))
	}
	if store.lastStatus[wh.ID] != "failed" {
		t.Errorf("webhook last status = %q, want failed", store.lastStatus[wh.ID])
	}
}

// Runs a full chain with max_retries=2 and exponential backoff from 500ms.
// Expects three rows (attempts 1..3), delays 500ms then 1s, final failed.
func TestExecute_RetryChainExhaustsBudget(t *testing.T) {
	wh := testWebhook(2)
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{
		{StatusCode: 503},
		{StatusCode: 503},
		{StatusCode: 503},
	}}
	sched := &mockScheduler{}
	clock := testutil.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender).
		WithRetryScheduler(sched).
		WithClock(clock.Now)

	ev := testEvent(wh)
	deliveryID := uuid.New()
	if _, err := exec.Execute(context.Background(), wh, ev, Attempt{DeliveryID: deliveryID, Number: 1}); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}

	wantDelays := []time.Duration{500 * time.Millisecond, time.Second}
	for i, want := range wantDelays {
		task, ok := sched.pop()
		if !ok {
			t.Fatalf("retry %d not scheduled", i+1)
		}
		if task.AttemptNumber != i+2 {
			t.Errorf("retry %d attempt number = %d, want %d", i+1, task.AttemptNumber, i+2)
		}
		if task.DeliveryID != deliveryID {
			t.Error("retry must stay on the same delivery chain")
		}
		delay := task.RunAt.Sub(clock.Now().UTC())
		if delay != want {
			t.Errorf("retry %d delay = %s, want %s", i+1, delay, want)
		}

		clock.Advance(want)
		if _, err := exec.Execute(context.Background(), task.Webhook, task.Event, Attempt{
			DeliveryID: task.DeliveryID, Number: task.AttemptNumber, ThrottleSeq: task.ThrottleSeq,
		}); err != nil {
			t.Fatalf("attempt %d: %v", task.AttemptNumber, err)
		}
	}

	if _, pending := sched.pop(); pending {
		t.Error("budget exhausted, nothing more should be scheduled")
	}

	logs := store.snapshot()
	if len(logs) != 3 {
		t.Fatalf("expected 3 log rows, got %d", len(logs))
	}
	for i, l := range logs {
		if l.AttemptNumber != i+1 {
			t.Errorf("row %d attempt = %d, want %d", i, l.AttemptNumber, i+1)
		}
	}
	if logs[0].Status != domain.DeliveryStatusRetrying || logs[1].Status != domain.DeliveryStatusRetrying {
		t.Error("intermediate attempts should be retrying")
	}
	if logs[2].Status != domain.DeliveryStatusFailed {
		t.Errorf("final attempt status = %s, want failed", logs[2].Status)
	}
	if store.lastStatus[wh.ID] != "failed" {
		t.Errorf("webhook last status = %q, want failed", store.lastStatus[wh.ID])
	}
}

func TestExecute_RateLimitDenial_DoesNotConsumeBudget(t *testing.T) {
	wh := testWebhook(2)
	wh.RateLimitPerMinute = 1
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{{StatusCode: 200}, {StatusCode: 200}}}
	sched := &mockScheduler{}
	clock := testutil.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	limiter := ratelimit.NewMemoryLimiter().WithClock(clock.Now)

	exec := NewExecutor(store, limiter, sender).
		WithRetryScheduler(sched).
		WithClock(clock.Now)

	ev := testEvent(wh)

	// First delivery consumes the minute's budget.
	if _, err := exec.Execute(context.Background(), wh, ev, Attempt{DeliveryID: uuid.New(), Number: 1}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	sendsBefore := sender.calls()

	// Second delivery is throttled before any HTTP call.
	deliveryID := uuid.New()
	row, err := exec.Execute(context.Background(), wh, ev, Attempt{DeliveryID: deliveryID, Number: 1})
	if err != nil {
		t.Fatalf("throttled delivery: %v", err)
	}
	if sender.calls() != sendsBefore {
		t.Error("throttled attempt must not reach the endpoint")
	}
	if row.Status != domain.DeliveryStatusRetrying {
		t.Errorf("status = %s, want retrying", row.Status)
	}
	if row.ErrorType != domain.ErrorTypeRateLimited {
		t.Errorf("error type = %s, want rate_limited", row.ErrorType)
	}

	task, ok := sched.pop()
	if !ok {
		t.Fatal("throttled attempt should be rescheduled")
	}
	if task.AttemptNumber != 1 {
		t.Errorf("rescheduled attempt number = %d, want 1 (denial consumes no budget)", task.AttemptNumber)
	}
	if task.ThrottleSeq != 1 {
		t.Errorf("throttle seq = %d, want 1", task.ThrottleSeq)
	}

	// When the window frees up, the same attempt number succeeds.
	clock.Advance(ratelimit.Window + time.Second)
	row, err = exec.Execute(context.Background(), task.Webhook, task.Event, Attempt{
		DeliveryID: task.DeliveryID, Number: task.AttemptNumber, ThrottleSeq: task.ThrottleSeq,
	})
	if err != nil {
		t.Fatalf("resumed delivery: %v", err)
	}
	if row.Status != domain.DeliveryStatusSuccess {
		t.Errorf("resumed status = %s, want success", row.Status)
	}
	if row.AttemptNumber != 1 {
		t.Errorf("resumed attempt number = %d, want 1", row.AttemptNumber)
	}
}

func TestExecute_MalformedBasicAuth_TerminalAuthFailure(t *testing.T) {
	wh := testWebhook(3)
	wh.AuthType = domain.AuthTypeBasic
	wh.AuthToken = "no-colon-here"
	store := newMockStore(wh)
	sender := &mockSender{}
	sched := &mockScheduler{}

	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender).WithRetryScheduler(sched)

	row, err := exec.Execute(context.Background(), wh, testEvent(wh), Attempt{DeliveryID: uuid.New(), Number: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed", row.Status)
	}
	if row.ErrorType != domain.ErrorTypeAuth {
		t.Errorf("error type = %s, want auth", row.ErrorType)
	}
	if sender.calls() != 0 {
		t.Error("no HTTP call should be made when auth material cannot be built")
	}
	if _, pending := sched.pop(); pending {
		t.Error("auth failures are terminal; retrying cannot fix the config")
	}
}

func TestExecute_DuplicateAttempt_Skips(t *testing.T) {
	wh := testWebhook(2)
	store := newMockStore(wh)
	sender := &mockSender{}
	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender)

	ev := testEvent(wh)
	at := Attempt{DeliveryID: uuid.New(), Number: 1}

	if _, err := exec.Execute(context.Background(), wh, ev, at); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	sendsBefore := sender.calls()

	_, err := exec.Execute(context.Background(), wh, ev, at)
	if !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}
	if sender.calls() != sendsBefore {
		t.Error("duplicate claim must not dispatch again")
	}
	if len(store.snapshot()) != 1 {
		t.Errorf("expected 1 log row, got %d", len(store.snapshot()))
	}
}

func TestExecute_TimeoutClassification(t *testing.T) {
	wh := testWebhook(0)
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{
		{Error: fmt.Errorf("send: %w", context.DeadlineExceeded)},
	}}
	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender)

	row, err := exec.Execute(context.Background(), wh, testEvent(wh), Attempt{DeliveryID: uuid.New(), Number: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.ErrorType != domain.ErrorTypeTimeout {
		t.Errorf("error type = %s, want timeout", row.ErrorType)
	}
}

func TestExecute_TestAttemptNeverRetries(t *testing.T) {
	wh := testWebhook(5)
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{{StatusCode: 500}}}
	sched := &mockScheduler{}
	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender).WithRetryScheduler(sched)

	ev := domain.Event{Kind: domain.EventTest, UserID: wh.UserID, OccurredAt: time.Now().UTC()}
	row, err := exec.Execute(context.Background(), wh, ev, Attempt{DeliveryID: uuid.New(), Number: 1, Test: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed", row.Status)
	}
	if _, pending := sched.pop(); pending {
		t.Error("test deliveries must never retry")
	}
}

func TestDispatch_IndependentChainsPerWebhook(t *testing.T) {
	userID := uuid.New()
	agentID := uuid.New()

	healthy := testWebhook(0)
	healthy.UserID = userID
	broken := testWebhook(0)
	broken.UserID = userID
	broken.URL = "https://down.example.com/hook"

	store := newMockStore(healthy, broken)
	store.webhooks[healthy.ID] = healthy
	store.webhooks[broken.ID] = broken

	sender := &perURLSender{statuses: map[string]int{
		healthy.URL: 200,
		broken.URL:  502,
	}}

	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender)
	m := matcher.New(&staticMatcherStore{webhooks: []domain.Webhook{healthy, broken}})
	d := New(store, m, exec)

	ev := domain.Event{
		Kind:       domain.EventSessionCompleted,
		UserID:     userID,
		AgentID:    agentID,
		SessionID:  uuid.New(),
		OccurredAt: time.Now().UTC(),
	}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	logs := store.snapshot()
	if len(logs) != 2 {
		t.Fatalf("expected one row per webhook, got %d", len(logs))
	}
	byWebhook := map[uuid.UUID]domain.DeliveryLog{}
	for _, l := range logs {
		byWebhook[l.WebhookID] = l
	}
	if byWebhook[healthy.ID].Status != domain.DeliveryStatusSuccess {
		t.Error("healthy webhook should succeed despite the other failing")
	}
	if byWebhook[broken.ID].Status != domain.DeliveryStatusFailed {
		t.Error("broken webhook should fail independently")
	}
	if logs[0].DeliveryID == logs[1].DeliveryID {
		t.Error("each webhook must get its own delivery chain")
	}
}

func TestTestDelivery_DeletedWebhookRejected(t *testing.T) {
	wh := testWebhook(0)
	wh.Status = domain.WebhookStatusDeleted
	store := newMockStore(wh)

	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), &mockSender{})
	d := New(store, matcher.New(&staticMatcherStore{}), exec)

	if _, err := d.TestDelivery(context.Background(), wh.ID); !errors.Is(err, ErrWebhookDeleted) {
		t.Fatalf("expected ErrWebhookDeleted, got %v", err)
	}
}

func TestTestDelivery_PausedWebhookAllowed(t *testing.T) {
	wh := testWebhook(0)
	wh.Status = domain.WebhookStatusPaused
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{{StatusCode: 204}}}

	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender)
	d := New(store, matcher.New(&staticMatcherStore{}), exec)

	row, err := d.TestDelivery(context.Background(), wh.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.EventKind != domain.EventTest {
		t.Errorf("event kind = %s, want %s", row.EventKind, domain.EventTest)
	}
	if row.Status != domain.DeliveryStatusSuccess {
		t.Errorf("status = %s, want success", row.Status)
	}
}

func TestResend_TargetedWebhook_FreshChain(t *testing.T) {
	wh := testWebhook(1)
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{{StatusCode: 500}, {StatusCode: 200}}}
	sched := &mockScheduler{}
	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender).WithRetryScheduler(sched)
	d := New(store, matcher.New(&staticMatcherStore{webhooks: []domain.Webhook{wh}}), exec)

	ev := testEvent(wh)
	originalChain := uuid.New()
	if _, err := exec.Execute(context.Background(), wh, ev, Attempt{DeliveryID: originalChain, Number: 1}); err != nil {
		t.Fatalf("original delivery: %v", err)
	}
	sched.pop() // discard the original chain's pending retry

	rows, err := d.Resend(context.Background(), ev.SessionID, &wh.ID)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 resend row, got %d", len(rows))
	}
	if rows[0].DeliveryID == originalChain {
		t.Error("resend must start a fresh delivery chain")
	}
	if rows[0].AttemptNumber != 1 {
		t.Errorf("resend attempt = %d, want 1", rows[0].AttemptNumber)
	}
	if rows[0].Status != domain.DeliveryStatusSuccess {
		t.Errorf("resend status = %s, want success", rows[0].Status)
	}
	if rows[0].SessionID == nil || *rows[0].SessionID != ev.SessionID {
		t.Error("resend should carry the original session")
	}
}

func TestResend_Broadcast_ReplaysCompletionEvent(t *testing.T) {
	wh := testWebhook(0)
	store := newMockStore(wh)
	sender := &mockSender{}
	clock := testutil.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	exec := NewExecutor(store, ratelimit.NewMemoryLimiter(), sender).WithClock(clock.Now)
	d := New(store, matcher.New(&staticMatcherStore{webhooks: []domain.Webhook{wh}}), exec)

	completed := testEvent(wh)
	updated := completed
	updated.Kind = domain.EventSessionUpdated

	if _, err := exec.Execute(context.Background(), wh, completed, Attempt{DeliveryID: uuid.New(), Number: 1}); err != nil {
		t.Fatalf("completion delivery: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := exec.Execute(context.Background(), wh, updated, Attempt{DeliveryID: uuid.New(), Number: 1}); err != nil {
		t.Fatalf("update delivery: %v", err)
	}

	rows, err := d.Resend(context.Background(), completed.SessionID, nil)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 resend row, got %d", len(rows))
	}
	if rows[0].EventKind != domain.EventSessionCompleted {
		t.Errorf("resent kind = %s, want %s even though session_updated was logged later",
			rows[0].EventKind, domain.EventSessionCompleted)
	}
}

func TestExecute_ThrottledTestDelivery_TerminalFailure(t *testing.T) {
	wh := testWebhook(5)
	wh.RateLimitPerMinute = 1
	store := newMockStore(wh)
	sender := &mockSender{results: []Result{{StatusCode: 200}}}
	sched := &mockScheduler{}
	limiter := ratelimit.NewMemoryLimiter()

	exec := NewExecutor(store, limiter, sender).WithRetryScheduler(sched)

	// A normal delivery consumes the minute's budget.
	if _, err := exec.Execute(context.Background(), wh, testEvent(wh), Attempt{DeliveryID: uuid.New(), Number: 1}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	ev := domain.Event{Kind: domain.EventTest, UserID: wh.UserID, OccurredAt: time.Now().UTC()}
	row, err := exec.Execute(context.Background(), wh, ev, Attempt{DeliveryID: uuid.New(), Number: 1, Test: true})
	if err != nil {
		t.Fatalf("throttled test delivery: %v", err)
	}
	if row.Status != domain.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed (a throttled test must not linger as retrying)", row.Status)
	}
	if row.ErrorType != domain.ErrorTypeRateLimited {
		t.Errorf("error type = %s, want rate_limited", row.ErrorType)
	}
	if row.WillRetry || row.NextRetryAt != nil {
		t.Error("throttled test delivery must not be marked for retry")
	}
	if _, pending := sched.pop(); pending {
		t.Error("throttled test delivery must not be rescheduled")
	}
}

// staticMatcherStore feeds the matcher a fixed candidate set.
type staticMatcherStore struct {
	webhooks []domain.Webhook
}

func (s *staticMatcherStore) GetSubscribedWebhooks(ctx context.Context, userID uuid.UUID, kind domain.EventKind, agentID uuid.UUID) ([]domain.Webhook, error) {
	return s.webhooks, nil
}

// perURLSender returns a fixed status per endpoint URL.
type perURLSender struct {
	mu       sync.Mutex
	statuses map[string]int
}

func (s *perURLSender) Send(ctx context.Context, req signer.SignedRequest, timeout time.Duration) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.statuses[req.URL]; ok {
		return Result{StatusCode: code}
	}
	return Result{StatusCode: 404}
}
