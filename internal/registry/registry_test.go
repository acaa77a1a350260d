package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
)

type mockStore struct {
	mu       sync.Mutex
	webhooks map[uuid.UUID]domain.Webhook
}

func newMockStore() *mockStore {
	return &mockStore{webhooks: make(map[uuid.UUID]domain.Webhook)}
}

func (s *mockStore) CreateWebhook(ctx context.Context, w domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = w
	return nil
}

func (s *mockStore) GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return domain.Webhook{}, ErrNotFound
	}
	return w, nil
}

func (s *mockStore) ListWebhooks(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Webhook
	for _, w := range s.webhooks {
		if w.UserID == userID && w.Status != domain.WebhookStatusDeleted {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *mockStore) UpdateWebhook(ctx context.Context, w domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[w.ID]; !ok {
		return ErrNotFound
	}
	s.webhooks[w.ID] = w
	return nil
}

func validParams() CreateParams {
	return CreateParams{
		UserID:   uuid.New(),
		URL:      "https://example.com/hook",
		Triggers: []string{"session_completed"},
	}
}

func TestCreate_AppliesDefaults(t *testing.T) {
	r := New(newMockStore())

	w, err := r.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w.Method != "POST" {
		t.Errorf("method = %q, want POST", w.Method)
	}
	if w.AuthType != domain.AuthTypeNone {
		t.Errorf("auth type = %q, want none", w.AuthType)
	}
	if w.RetryPolicy.MaxRetries != 3 || w.RetryPolicy.BackoffType != domain.BackoffExponential {
		t.Errorf("retry policy = %+v, want 3 exponential retries", w.RetryPolicy)
	}
	if w.RateLimitPerMinute != 60 {
		t.Errorf("rate limit = %d, want 60", w.RateLimitPerMinute)
	}
	if !w.Enabled || w.Status != domain.WebhookStatusActive {
		t.Error("new webhooks should be enabled and active")
	}
}

func TestCreate_ZeroMaxRetriesIsValid(t *testing.T) {
	r := New(newMockStore())
	p := validParams()
	zero := 0
	p.MaxRetries = &zero

	w, err := r.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.RetryPolicy.MaxRetries != 0 {
		t.Errorf("max retries = %d, want 0", w.RetryPolicy.MaxRetries)
	}
}

func TestCreate_ReportsEveryViolatedField(t *testing.T) {
	r := New(newMockStore())
	neg := -1
	p := CreateParams{
		UserID:             uuid.New(),
		URL:                "ftp://example.com",
		Method:             "DELETE",
		AuthType:           "oauth",
		Triggers:           nil,
		MaxRetries:         &neg,
		BackoffType:        "fibonacci",
		InitialDelay:       0, // falls back to default, stays valid
		RateLimitPerMinute: -5,
	}

	_, err := r.Create(context.Background(), p)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}

	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"url", "method", "auth_type", "triggers",
		"retry_policy.max_retries", "retry_policy.backoff_type",
		"rate_limit_per_minute",
	} {
		if !fields[want] {
			t.Errorf("missing violation for %s (got %v)", want, verrs)
		}
	}
}

func TestCreate_RejectsUnknownTrigger(t *testing.T) {
	r := New(newMockStore())
	p := validParams()
	p.Triggers = []string{"session_completed", "webhook.test"}

	_, err := r.Create(context.Background(), p)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if !strings.Contains(verrs.Error(), "webhook.test") {
		t.Errorf("error should name the bad trigger: %v", verrs)
	}
}

func TestCreate_BasicAuthRequiresColonToken(t *testing.T) {
	r := New(newMockStore())
	p := validParams()
	p.AuthType = "basic"
	p.AuthToken = "justausername"

	if _, err := r.Create(context.Background(), p); err == nil {
		t.Fatal("expected validation error for malformed basic credentials")
	}

	p.AuthToken = "user:pass"
	if _, err := r.Create(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdate_PartialPatch(t *testing.T) {
	store := newMockStore()
	r := New(store)
	w, err := r.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newURL := "https://other.example.com/hook"
	paused := "paused"
	updated, err := r.Update(context.Background(), w.ID, UpdateParams{
		URL:    &newURL,
		Status: &paused,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.URL != newURL {
		t.Errorf("url = %q, want %q", updated.URL, newURL)
	}
	if updated.Status != domain.WebhookStatusPaused {
		t.Errorf("status = %q, want paused", updated.Status)
	}
	// Untouched fields survive the patch.
	if updated.RetryPolicy.MaxRetries != w.RetryPolicy.MaxRetries {
		t.Error("retry policy should be unchanged")
	}
	if len(updated.Triggers) != 1 || updated.Triggers[0] != domain.EventSessionCompleted {
		t.Error("triggers should be unchanged")
	}
}

func TestUpdate_RejectsDeletedStatus(t *testing.T) {
	r := New(newMockStore())
	w, _ := r.Create(context.Background(), validParams())

	deleted := "deleted"
	if _, err := r.Update(context.Background(), w.ID, UpdateParams{Status: &deleted}); err == nil {
		t.Fatal("status=deleted must go through Delete, not Update")
	}
}

func TestUpdate_ClearAgentScope(t *testing.T) {
	r := New(newMockStore())
	agentID := uuid.New()
	p := validParams()
	p.AgentID = &agentID

	w, err := r.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := r.Update(context.Background(), w.ID, UpdateParams{ClearAgentID: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.AgentID != nil {
		t.Error("agent scope should be cleared")
	}
}

func TestDelete_SoftDeleteHidesWebhook(t *testing.T) {
	store := newMockStore()
	r := New(store)
	w, _ := r.Create(context.Background(), validParams())

	if err := r.Delete(context.Background(), w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := r.Get(context.Background(), w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted webhook should be NotFound, got %v", err)
	}

	list, _ := r.List(context.Background(), w.UserID, 50, 0)
	if len(list) != 0 {
		t.Error("deleted webhook should not be listed")
	}

	// The row itself survives for history.
	raw := store.webhooks[w.ID]
	if raw.Status != domain.WebhookStatusDeleted || raw.Enabled {
		t.Errorf("stored row = %+v, want soft-deleted", raw)
	}
}

func TestDelete_AlreadyDeleted(t *testing.T) {
	r := New(newMockStore())
	w, _ := r.Create(context.Background(), validParams())
	r.Delete(context.Background(), w.ID)

	if err := r.Delete(context.Background(), w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be NotFound, got %v", err)
	}
}

func TestUpdate_TouchesUpdatedAt(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	r := New(newMockStore()).WithClock(func() time.Time { return now })
	w, _ := r.Create(context.Background(), validParams())

	now = now.Add(time.Hour)
	limit := 10
	updated, err := r.Update(context.Background(), w.ID, UpdateParams{RateLimitPerMinute: &limit})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.UpdatedAt.Equal(now) {
		t.Errorf("updated_at = %s, want %s", updated.UpdatedAt, now)
	}
	if updated.CreatedAt.Equal(now) {
		t.Error("created_at must not change on update")
	}
}
