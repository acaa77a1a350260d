package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
)

// fakeStore returns everything it holds; Match must filter.
type fakeStore struct {
	webhooks []domain.Webhook
}

func (s *fakeStore) GetSubscribedWebhooks(ctx context.Context, userID uuid.UUID, kind domain.EventKind, agentID uuid.UUID) ([]domain.Webhook, error) {
	return s.webhooks, nil
}

func activeWebhook(userID uuid.UUID, agentID *uuid.UUID, triggers ...domain.EventKind) domain.Webhook {
	return domain.Webhook{
		ID:       uuid.New(),
		UserID:   userID,
		AgentID:  agentID,
		URL:      "https://example.com/hook",
		Triggers: triggers,
		Enabled:  true,
		Status:   domain.WebhookStatusActive,
	}
}

func TestMatch_SelectsExactSet(t *testing.T) {
	userID := uuid.New()
	agentID := uuid.New()
	otherAgent := uuid.New()
	otherUser := uuid.New()

	scoped := activeWebhook(userID, &agentID, domain.EventSessionCompleted)
	global := activeWebhook(userID, nil, domain.EventSessionCompleted)
	wrongAgent := activeWebhook(userID, &otherAgent, domain.EventSessionCompleted)
	wrongKind := activeWebhook(userID, &agentID, domain.EventSessionStarted)
	wrongUser := activeWebhook(otherUser, &agentID, domain.EventSessionCompleted)

	paused := activeWebhook(userID, &agentID, domain.EventSessionCompleted)
	paused.Status = domain.WebhookStatusPaused

	disabled := activeWebhook(userID, &agentID, domain.EventSessionCompleted)
	disabled.Enabled = false

	deleted := activeWebhook(userID, &agentID, domain.EventSessionCompleted)
	deleted.Status = domain.WebhookStatusDeleted

	store := &fakeStore{webhooks: []domain.Webhook{
		scoped, global, wrongAgent, wrongKind, wrongUser, paused, disabled, deleted,
	}}

	m := New(store)
	ev := domain.Event{
		Kind:       domain.EventSessionCompleted,
		AgentID:    agentID,
		UserID:     userID,
		SessionID:  uuid.New(),
		OccurredAt: time.Now().UTC(),
	}

	matched, err := m.Match(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(matched) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matched))
	}

	ids := map[uuid.UUID]bool{}
	for _, w := range matched {
		ids[w.ID] = true
	}
	if !ids[scoped.ID] {
		t.Error("agent-scoped webhook should match")
	}
	if !ids[global.ID] {
		t.Error("global webhook should match the same user's agent")
	}
}

func TestMatches_GlobalWebhookOtherUser(t *testing.T) {
	userID := uuid.New()
	global := activeWebhook(userID, nil, domain.EventFieldCollected)

	ev := domain.Event{Kind: domain.EventFieldCollected, AgentID: uuid.New(), UserID: uuid.New()}
	if Matches(global, ev) {
		t.Error("global webhook must not match another user's events")
	}
}
