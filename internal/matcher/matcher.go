// Package matcher selects the webhooks that must receive a domain event.
package matcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
)

// Store provides the candidate webhooks for an event owner. Implementations
// may pre-filter (the postgres store filters in SQL); Match re-applies the
// full predicate so fakes returning broader sets still behave correctly.
type Store interface {
	GetSubscribedWebhooks(ctx context.Context, userID uuid.UUID, kind domain.EventKind, agentID uuid.UUID) ([]domain.Webhook, error)
}

type Matcher struct {
	store Store
}

func New(store Store) *Matcher {
	return &Matcher{store: store}
}

// Match returns every webhook that must receive the event: active, enabled,
// owned by the event's user, subscribed to the kind, and either global or
// scoped to the event's agent. Order is unspecified.
func (m *Matcher) Match(ctx context.Context, ev domain.Event) ([]domain.Webhook, error) {
	candidates, err := m.store.GetSubscribedWebhooks(ctx, ev.UserID, ev.Kind, ev.AgentID)
	if err != nil {
		return nil, fmt.Errorf("get subscribed webhooks: %w", err)
	}

	var matched []domain.Webhook
	for _, w := range candidates {
		if Matches(w, ev) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

// Matches is the matching predicate. Exposed so store fakes and the resend
// path share exactly one definition.
func Matches(w domain.Webhook, ev domain.Event) bool {
	return w.Dispatchable() &&
		w.UserID == ev.UserID &&
		w.SubscribesTo(ev.Kind) &&
		w.AppliesTo(ev.AgentID)
}
