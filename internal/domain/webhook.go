package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeBasic  AuthType = "basic"
	AuthTypeHMAC   AuthType = "hmac"
)

type WebhookStatus string

const (
	WebhookStatusActive  WebhookStatus = "active"
	WebhookStatusPaused  WebhookStatus = "paused"
	WebhookStatusDeleted WebhookStatus = "deleted"
)

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
)

// RetryPolicy controls how failed deliveries are retried.
// MaxRetries counts retries, not attempts: MaxRetries=2 allows 3 attempts total.
type RetryPolicy struct {
	MaxRetries   int
	BackoffType  BackoffType
	InitialDelay time.Duration
}

// Delay returns the backoff before the attempt that follows failedAttempt.
// Linear: initial * N. Exponential: initial * 2^(N-1).
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	switch p.BackoffType {
	case BackoffLinear:
		return p.InitialDelay * time.Duration(failedAttempt)
	default:
		return p.InitialDelay << uint(failedAttempt-1)
	}
}

// Webhook is a registered delivery target owned by a user.
// AgentID nil means the webhook is global: it matches every agent the
// user owns.
type Webhook struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	AgentID *uuid.UUID

	URL    string
	Method string

	// Headers are custom headers merged into every request.
	// Auth-derived headers win on name collision.
	Headers map[string]string

	AuthType  AuthType
	AuthToken string

	Triggers []EventKind

	RetryPolicy        RetryPolicy
	RateLimitPerMinute int

	Enabled bool
	Status  WebhookStatus

	LastDeliveryStatus       string
	LastSuccessfulDeliveryAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Dispatchable reports whether the webhook may receive deliveries at all.
// Non-active or disabled webhooks are excluded at match time, not merely
// skipped at execution time.
func (w Webhook) Dispatchable() bool {
	return w.Enabled && w.Status == WebhookStatusActive
}

// SubscribesTo reports whether the webhook subscribes to the event kind.
func (w Webhook) SubscribesTo(kind EventKind) bool {
	for _, t := range w.Triggers {
		if t == kind {
			return true
		}
	}
	return false
}

// AppliesTo reports whether the webhook covers the given agent.
func (w Webhook) AppliesTo(agentID uuid.UUID) bool {
	return w.AgentID == nil || *w.AgentID == agentID
}
