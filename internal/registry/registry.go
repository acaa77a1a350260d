// Package registry manages webhook configurations: create, read, update,
// and soft delete, with field-level validation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
)

// ErrNotFound is returned when a webhook does not exist or has been
// soft-deleted. Deleted webhooks are invisible through the registry.
var ErrNotFound = errors.New("webhook not found")

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every violated field so callers can report
// them all at once instead of one per round trip.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

type Store interface {
	CreateWebhook(ctx context.Context, w domain.Webhook) error
	// GetWebhook returns the webhook regardless of status; the registry
	// applies deleted-visibility rules on top.
	GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error)
	ListWebhooks(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Webhook, error)
	UpdateWebhook(ctx context.Context, w domain.Webhook) error
}

// CreateParams is the input for registering a webhook.
type CreateParams struct {
	UserID             uuid.UUID
	AgentID            *uuid.UUID
	URL                string
	Method             string
	Headers            map[string]string
	AuthType           string
	AuthToken          string
	Triggers           []string
	MaxRetries         *int
	BackoffType        string
	InitialDelay       time.Duration
	RateLimitPerMinute int
	Enabled            *bool
}

// UpdateParams is a partial patch; nil fields are left unchanged.
type UpdateParams struct {
	AgentID            *uuid.UUID
	ClearAgentID       bool // make the webhook global again
	URL                *string
	Method             *string
	Headers            *map[string]string
	AuthType           *string
	AuthToken          *string
	Triggers           *[]string
	MaxRetries         *int
	BackoffType        *string
	InitialDelay       *time.Duration
	RateLimitPerMinute *int
	Enabled            *bool
	Status             *string // active or paused; deleted only via Delete
}

type Registry struct {
	store Store
	clock func() time.Time
}

func New(store Store) *Registry {
	return &Registry{store: store, clock: time.Now}
}

// WithClock replaces the time source. Only for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

const (
	defaultMaxRetries = 3
	defaultDelay      = 30 * time.Second
	defaultRateLimit  = 60
)

// Create validates and persists a new webhook. Defaults: method POST,
// auth none, exponential backoff with max_retries=3 and a 30s initial
// delay, 60 dispatches per minute, enabled.
func (r *Registry) Create(ctx context.Context, p CreateParams) (domain.Webhook, error) {
	now := r.clock().UTC()

	w := domain.Webhook{
		ID:      uuid.New(),
		UserID:  p.UserID,
		AgentID: p.AgentID,
		URL:       p.URL,
		Method:    http.MethodPost,
		Headers:   p.Headers,
		AuthType:  domain.AuthTypeNone,
		AuthToken: p.AuthToken,
		RetryPolicy: domain.RetryPolicy{
			MaxRetries:   defaultMaxRetries,
			BackoffType:  domain.BackoffExponential,
			InitialDelay: defaultDelay,
		},
		RateLimitPerMinute: defaultRateLimit,
		Enabled:            true,
		Status:             domain.WebhookStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if p.Method != "" {
		w.Method = strings.ToUpper(p.Method)
	}
	if p.AuthType != "" {
		w.AuthType = domain.AuthType(p.AuthType)
	}
	for _, t := range p.Triggers {
		w.Triggers = append(w.Triggers, domain.EventKind(t))
	}
	if p.MaxRetries != nil {
		w.RetryPolicy.MaxRetries = *p.MaxRetries
	}
	if p.BackoffType != "" {
		w.RetryPolicy.BackoffType = domain.BackoffType(p.BackoffType)
	}
	if p.InitialDelay > 0 {
		w.RetryPolicy.InitialDelay = p.InitialDelay
	}
	if p.RateLimitPerMinute != 0 {
		w.RateLimitPerMinute = p.RateLimitPerMinute
	}
	if p.Enabled != nil {
		w.Enabled = *p.Enabled
	}

	if err := validate(w); err != nil {
		return domain.Webhook{}, err
	}

	if err := r.store.CreateWebhook(ctx, w); err != nil {
		return domain.Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

// Get returns the webhook, or ErrNotFound for unknown and deleted ids.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (domain.Webhook, error) {
	w, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return domain.Webhook{}, err
	}
	if w.Status == domain.WebhookStatusDeleted {
		return domain.Webhook{}, ErrNotFound
	}
	return w, nil
}

// List returns the user's non-deleted webhooks.
func (r *Registry) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Webhook, error) {
	return r.store.ListWebhooks(ctx, userID, limit, offset)
}

// Update applies the patch, re-validates the whole record, and persists it.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (domain.Webhook, error) {
	w, err := r.Get(ctx, id)
	if err != nil {
		return domain.Webhook{}, err
	}

	if p.ClearAgentID {
		w.AgentID = nil
	} else if p.AgentID != nil {
		w.AgentID = p.AgentID
	}
	if p.URL != nil {
		w.URL = *p.URL
	}
	if p.Method != nil {
		w.Method = strings.ToUpper(*p.Method)
	}
	if p.Headers != nil {
		w.Headers = *p.Headers
	}
	if p.AuthType != nil {
		w.AuthType = domain.AuthType(*p.AuthType)
	}
	if p.AuthToken != nil {
		w.AuthToken = *p.AuthToken
	}
	if p.Triggers != nil {
		w.Triggers = nil
		for _, t := range *p.Triggers {
			w.Triggers = append(w.Triggers, domain.EventKind(t))
		}
	}
	if p.MaxRetries != nil {
		w.RetryPolicy.MaxRetries = *p.MaxRetries
	}
	if p.BackoffType != nil {
		w.RetryPolicy.BackoffType = domain.BackoffType(*p.BackoffType)
	}
	if p.InitialDelay != nil {
		w.RetryPolicy.InitialDelay = *p.InitialDelay
	}
	if p.RateLimitPerMinute != nil {
		w.RateLimitPerMinute = *p.RateLimitPerMinute
	}
	if p.Enabled != nil {
		w.Enabled = *p.Enabled
	}
	if p.Status != nil {
		switch domain.WebhookStatus(*p.Status) {
		case domain.WebhookStatusActive, domain.WebhookStatusPaused:
			w.Status = domain.WebhookStatus(*p.Status)
		default:
			return domain.Webhook{}, ValidationErrors{{
				Field:   "status",
				Message: fmt.Sprintf("must be 'active' or 'paused', got %q", *p.Status),
			}}
		}
	}

	if err := validate(w); err != nil {
		return domain.Webhook{}, err
	}

	w.UpdatedAt = r.clock().UTC()
	if err := r.store.UpdateWebhook(ctx, w); err != nil {
		return domain.Webhook{}, fmt.Errorf("update webhook: %w", err)
	}
	return w, nil
}

// Delete soft-deletes the webhook. Its delivery history stays queryable
// through the delivery log; the webhook itself stops matching events and
// disappears from Get and List.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.Status = domain.WebhookStatusDeleted
	w.Enabled = false
	w.UpdatedAt = r.clock().UTC()
	if err := r.store.UpdateWebhook(ctx, w); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

var allowedMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// validate checks the fully assembled record and reports every violated
// field, not just the first.
func validate(w domain.Webhook) error {
	var errs ValidationErrors

	if err := validateURL(w.URL); err != nil {
		errs = append(errs, ValidationError{Field: "url", Message: err.Error()})
	}

	if !allowedMethods[w.Method] {
		errs = append(errs, ValidationError{
			Field:   "method",
			Message: fmt.Sprintf("must be POST, PUT, or PATCH, got %q", w.Method),
		})
	}

	switch w.AuthType {
	case domain.AuthTypeNone:
	case domain.AuthTypeBearer, domain.AuthTypeHMAC:
		if w.AuthToken == "" {
			errs = append(errs, ValidationError{Field: "auth_token", Message: "required for auth_type " + string(w.AuthType)})
		}
	case domain.AuthTypeBasic:
		if !strings.Contains(w.AuthToken, ":") {
			errs = append(errs, ValidationError{Field: "auth_token", Message: "basic auth requires username:password"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "auth_type",
			Message: fmt.Sprintf("must be none, bearer, basic, or hmac, got %q", w.AuthType),
		})
	}

	if len(w.Triggers) == 0 {
		errs = append(errs, ValidationError{Field: "triggers", Message: "at least one trigger is required"})
	}
	for _, t := range w.Triggers {
		if !domain.ValidTrigger(t) {
			errs = append(errs, ValidationError{
				Field:   "triggers",
				Message: fmt.Sprintf("unknown trigger %q", t),
			})
		}
	}

	if w.RetryPolicy.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "retry_policy.max_retries", Message: "must be >= 0"})
	}
	switch w.RetryPolicy.BackoffType {
	case domain.BackoffExponential, domain.BackoffLinear:
	default:
		errs = append(errs, ValidationError{
			Field:   "retry_policy.backoff_type",
			Message: fmt.Sprintf("must be 'exponential' or 'linear', got %q", w.RetryPolicy.BackoffType),
		})
	}
	if w.RetryPolicy.InitialDelay <= 0 {
		errs = append(errs, ValidationError{Field: "retry_policy.initial_delay_ms", Message: "must be > 0"})
	}

	if w.RateLimitPerMinute <= 0 {
		errs = append(errs, ValidationError{Field: "rate_limit_per_minute", Message: "must be > 0"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
