package api

import (
	"time"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
)

type RetryPolicyRequest struct {
	MaxRetries     *int   `json:"max_retries,omitempty"`
	BackoffType    string `json:"backoff_type,omitempty"`
	InitialDelayMs int64  `json:"initial_delay_ms,omitempty"`
}

type CreateWebhookRequest struct {
	AgentID            string              `json:"agent_id,omitempty"`
	URL                string              `json:"url"`
	Method             string              `json:"method,omitempty"`
	Headers            map[string]string   `json:"headers,omitempty"`
	AuthType           string              `json:"auth_type,omitempty"`
	AuthToken          string              `json:"auth_token,omitempty"`
	Triggers           []string            `json:"triggers"`
	RetryPolicy        *RetryPolicyRequest `json:"retry_policy,omitempty"`
	RateLimitPerMinute int                 `json:"rate_limit_per_minute,omitempty"`
	Enabled            *bool               `json:"enabled,omitempty"`
}

// UpdateWebhookRequest is a partial patch; omitted fields stay unchanged.
// Setting agent_id to the empty string clears the agent scope.
type UpdateWebhookRequest struct {
	AgentID            *string             `json:"agent_id,omitempty"`
	URL                *string             `json:"url,omitempty"`
	Method             *string             `json:"method,omitempty"`
	Headers            *map[string]string  `json:"headers,omitempty"`
	AuthType           *string             `json:"auth_type,omitempty"`
	AuthToken          *string             `json:"auth_token,omitempty"`
	Triggers           *[]string           `json:"triggers,omitempty"`
	RetryPolicy        *RetryPolicyRequest `json:"retry_policy,omitempty"`
	RateLimitPerMinute *int                `json:"rate_limit_per_minute,omitempty"`
	Enabled            *bool               `json:"enabled,omitempty"`
	Status             *string             `json:"status,omitempty"`
}

type RetryPolicyResponse struct {
	MaxRetries     int    `json:"max_retries"`
	BackoffType    string `json:"backoff_type"`
	InitialDelayMs int64  `json:"initial_delay_ms"`
}

// WebhookResponse never includes the auth token.
type WebhookResponse struct {
	ID                       string              `json:"id"`
	UserID                   string              `json:"user_id"`
	AgentID                  string              `json:"agent_id,omitempty"`
	URL                      string              `json:"url"`
	Method                   string              `json:"method"`
	Headers                  map[string]string   `json:"headers,omitempty"`
	AuthType                 string              `json:"auth_type"`
	Triggers                 []string            `json:"triggers"`
	RetryPolicy              RetryPolicyResponse `json:"retry_policy"`
	RateLimitPerMinute       int                 `json:"rate_limit_per_minute"`
	Enabled                  bool                `json:"enabled"`
	Status                   string              `json:"status"`
	LastDeliveryStatus       string              `json:"last_delivery_status,omitempty"`
	LastSuccessfulDeliveryAt string              `json:"last_successful_delivery_at,omitempty"`
	CreatedAt                string              `json:"created_at"`
	UpdatedAt                string              `json:"updated_at"`
}

type DeliveryLogResponse struct {
	ID            string `json:"id"`
	DeliveryID    string `json:"delivery_id"`
	WebhookID     string `json:"webhook_id"`
	SessionID     string `json:"session_id,omitempty"`
	EventKind     string `json:"event"`
	AttemptNumber int    `json:"attempt_number"`
	Status        string `json:"status"`
	ResponseCode  int    `json:"response_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ErrorType     string `json:"error_type,omitempty"`
	StartedAt     string `json:"started_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
	WillRetry     bool   `json:"will_retry"`
	NextRetryAt   string `json:"next_retry_at,omitempty"`
}

type ResendRequest struct {
	SessionID string `json:"session_id"`
	WebhookID string `json:"webhook_id,omitempty"`
}

type ListWebhooksResponse struct {
	Webhooks []WebhookResponse `json:"webhooks"`
}

type ListDeliveriesResponse struct {
	Deliveries []DeliveryLogResponse `json:"deliveries"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error  string       `json:"error"`
	Fields []FieldError `json:"fields,omitempty"`
}

func toWebhookResponse(w domain.Webhook) WebhookResponse {
	resp := WebhookResponse{
		ID:       w.ID.String(),
		UserID:   w.UserID.String(),
		URL:      w.URL,
		Method:   w.Method,
		Headers:  w.Headers,
		AuthType: string(w.AuthType),
		RetryPolicy: RetryPolicyResponse{
			MaxRetries:     w.RetryPolicy.MaxRetries,
			BackoffType:    string(w.RetryPolicy.BackoffType),
			InitialDelayMs: w.RetryPolicy.InitialDelay.Milliseconds(),
		},
		RateLimitPerMinute: w.RateLimitPerMinute,
		Enabled:            w.Enabled,
		Status:             string(w.Status),
		LastDeliveryStatus: w.LastDeliveryStatus,
		CreatedAt:          formatTime(w.CreatedAt),
		UpdatedAt:          formatTime(w.UpdatedAt),
	}
	if w.AgentID != nil {
		resp.AgentID = w.AgentID.String()
	}
	for _, t := range w.Triggers {
		resp.Triggers = append(resp.Triggers, string(t))
	}
	if w.LastSuccessfulDeliveryAt != nil {
		resp.LastSuccessfulDeliveryAt = formatTime(*w.LastSuccessfulDeliveryAt)
	}
	return resp
}

func toDeliveryLogResponse(l domain.DeliveryLog) DeliveryLogResponse {
	resp := DeliveryLogResponse{
		ID:            l.ID.String(),
		DeliveryID:    l.DeliveryID.String(),
		WebhookID:     l.WebhookID.String(),
		EventKind:     string(l.EventKind),
		AttemptNumber: l.AttemptNumber,
		Status:        string(l.Status),
		ResponseCode:  l.ResponseCode,
		ErrorMessage:  l.ErrorMessage,
		ErrorType:     string(l.ErrorType),
		StartedAt:     formatTime(l.StartedAt),
		DurationMs:    l.DurationMs,
		WillRetry:     l.WillRetry,
	}
	if l.SessionID != nil {
		resp.SessionID = l.SessionID.String()
	}
	if l.CompletedAt != nil {
		resp.CompletedAt = formatTime(*l.CompletedAt)
	}
	if l.NextRetryAt != nil {
		resp.NextRetryAt = formatTime(*l.NextRetryAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
