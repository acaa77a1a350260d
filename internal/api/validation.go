package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/registry"
)

// toCreateParams converts the JSON request into registry input. Only shape
// problems (unparseable ids) are rejected here; field validation belongs
// to the registry.
func toCreateParams(req CreateWebhookRequest, userID uuid.UUID) (registry.CreateParams, error) {
	p := registry.CreateParams{
		UserID:             userID,
		URL:                req.URL,
		Method:             req.Method,
		Headers:            req.Headers,
		AuthType:           req.AuthType,
		AuthToken:          req.AuthToken,
		Triggers:           req.Triggers,
		RateLimitPerMinute: req.RateLimitPerMinute,
		Enabled:            req.Enabled,
	}

	if req.AgentID != "" {
		agentID, err := uuid.Parse(req.AgentID)
		if err != nil {
			return p, registry.ValidationErrors{{Field: "agent_id", Message: "must be a uuid"}}
		}
		p.AgentID = &agentID
	}

	if req.RetryPolicy != nil {
		p.MaxRetries = req.RetryPolicy.MaxRetries
		p.BackoffType = req.RetryPolicy.BackoffType
		p.InitialDelay = time.Duration(req.RetryPolicy.InitialDelayMs) * time.Millisecond
	}

	return p, nil
}

func toUpdateParams(req UpdateWebhookRequest) (registry.UpdateParams, error) {
	p := registry.UpdateParams{
		URL:                req.URL,
		Method:             req.Method,
		Headers:            req.Headers,
		AuthType:           req.AuthType,
		AuthToken:          req.AuthToken,
		Triggers:           req.Triggers,
		RateLimitPerMinute: req.RateLimitPerMinute,
		Enabled:            req.Enabled,
		Status:             req.Status,
	}

	if req.AgentID != nil {
		if *req.AgentID == "" {
			p.ClearAgentID = true
		} else {
			agentID, err := uuid.Parse(*req.AgentID)
			if err != nil {
				return p, registry.ValidationErrors{{Field: "agent_id", Message: "must be a uuid"}}
			}
			p.AgentID = &agentID
		}
	}

	if req.RetryPolicy != nil {
		p.MaxRetries = req.RetryPolicy.MaxRetries
		if req.RetryPolicy.BackoffType != "" {
			bt := req.RetryPolicy.BackoffType
			p.BackoffType = &bt
		}
		if req.RetryPolicy.InitialDelayMs > 0 {
			d := time.Duration(req.RetryPolicy.InitialDelayMs) * time.Millisecond
			p.InitialDelay = &d
		}
	}

	return p, nil
}
