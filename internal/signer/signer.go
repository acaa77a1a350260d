// Package signer builds authenticated outbound requests for webhook
// deliveries. The payload shape and signature headers are the external
// contract with webhook receivers.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
)

// Outbound header names.
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderTimestamp  = "X-Webhook-Timestamp"
	HeaderDeliveryID = "X-AgentForms-Delivery-ID"
	HeaderAttempt    = "X-AgentForms-Attempt"
)

// ErrMalformedCredentials is returned when a basic-auth token does not
// hold "username:password".
var ErrMalformedCredentials = errors.New("basic auth token must be username:password")

// Payload is the versioned wire body sent to receivers.
type Payload struct {
	Event     string         `json:"event"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewPayload converts a domain event to its wire form.
func NewPayload(ev domain.Event) Payload {
	p := Payload{
		Event:     string(ev.Kind),
		Timestamp: ev.OccurredAt.UTC().Format(time.RFC3339),
		Data:      ev.Data,
	}
	if ev.SessionID != uuid.Nil {
		p.SessionID = ev.SessionID.String()
	}
	if ev.AgentID != uuid.Nil {
		p.AgentID = ev.AgentID.String()
	}
	return p
}

// ParsePayload decodes a persisted request body back into its wire form.
// Used when resuming a delivery from its durable log row.
func ParsePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("parse payload: %w", err)
	}
	return p, nil
}

// ToEvent reconstructs the domain event this payload was built from.
// UserID is not on the wire; the caller supplies it from the webhook owner.
func (p Payload) ToEvent(userID uuid.UUID) (domain.Event, error) {
	ev := domain.Event{Kind: domain.EventKind(p.Event), UserID: userID, Data: p.Data}

	if p.SessionID != "" {
		id, err := uuid.Parse(p.SessionID)
		if err != nil {
			return domain.Event{}, fmt.Errorf("parse session id: %w", err)
		}
		ev.SessionID = id
	}
	if p.AgentID != "" {
		id, err := uuid.Parse(p.AgentID)
		if err != nil {
			return domain.Event{}, fmt.Errorf("parse agent id: %w", err)
		}
		ev.AgentID = id
	}
	if p.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return domain.Event{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ev.OccurredAt = t
	}
	return ev, nil
}

// SignedRequest is a fully prepared outbound request.
type SignedRequest struct {
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
}

// BuildRequest serializes the event and attaches auth material per the
// webhook's auth type. Custom headers from the webhook config are merged
// first; auth-derived headers win on name collision.
func BuildRequest(w domain.Webhook, ev domain.Event, deliveryID uuid.UUID, attempt int, now time.Time) (SignedRequest, error) {
	body, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return SignedRequest{}, fmt.Errorf("marshal payload: %w", err)
	}

	headers := http.Header{}
	for name, value := range w.Headers {
		headers.Set(name, value)
	}

	headers.Set("Content-Type", "application/json")
	headers.Set(HeaderDeliveryID, deliveryID.String())
	headers.Set(HeaderAttempt, strconv.Itoa(attempt))

	switch w.AuthType {
	case domain.AuthTypeNone, "":
	case domain.AuthTypeBearer:
		headers.Set("Authorization", "Bearer "+w.AuthToken)
	case domain.AuthTypeBasic:
		if !strings.Contains(w.AuthToken, ":") {
			return SignedRequest{}, ErrMalformedCredentials
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(w.AuthToken))
		headers.Set("Authorization", "Basic "+encoded)
	case domain.AuthTypeHMAC:
		headers.Set(HeaderSignature, Signature(w.AuthToken, body))
		headers.Set(HeaderTimestamp, strconv.FormatInt(now.UTC().Unix(), 10))
	default:
		return SignedRequest{}, fmt.Errorf("unknown auth type %q", w.AuthType)
	}

	method := w.Method
	if method == "" {
		method = http.MethodPost
	}

	return SignedRequest{URL: w.URL, Method: method, Headers: headers, Body: body}, nil
}

// Signature computes the hex-encoded HMAC-SHA256 of body under secret.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to validate an incoming delivery.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Signature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
