package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSuccess   DeliveryStatus = "success"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether s ends a logical delivery. Retrying is not
// terminal: a later attempt row supersedes it or a cancellation closes it.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed || s == DeliveryStatusCancelled
}

type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeNon2xx      ErrorType = "non_2xx"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeRateLimited ErrorType = "rate_limited"
)

// DeliveryLog is one row per dispatch attempt. All rows of a logical
// delivery share DeliveryID; AttemptNumber is 1-based and counts executed
// HTTP attempts. Rate-limit denials produce rows that reuse the attempt
// number of the deferred attempt with an incremented ThrottleSeq, so the
// executed-attempt sequence stays 1,2,3,... with no gaps or repeats.
type DeliveryLog struct {
	ID         uuid.UUID
	DeliveryID uuid.UUID
	WebhookID  uuid.UUID

	// SessionID is nil for test deliveries.
	SessionID *uuid.UUID
	EventKind EventKind

	AttemptNumber int
	ThrottleSeq   int

	Status DeliveryStatus

	RequestPayload []byte
	RequestHeaders map[string]string

	ResponseCode    int
	ResponseBody    string
	ResponseHeaders map[string]string

	ErrorMessage string
	ErrorType    ErrorType

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  int64

	WillRetry   bool
	NextRetryAt *time.Time
}

// DeliveryLogFilter narrows delivery log queries for the audit UI.
type DeliveryLogFilter struct {
	WebhookID *uuid.UUID
	SessionID *uuid.UUID
	Status    *DeliveryStatus
}
