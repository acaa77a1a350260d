package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventSessionStarted   EventKind = "session_started"
	EventSessionCompleted EventKind = "session_completed"
	EventFieldCollected   EventKind = "field_collected"
	EventSessionUpdated   EventKind = "session_updated"

	// EventTest is the synthetic kind used by test deliveries. It is never
	// a valid trigger subscription and bypasses matching entirely.
	EventTest EventKind = "test"
)

// TriggerKinds are the event kinds a webhook may subscribe to.
var TriggerKinds = []EventKind{
	EventSessionStarted,
	EventSessionCompleted,
	EventFieldCollected,
	EventSessionUpdated,
}

// ValidTrigger reports whether kind may appear in a webhook's trigger set.
func ValidTrigger(kind EventKind) bool {
	for _, k := range TriggerKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Event is a session lifecycle transition pushed by the agent/session
// subsystem. SessionID is the zero UUID for synthetic test events.
type Event struct {
	Kind      EventKind
	AgentID   uuid.UUID
	UserID    uuid.UUID
	SessionID uuid.UUID

	Data map[string]any

	OccurredAt time.Time
}
