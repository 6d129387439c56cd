package task

import "time"

// EventType classifies audit-log entries.
type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventPlanned   EventType = "PLANNED"
	EventCoded     EventType = "CODED"
	EventReviewed  EventType = "REVIEWED"
	EventTested    EventType = "TESTED"
	EventFixed     EventType = "FIXED"
	EventPROpened  EventType = "PR_OPENED"
	EventConsensus EventType = "CONSENSUS"
	EventFailed    EventType = "FAILED"
	EventCompleted EventType = "COMPLETED"
)

// ValidEventTypes returns all valid event types.
func ValidEventTypes() []EventType {
	return []EventType{
		EventCreated, EventPlanned, EventCoded, EventReviewed, EventTested,
		EventFixed, EventPROpened, EventConsensus, EventFailed, EventCompleted,
	}
}

// IsValidEventType returns true if e is a valid event type.
func IsValidEventType(e EventType) bool {
	switch e {
	case EventCreated, EventPlanned, EventCoded, EventReviewed, EventTested,
		EventFixed, EventPROpened, EventConsensus, EventFailed, EventCompleted:
		return true
	default:
		return false
	}
}

// Event is one append-only audit entry for a task.
type Event struct {
	// ID is assigned by the store on insert.
	ID int64 `json:"id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Type classifies what happened.
	Type EventType `json:"event_type"`

	// Agent names the stage handler or component that produced the event.
	Agent string `json:"agent,omitempty"`

	// OutputSummary is a short human-readable description of the result.
	OutputSummary string `json:"output_summary,omitempty"`

	// TokensUsed records model token consumption for the stage, if known.
	TokensUsed int `json:"tokens_used,omitempty"`

	// DurationMS records how long the stage took, if known.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Metadata holds structured details (verdicts, batch ids, error codes).
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt orders events per task.
	CreatedAt time.Time `json:"created_at"`
}
