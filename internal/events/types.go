// Package events provides the in-process pub/sub bus that feeds live
// consumers (the WebSocket stream, CLI watchers) with task activity.
//
// Bus events are transient fan-out notifications; the durable audit trail
// lives in the store's task_events table and is written independently.
package events

import (
	"time"

	"github.com/halverson/autodev/internal/task"
)

// EventType defines the type of bus event.
type EventType string

const (
	// EventState indicates a task status transition.
	EventState EventType = "state"
	// EventAudit indicates a new audit entry was recorded for a task.
	EventAudit EventType = "audit"
	// EventJob indicates a job summary update.
	EventJob EventType = "job"
	// EventBatch indicates a batch lifecycle update.
	EventBatch EventType = "batch"
	// EventError indicates a non-fatal component error.
	EventError EventType = "error"
	// EventHeartbeat indicates a long-running stage is still making progress.
	EventHeartbeat EventType = "heartbeat"
)

// Event represents a published bus event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// StateChange is the payload for EventState.
type StateChange struct {
	From task.Status `json:"from"`
	To   task.Status `json:"to"`
}

// JobUpdate is the payload for EventJob.
type JobUpdate struct {
	JobID     string         `json:"job_id"`
	Status    task.JobStatus `json:"status"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Total     int            `json:"total"`
}

// BatchUpdate is the payload for EventBatch.
type BatchUpdate struct {
	BatchID string           `json:"batch_id"`
	Status  task.BatchStatus `json:"status"`
	TaskIDs []string         `json:"task_ids,omitempty"`
}

// ErrorInfo is the payload for EventError.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
