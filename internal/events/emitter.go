package events

import (
	"github.com/halverson/autodev/internal/task"
)

// Emitter wraps a Publisher with nil-safety and convenience constructors
// for the event shapes the pipeline components publish.
//
// All methods are safe to call on a nil Emitter or over a nil publisher,
// so components never have to guard their emit sites.
type Emitter struct {
	publisher Publisher
}

// NewEmitter creates an Emitter over p. A nil p yields a no-op emitter.
func NewEmitter(p Publisher) *Emitter {
	return &Emitter{publisher: p}
}

// Publish sends an event to the underlying publisher.
func (e *Emitter) Publish(ev Event) {
	if e == nil || e.publisher == nil {
		return
	}
	e.publisher.Publish(ev)
}

// StateChanged publishes a task status transition.
func (e *Emitter) StateChanged(taskID string, from, to task.Status) {
	e.Publish(NewEvent(EventState, taskID, StateChange{From: from, To: to}))
}

// Audit publishes a persisted audit entry.
func (e *Emitter) Audit(ev *task.Event) {
	if ev == nil {
		return
	}
	e.Publish(NewEvent(EventAudit, ev.TaskID, ev))
}

// JobUpdated publishes the job's current summary counters.
func (e *Emitter) JobUpdated(job *task.Job) {
	if job == nil {
		return
	}
	e.Publish(NewEvent(EventJob, GlobalTaskID, JobUpdate{
		JobID:     job.ID,
		Status:    job.Status,
		Completed: job.Summary.Completed,
		Failed:    job.Summary.Failed,
		Total:     job.Summary.Total,
	}))
}

// BatchUpdated publishes a batch lifecycle change.
func (e *Emitter) BatchUpdated(batch *task.Batch) {
	if batch == nil {
		return
	}
	e.Publish(NewEvent(EventBatch, GlobalTaskID, BatchUpdate{
		BatchID: batch.ID,
		Status:  batch.Status,
		TaskIDs: batch.TaskIDs,
	}))
}

// Error publishes a non-fatal component error for a task.
func (e *Emitter) Error(taskID, code, message string) {
	e.Publish(NewEvent(EventError, taskID, ErrorInfo{Code: code, Message: message}))
}

// Heartbeat signals that a long-running stage is still alive.
func (e *Emitter) Heartbeat(taskID, stage string) {
	e.Publish(NewEvent(EventHeartbeat, taskID, map[string]string{"stage": stage}))
}
