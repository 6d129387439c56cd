package task

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial"
	JobCancelled JobStatus = "cancelled"
)

// ValidJobStatuses returns all valid job status values.
func ValidJobStatuses() []JobStatus {
	return []JobStatus{JobPending, JobRunning, JobCompleted, JobFailed, JobPartial, JobCancelled}
}

// IsValidJobStatus returns true if s is a valid job status value.
func IsValidJobStatus(s JobStatus) bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobPartial, JobCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for job states that freeze the job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartial, JobCancelled:
		return true
	default:
		return false
	}
}

// JobSummary tracks per-job progress counters. The counters always satisfy
// completed + failed + in_progress + pending == total.
type JobSummary struct {
	Total      int      `json:"total"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	InProgress int      `json:"in_progress"`
	Pending    int      `json:"pending"`
	PRsCreated []string `json:"prs_created,omitempty"`
}

// Consistent reports whether the counters add up.
func (s JobSummary) Consistent() bool {
	return s.Completed+s.Failed+s.InProgress+s.Pending == s.Total
}

// Job groups tasks scheduled together.
type Job struct {
	ID        string     `json:"id"`
	Repo      string     `json:"repo"`
	Status    JobStatus  `json:"status"`
	TaskIDs   []string   `json:"task_ids"`
	Summary   JobSummary `json:"summary"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewJob creates a pending job over the given task IDs.
func NewJob(repo string, taskIDs []string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:      uuid.NewString(),
		Repo:    repo,
		Status:  JobPending,
		TaskIDs: append([]string(nil), taskIDs...),
		Summary: JobSummary{
			Total:   len(taskIDs),
			Pending: len(taskIDs),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
