// Package task defines the task data model and its state machine.
package task

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds how many failed code/fix passes a task gets.
const DefaultMaxAttempts = 3

// Complexity classifies how large a change the planner expects.
type Complexity string

const (
	ComplexityXS Complexity = "XS"
	ComplexityS  Complexity = "S"
	ComplexityM  Complexity = "M"
	ComplexityL  Complexity = "L"
	ComplexityXL Complexity = "XL"
)

// ValidComplexities returns all valid complexity values.
func ValidComplexities() []Complexity {
	return []Complexity{ComplexityXS, ComplexityS, ComplexityM, ComplexityL, ComplexityXL}
}

// IsValidComplexity returns true if c is a valid complexity value.
func IsValidComplexity(c Complexity) bool {
	switch c {
	case ComplexityXS, ComplexityS, ComplexityM, ComplexityL, ComplexityXL:
		return true
	default:
		return false
	}
}

// RequiresBreakdown reports whether the complexity is too large to code
// directly. L and XL issues are parked for a human to split.
func (c Complexity) RequiresBreakdown() bool {
	return c == ComplexityL || c == ComplexityXL
}

// Effort classifies how much model effort the planner recommends.
type Effort string

const (
	EffortUnspecified Effort = ""
	EffortLow         Effort = "low"
	EffortMedium      Effort = "medium"
	EffortHigh        Effort = "high"
)

// ValidEfforts returns the explicit effort values (unspecified is the zero value).
func ValidEfforts() []Effort {
	return []Effort{EffortLow, EffortMedium, EffortHigh}
}

// IsValidEffort returns true if e is a valid effort value, including unspecified.
func IsValidEffort(e Effort) bool {
	switch e {
	case EffortUnspecified, EffortLow, EffortMedium, EffortHigh:
		return true
	default:
		return false
	}
}

// Task represents one issue being driven end-to-end.
type Task struct {
	// ID is the unique identifier (UUID).
	ID string `yaml:"id" json:"id"`

	// Repo is the "owner/name" of the originating repository.
	Repo string `yaml:"repo" json:"repo"`

	// IssueNumber is the issue this task was created from.
	IssueNumber int `yaml:"issue_number" json:"issue_number"`

	// Title is the issue title.
	Title string `yaml:"title" json:"title"`

	// Body is the issue body the planner works from.
	Body string `yaml:"body,omitempty" json:"body,omitempty"`

	// Status is the current state machine position.
	Status Status `yaml:"status" json:"status"`

	// AttemptCount counts failed code/fix passes; bounded by MaxAttempts.
	AttemptCount int `yaml:"attempt_count" json:"attempt_count"`

	// MaxAttempts is the attempt budget before the task fails.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// DefinitionOfDone is produced by the planner.
	DefinitionOfDone []string `yaml:"definition_of_done,omitempty" json:"definition_of_done,omitempty"`

	// Plan is the ordered list of planned steps.
	Plan []string `yaml:"plan,omitempty" json:"plan,omitempty"`

	// TargetFiles is the set of files the plan expects to touch.
	// It doubles as the batch-coalescing fingerprint.
	TargetFiles []string `yaml:"target_files,omitempty" json:"target_files,omitempty"`

	// EstimatedComplexity is the planner's size estimate.
	EstimatedComplexity Complexity `yaml:"estimated_complexity,omitempty" json:"estimated_complexity,omitempty"`

	// EstimatedEffort is the planner's effort estimate.
	EstimatedEffort Effort `yaml:"estimated_effort,omitempty" json:"estimated_effort,omitempty"`

	// BranchName is the working branch, set when coding produces a diff.
	BranchName string `yaml:"branch_name,omitempty" json:"branch_name,omitempty"`

	// CurrentDiff is the latest unified diff for the task.
	CurrentDiff string `yaml:"current_diff,omitempty" json:"current_diff,omitempty"`

	// CommitMessage is the message for the task's commit.
	CommitMessage string `yaml:"commit_message,omitempty" json:"commit_message,omitempty"`

	// PRNumber and PRURL identify the opened pull request.
	PRNumber int    `yaml:"pr_number,omitempty" json:"pr_number,omitempty"`
	PRURL    string `yaml:"pr_url,omitempty" json:"pr_url,omitempty"`

	// LastError holds a short human message for the most recent failure.
	LastError string `yaml:"last_error,omitempty" json:"last_error,omitempty"`

	// JobID links the task to a job, if it belongs to one.
	JobID string `yaml:"job_id,omitempty" json:"job_id,omitempty"`

	// BatchID links the task to its active batch, if any.
	BatchID string `yaml:"batch_id,omitempty" json:"batch_id,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	// UpdatedAt is when the task was last updated.
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// New creates a task in the NEW state for the given issue.
func New(repo string, issueNumber int, title, body string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Repo:        repo,
		IssueNumber: issueNumber,
		Title:       title,
		Body:        body,
		Status:      StatusNew,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsSuspended returns true if the task is parked waiting for an external event.
func (t *Task) IsSuspended() bool {
	return t.Status.IsSuspension()
}

// AttemptsExhausted reports whether the attempt budget is spent.
func (t *Task) AttemptsExhausted() bool {
	return t.AttemptCount >= t.MaxAttempts
}

// HasBatch reports whether the task currently belongs to a batch.
func (t *Task) HasBatch() bool {
	return t.BatchID != ""
}

// Summary is the list-view projection of a task: the large text fields
// (body, diff, plan) are omitted.
type Summary struct {
	ID                  string     `json:"id"`
	Repo                string     `json:"repo"`
	IssueNumber         int        `json:"issue_number"`
	Title               string     `json:"title"`
	Status              Status     `json:"status"`
	AttemptCount        int        `json:"attempt_count"`
	MaxAttempts         int        `json:"max_attempts"`
	EstimatedComplexity Complexity `json:"estimated_complexity,omitempty"`
	EstimatedEffort     Effort     `json:"estimated_effort,omitempty"`
	BranchName          string     `json:"branch_name,omitempty"`
	PRNumber            int        `json:"pr_number,omitempty"`
	PRURL               string     `json:"pr_url,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	JobID               string     `json:"job_id,omitempty"`
	BatchID             string     `json:"batch_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Summarize projects the task into its list form.
func (t *Task) Summarize() Summary {
	return Summary{
		ID:                  t.ID,
		Repo:                t.Repo,
		IssueNumber:         t.IssueNumber,
		Title:               t.Title,
		Status:              t.Status,
		AttemptCount:        t.AttemptCount,
		MaxAttempts:         t.MaxAttempts,
		EstimatedComplexity: t.EstimatedComplexity,
		EstimatedEffort:     t.EstimatedEffort,
		BranchName:          t.BranchName,
		PRNumber:            t.PRNumber,
		PRURL:               t.PRURL,
		LastError:           t.LastError,
		JobID:               t.JobID,
		BatchID:             t.BatchID,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.DefinitionOfDone = append([]string(nil), t.DefinitionOfDone...)
	c.Plan = append([]string(nil), t.Plan...)
	c.TargetFiles = append([]string(nil), t.TargetFiles...)
	return &c
}
