// Package errors provides structured error types for autodev.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Code represents a unique error code.
type Code string

// Error codes for autodev.
const (
	// State machine errors
	CodeInvalidTransition Code = "INVALID_STATE_TRANSITION"
	CodePrecondition      Code = "PRECONDITION_VIOLATION"

	// Stage handler errors
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeInvalidOutput    Code = "INVALID_OUTPUT"
	CodeModelUnavailable Code = "MODEL_UNAVAILABLE"
	CodeTimedOut         Code = "TIMED_OUT"

	// Driver errors
	CodeCancelled      Code = "CANCELLED"
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"

	// Store errors
	CodeStorePermanent Code = "STORE_PERMANENT"
	CodeTaskNotFound   Code = "TASK_NOT_FOUND"
	CodeJobNotFound    Code = "JOB_NOT_FOUND"
	CodeBatchNotFound  Code = "BATCH_NOT_FOUND"

	// Ingress errors
	CodeRepoNotAllowed Code = "ALLOWLIST_VIOLATION"

	// Lifecycle errors
	CodeTaskRunning  Code = "TASK_RUNNING"
	CodeTaskTerminal Code = "TASK_TERMINAL"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryForbidden
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeInvalidTransition: CategoryConflict,
	CodePrecondition:      CategoryBadRequest,
	CodeValidationFailed:  CategoryInternal,
	CodeInvalidOutput:     CategoryInternal,
	CodeModelUnavailable:  CategoryUnavailable,
	CodeTimedOut:          CategoryTimeout,
	CodeCancelled:         CategoryConflict,
	CodeBudgetExceeded:    CategoryInternal,
	CodeStorePermanent:    CategoryInternal,
	CodeTaskNotFound:      CategoryNotFound,
	CodeJobNotFound:       CategoryNotFound,
	CodeBatchNotFound:     CategoryNotFound,
	CodeRepoNotAllowed:    CategoryForbidden,
	CodeTaskRunning:       CategoryConflict,
	CodeTaskTerminal:      CategoryConflict,
	CodeConfigInvalid:     CategoryBadRequest,
	CodeConfigMissing:     CategoryBadRequest,
}

// recoverableCodes marks errors that drive the attempt counter rather than
// terminating the task outright.
var recoverableCodes = map[Code]bool{
	CodeValidationFailed: true,
	CodeInvalidOutput:    true,
	CodeModelUnavailable: true,
	CodeTimedOut:         true,
}

// transientCodes marks errors worth retrying on a stronger model tier.
var transientCodes = map[Code]bool{
	CodeModelUnavailable: true,
	CodeTimedOut:         true,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryForbidden:
		return 403
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is the structured error type for autodev.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// Recoverable reports whether the task may continue after this error by
// spending an attempt. Fatal errors terminate the task.
func (e *Error) Recoverable() bool {
	return recoverableCodes[e.Code]
}

// Transient reports whether retrying the same step on a stronger model tier
// is worthwhile.
func (e *Error) Transient() bool {
	return transientCodes[e.Code]
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrInvalidTransition reports a status change the state machine forbids.
func ErrInvalidTransition(taskID, from, to string) *Error {
	return &Error{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("task %s cannot move from %s to %s", taskID, from, to),
		Why:  "The transition is not in the state machine's allowed set",
		Fix:  "This is a driver bug; inspect the task's event log to find the step that went off the rails",
	}
}

// ErrPrecondition reports a step whose required fields are missing.
func ErrPrecondition(taskID, action, missing string) *Error {
	return &Error{
		Code: CodePrecondition,
		What: fmt.Sprintf("task %s cannot run %s", taskID, action),
		Why:  fmt.Sprintf("Required field missing: %s", missing),
		Fix:  "Re-run the preceding stage or correct the task record manually",
	}
}

// ErrValidationFailed reports a handler output that did not match its schema.
func ErrValidationFailed(stage, reason string) *Error {
	return &Error{
		Code: CodeValidationFailed,
		What: fmt.Sprintf("%s output rejected", stage),
		Why:  reason,
	}
}

// ErrInvalidOutput reports a malformed or inapplicable diff.
func ErrInvalidOutput(stage, reason string) *Error {
	return &Error{
		Code: CodeInvalidOutput,
		What: fmt.Sprintf("%s produced an invalid diff", stage),
		Why:  reason,
	}
}

// ErrModelUnavailable reports a model call that failed before producing output.
func ErrModelUnavailable(modelID string, cause error) *Error {
	return &Error{
		Code:  CodeModelUnavailable,
		What:  fmt.Sprintf("model %s is unavailable", modelID),
		Why:   "The model endpoint could not be reached or refused the request",
		Fix:   "Check connectivity and credentials; the driver escalates to the next tier automatically",
		Cause: cause,
	}
}

// ErrTimedOut reports a stage call that exceeded its deadline.
func ErrTimedOut(stage string, limit time.Duration) *Error {
	return &Error{
		Code: CodeTimedOut,
		What: fmt.Sprintf("%s stage timed out", stage),
		Why:  fmt.Sprintf("No response within %s", limit),
		Fix:  "Increase agent.timeout_seconds or reduce the task's scope",
	}
}

// ErrCancelled reports a cooperative stop.
func ErrCancelled(what string) *Error {
	return &Error{
		Code: CodeCancelled,
		What: what,
		Why:  "Cancellation was requested for the owning job",
	}
}

// ErrBudgetExceeded reports a step or wall-clock cap being hit.
func ErrBudgetExceeded(taskID, what string) *Error {
	return &Error{
		Code: CodeBudgetExceeded,
		What: fmt.Sprintf("task %s exceeded its budget", taskID),
		Why:  what,
		Fix:  "Break the issue into smaller pieces or raise the driver limits",
	}
}

// ErrStorePermanent reports a persistence failure that survived retries.
func ErrStorePermanent(op string, cause error) *Error {
	return &Error{
		Code:  CodeStorePermanent,
		What:  fmt.Sprintf("store operation %s failed permanently", op),
		Why:   "Three attempts with backoff did not succeed",
		Fix:   "Check the store connection string and the backing database's health",
		Cause: cause,
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *Error {
	return &Error{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists",
		Fix:  "Run 'autodev task list' to see known tasks",
	}
}

// ErrJobNotFound returns an error when a job doesn't exist.
func ErrJobNotFound(id string) *Error {
	return &Error{
		Code: CodeJobNotFound,
		What: fmt.Sprintf("job %s not found", id),
		Why:  "No job with this ID exists",
		Fix:  "Run 'autodev job list' to see known jobs",
	}
}

// ErrBatchNotFound returns an error when a batch doesn't exist.
func ErrBatchNotFound(id string) *Error {
	return &Error{
		Code: CodeBatchNotFound,
		What: fmt.Sprintf("batch %s not found", id),
		Why:  "No batch with this ID exists",
	}
}

// ErrRepoNotAllowed reports an event for a repo outside the allowlist.
func ErrRepoNotAllowed(repo string) *Error {
	return &Error{
		Code: CodeRepoNotAllowed,
		What: fmt.Sprintf("repository %s is not allowlisted", repo),
		Why:  "Only repositories in allowed_repos may create tasks",
		Fix:  "Add the repository to allowed_repos in .autodev/config.yaml",
	}
}

// ErrTaskRunning returns an error when a task is already being driven.
func ErrTaskRunning(id string) *Error {
	return &Error{
		Code: CodeTaskRunning,
		What: fmt.Sprintf("task %s is already running", id),
		Why:  "A driver currently owns this task",
		Fix:  "Wait for the current run to suspend or finish",
	}
}

// ErrTaskTerminal returns an error when a terminal task is asked to move.
func ErrTaskTerminal(id, status string) *Error {
	return &Error{
		Code: CodeTaskTerminal,
		What: fmt.Sprintf("task %s is %s", id, status),
		Why:  "Terminal tasks are immutable",
		Fix:  "Create a fresh task for follow-up work",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .autodev/config.yaml and fix the invalid field",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *Error {
	return &Error{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set in configuration",
		Fix:  fmt.Sprintf("Add '%s' to .autodev/config.yaml", field),
	}
}

// AsError attempts to convert an error to a structured Error.
// Returns nil if the error is not one.
func AsError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf returns the structured code carried by err, or empty.
func CodeOf(err error) Code {
	if e := AsError(err); e != nil {
		return e.Code
	}
	return ""
}

// Wrap wraps a generic error into a structured Error with unknown code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
