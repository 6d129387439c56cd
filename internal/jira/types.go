// Package jira imports issues from a Jira Cloud instance as tasks.
// A JQL search selects the issues; each one becomes a NEW task for the
// configured repo, keyed by the numeric part of its Jira key so reruns
// update instead of duplicate.
package jira

import "time"

// Issue is a Jira issue reduced to the fields the importer consumes.
type Issue struct {
	Key         string // e.g. "PROJ-123"
	Summary     string
	Description string // converted from ADF to markdown
	IssueType   string // "Epic", "Story", "Task", "Bug", "Sub-task"
	IsSubtask   bool
	Status      string // Jira status name, e.g. "In Progress"
	StatusKey   string // status category key: "new", "indeterminate", "done"
	Priority    string
	Labels      []string
	Created     time.Time
	Updated     time.Time
}

// IsEpic reports whether the issue is an Epic. Epics are containers,
// not code changes, so the importer skips them.
func (i Issue) IsEpic() bool {
	return i.IssueType == "Epic"
}

// Done reports whether Jira considers the issue finished.
func (i Issue) Done() bool {
	return i.StatusKey == "done"
}

// ImportResult summarizes one import run.
type ImportResult struct {
	Created int
	Updated int
	Skipped int
	Errors  []ImportError
}

// ImportError records a single issue that could not be imported.
type ImportError struct {
	Key string
	Err error
}

func (e ImportError) Error() string {
	return e.Key + ": " + e.Err.Error()
}
