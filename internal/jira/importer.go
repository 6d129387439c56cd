package jira

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// ImportConfig controls one import run.
type ImportConfig struct {
	// Repo is the "owner/repo" the imported tasks will change.
	Repo string
	// Project is the Jira project key to import from. One project per
	// run: the numeric part of the Jira key becomes the task's issue
	// number, and the project scopes its uniqueness.
	Project string
	// JQL optionally narrows the selection further.
	JQL string
	// MaxAttempts overrides the default fix budget when positive.
	MaxAttempts int
	// DryRun counts what would happen without writing anything.
	DryRun bool
}

// searchFunc fetches issues for a JQL query. Tests inject fakes.
type searchFunc func(ctx context.Context, jql string) ([]Issue, error)

// Importer turns Jira issues into tasks.
type Importer struct {
	store  *store.Store
	cfg    ImportConfig
	logger *slog.Logger
	search searchFunc
}

// NewImporter wires an importer to a live client.
func NewImporter(client *Client, st *store.Store, cfg ImportConfig, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:  st,
		cfg:    cfg,
		logger: logger,
		search: client.SearchAllIssues,
	}
}

// Run executes the import. Epics and issues Jira already considers done
// are skipped; per-issue failures land in the result, not the error.
func (imp *Importer) Run(ctx context.Context) (*ImportResult, error) {
	if imp.cfg.Repo == "" {
		return nil, fmt.Errorf("import repo is required")
	}
	if imp.cfg.Project == "" {
		return nil, fmt.Errorf("jira project is required")
	}

	jql := imp.buildJQL()
	imp.logger.Info("searching jira", "jql", jql)
	issues, err := imp.search(ctx, jql)
	if err != nil {
		return nil, fmt.Errorf("search jira issues: %w", err)
	}
	imp.logger.Info("issues fetched", "count", len(issues))

	result := &ImportResult{}
	for _, issue := range issues {
		if issue.IsEpic() || issue.Done() {
			result.Skipped++
			continue
		}
		if err := imp.importIssue(ctx, issue, result); err != nil {
			result.Errors = append(result.Errors, ImportError{Key: issue.Key, Err: err})
		}
	}
	return result, nil
}

// importIssue creates the task for an issue, or refreshes its title and
// body when the existing task has not been started. Tasks the pipeline
// already touched stay untouched, which is what makes reruns safe.
func (imp *Importer) importIssue(ctx context.Context, issue Issue, result *ImportResult) error {
	number, err := issueNumber(issue.Key)
	if err != nil {
		return err
	}

	title := issue.Summary
	body := renderBody(issue)

	existing, err := imp.store.FindTaskByIssue(ctx, imp.cfg.Repo, number)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status != task.StatusNew {
			result.Skipped++
			return nil
		}
		if existing.Title == title && existing.Body == body {
			result.Skipped++
			return nil
		}
		if !imp.cfg.DryRun {
			if _, err := imp.store.UpdateTask(ctx, existing.ID, store.TaskPatch{Title: &title, Body: &body}); err != nil {
				return err
			}
			imp.logger.Info("task refreshed", "task", existing.ID, "jira_key", issue.Key)
		}
		result.Updated++
		return nil
	}

	t := task.New(imp.cfg.Repo, number, title, body)
	if imp.cfg.MaxAttempts > 0 {
		t.MaxAttempts = imp.cfg.MaxAttempts
	}
	if imp.cfg.DryRun {
		result.Created++
		return nil
	}
	if err := imp.store.CreateTask(ctx, t); err != nil {
		return err
	}
	imp.store.AppendEvent(ctx, &task.Event{
		TaskID:        t.ID,
		Type:          task.EventCreated,
		Agent:         "jira-import",
		OutputSummary: issue.Summary,
		Metadata:      map[string]any{"jira_key": issue.Key},
	})
	imp.logger.Info("task created", "task", t.ID, "jira_key", issue.Key, "issue", number)
	result.Created++
	return nil
}

// buildJQL scopes the search to the project plus the optional filter.
func (imp *Importer) buildJQL() string {
	parts := []string{fmt.Sprintf("project = %q", imp.cfg.Project)}
	if imp.cfg.JQL != "" {
		parts = append(parts, imp.cfg.JQL)
	}
	return strings.Join(parts, " AND ") + " ORDER BY created ASC"
}

// issueNumber extracts the numeric part of a Jira key: "PROJ-123" -> 123.
func issueNumber(key string) (int, error) {
	idx := strings.LastIndexByte(key, '-')
	if idx < 0 || idx == len(key)-1 {
		return 0, fmt.Errorf("jira key %q has no issue number", key)
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("jira key %q has no issue number", key)
	}
	return n, nil
}

// renderBody folds the converted description and a provenance line into
// the task body.
func renderBody(issue Issue) string {
	var b strings.Builder
	if issue.Description != "" {
		b.WriteString(issue.Description)
		b.WriteString("\n\n")
	}
	b.WriteString("Imported from Jira ")
	b.WriteString(issue.Key)
	if issue.Priority != "" {
		b.WriteString(" (priority ")
		b.WriteString(issue.Priority)
		b.WriteString(")")
	}
	return b.String()
}
