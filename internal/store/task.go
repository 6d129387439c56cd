package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/halverson/autodev/internal/db"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/task"
)

const taskColumns = `id, repo, issue_number, title, body, status, attempt_count, max_attempts,
	definition_of_done, plan, target_files, estimated_complexity, estimated_effort,
	branch_name, current_diff, commit_message, pr_number, pr_url, last_error,
	job_id, batch_id, created_at, updated_at`

// TaskPatch describes a partial task update. Nil fields are left untouched.
// A status change is validated against the transition table before the write.
type TaskPatch struct {
	Status              *task.Status
	AttemptCount        *int
	MaxAttempts         *int
	Title               *string
	Body                *string
	DefinitionOfDone    *[]string
	Plan                *[]string
	TargetFiles         *[]string
	EstimatedComplexity *task.Complexity
	EstimatedEffort     *task.Effort
	BranchName          *string
	CurrentDiff         *string
	CommitMessage       *string
	PRNumber            *int
	PRURL               *string
	LastError           *string
	JobID               *string
	BatchID             *string
}

// isEmpty reports whether the patch changes nothing.
func (p TaskPatch) isEmpty() bool {
	return p == TaskPatch{}
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	return s.withRetry(ctx, "create task", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Repo, t.IssueNumber, t.Title, t.Body, string(t.Status),
			t.AttemptCount, t.MaxAttempts,
			marshalStrings(t.DefinitionOfDone), marshalStrings(t.Plan), marshalStrings(t.TargetFiles),
			string(t.EstimatedComplexity), string(t.EstimatedEffort),
			t.BranchName, t.CurrentDiff, t.CommitMessage, t.PRNumber, t.PRURL, t.LastError,
			t.JobID, t.BatchID, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		return nil
	})
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := s.withRetry(ctx, "get task", func() error {
		row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		got, err := scanTask(row)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return autoerrors.ErrTaskNotFound(id)
			}
			return fmt.Errorf("get task %s: %w", id, err)
		}
		t = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTask applies a patch atomically. A status change is pre-checked
// against the transition table and rejected with INVALID_TRANSITION when
// disallowed; that rejection is never retried. A patch that repeats the
// current status and changes nothing else is a no-op: no write, no
// updated_at bump. Returns the task as persisted.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*task.Task, error) {
	var updated *task.Task
	err := s.withRetry(ctx, "update task", func() error {
		return s.db.RunInTx(ctx, func(tx *db.TxOps) error {
			row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
			current, err := scanTask(row)
			if err != nil {
				if stderrors.Is(err, sql.ErrNoRows) {
					return autoerrors.ErrTaskNotFound(id)
				}
				return fmt.Errorf("read task %s: %w", id, err)
			}

			effective := patch
			if effective.Status != nil && *effective.Status == current.Status {
				// Same-status patch: nothing to transition.
				effective.Status = nil
			}
			if effective.isEmpty() {
				updated = current
				return nil
			}
			if effective.Status != nil && !task.CanTransition(current.Status, *effective.Status) {
				return autoerrors.ErrInvalidTransition(id, string(current.Status), string(*effective.Status))
			}

			next := applyPatch(current, effective)
			next.UpdatedAt = time.Now().UTC()

			res, err := tx.Exec(ctx, `
				UPDATE tasks SET
					status = ?, attempt_count = ?, max_attempts = ?,
					title = ?, body = ?,
					definition_of_done = ?, plan = ?, target_files = ?,
					estimated_complexity = ?, estimated_effort = ?,
					branch_name = ?, current_diff = ?, commit_message = ?,
					pr_number = ?, pr_url = ?, last_error = ?,
					job_id = ?, batch_id = ?, updated_at = ?
				WHERE id = ? AND status = ?`,
				string(next.Status), next.AttemptCount, next.MaxAttempts,
				next.Title, next.Body,
				marshalStrings(next.DefinitionOfDone), marshalStrings(next.Plan), marshalStrings(next.TargetFiles),
				string(next.EstimatedComplexity), string(next.EstimatedEffort),
				next.BranchName, next.CurrentDiff, next.CommitMessage,
				next.PRNumber, next.PRURL, next.LastError,
				next.JobID, next.BatchID, formatTime(next.UpdatedAt),
				id, string(current.Status))
			if err != nil {
				return fmt.Errorf("update task %s: %w", id, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("update task %s: %w", id, err)
			}
			if affected == 0 {
				// Status moved under us between read and write.
				return errConflict
			}
			updated = next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyPatch overlays non-nil patch fields onto a copy of the task.
func applyPatch(t *task.Task, p TaskPatch) *task.Task {
	next := t.Clone()
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.AttemptCount != nil {
		next.AttemptCount = *p.AttemptCount
	}
	if p.MaxAttempts != nil {
		next.MaxAttempts = *p.MaxAttempts
	}
	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.Body != nil {
		next.Body = *p.Body
	}
	if p.DefinitionOfDone != nil {
		next.DefinitionOfDone = append([]string(nil), (*p.DefinitionOfDone)...)
	}
	if p.Plan != nil {
		next.Plan = append([]string(nil), (*p.Plan)...)
	}
	if p.TargetFiles != nil {
		next.TargetFiles = append([]string(nil), (*p.TargetFiles)...)
	}
	if p.EstimatedComplexity != nil {
		next.EstimatedComplexity = *p.EstimatedComplexity
	}
	if p.EstimatedEffort != nil {
		next.EstimatedEffort = *p.EstimatedEffort
	}
	if p.BranchName != nil {
		next.BranchName = *p.BranchName
	}
	if p.CurrentDiff != nil {
		next.CurrentDiff = *p.CurrentDiff
	}
	if p.CommitMessage != nil {
		next.CommitMessage = *p.CommitMessage
	}
	if p.PRNumber != nil {
		next.PRNumber = *p.PRNumber
	}
	if p.PRURL != nil {
		next.PRURL = *p.PRURL
	}
	if p.LastError != nil {
		next.LastError = *p.LastError
	}
	if p.JobID != nil {
		next.JobID = *p.JobID
	}
	if p.BatchID != nil {
		next.BatchID = *p.BatchID
	}
	return next
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Repo    string
	Status  task.Status
	JobID   string
	BatchID string
	Limit   int
	Offset  int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	var where []string
	var args []any
	if filter.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	var tasks []*task.Task
	err := s.withRetry(ctx, "list tasks", func() error {
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListPending returns tasks in states the driver can advance: not terminal
// and not suspended, oldest first so earlier work drains first.
func (s *Store) ListPending(ctx context.Context) ([]*task.Task, error) {
	excluded := []task.Status{
		task.StatusCompleted, task.StatusFailed,
		task.StatusWaitingHuman, task.StatusWaitingBatch, task.StatusPRCreated,
	}
	placeholders := make([]string, len(excluded))
	args := make([]any, len(excluded))
	for i, st := range excluded {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status NOT IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC, id ASC`

	var tasks []*task.Task
	err := s.withRetry(ctx, "list pending tasks", func() error {
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list pending tasks: %w", err)
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// FindTaskByIssue returns the most recent task for a repo issue, or nil when
// none exists. Ingress uses it to dedupe re-labeled issues.
func (s *Store) FindTaskByIssue(ctx context.Context, repo string, issueNumber int) (*task.Task, error) {
	var t *task.Task
	err := s.withRetry(ctx, "find task by issue", func() error {
		row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE repo = ? AND issue_number = ?
			ORDER BY created_at DESC LIMIT 1`, repo, issueNumber)
		got, err := scanTask(row)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				t = nil
				return nil
			}
			return fmt.Errorf("find task by issue %s#%d: %w", repo, issueNumber, err)
		}
		t = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindTaskByPR returns the task that owns a pull request, or nil when none
// exists. Ingress uses it to resolve merge and check-run events.
func (s *Store) FindTaskByPR(ctx context.Context, repo string, prNumber int) (*task.Task, error) {
	var t *task.Task
	err := s.withRetry(ctx, "find task by pr", func() error {
		row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE repo = ? AND pr_number = ?
			ORDER BY created_at DESC LIMIT 1`, repo, prNumber)
		got, err := scanTask(row)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				t = nil
				return nil
			}
			return fmt.Errorf("find task by pr %s#%d: %w", repo, prNumber, err)
		}
		t = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindTasksByBranch returns tasks whose working branch matches, newest
// first. Check-run events carry only a ref, so this is how they map back.
func (s *Store) FindTasksByBranch(ctx context.Context, repo, branch string) ([]*task.Task, error) {
	var tasks []*task.Task
	err := s.withRetry(ctx, "find tasks by branch", func() error {
		rows, err := s.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE repo = ? AND branch_name = ?
			ORDER BY created_at DESC`, repo, branch)
		if err != nil {
			return fmt.Errorf("find tasks by branch %s %s: %w", repo, branch, err)
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var status, complexity, effort string
	var dod, plan, targets string
	var createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.Repo, &t.IssueNumber, &t.Title, &t.Body, &status,
		&t.AttemptCount, &t.MaxAttempts,
		&dod, &plan, &targets, &complexity, &effort,
		&t.BranchName, &t.CurrentDiff, &t.CommitMessage,
		&t.PRNumber, &t.PRURL, &t.LastError,
		&t.JobID, &t.BatchID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.EstimatedComplexity = task.Complexity(complexity)
	t.EstimatedEffort = task.Effort(effort)
	t.DefinitionOfDone = unmarshalStrings(dod)
	t.Plan = unmarshalStrings(plan)
	t.TargetFiles = unmarshalStrings(targets)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
