package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/halverson/autodev/internal/db"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/task"
)

const jobColumns = `id, repo, status, task_ids, summary, version, created_at, updated_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, j *task.Job) error {
	summary, err := json.Marshal(j.Summary)
	if err != nil {
		return fmt.Errorf("marshal job summary: %w", err)
	}
	return s.withRetry(ctx, "create job", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			j.ID, j.Repo, string(j.Status), marshalStrings(j.TaskIDs), string(summary),
			formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*task.Job, error) {
	var j *task.Job
	err := s.withRetry(ctx, "get job", func() error {
		row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		got, _, err := scanJob(row)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return autoerrors.ErrJobNotFound(id)
			}
			return fmt.Errorf("get job %s: %w", id, err)
		}
		j = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Repo   string
	Status task.JobStatus
	Limit  int
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*task.Job, error) {
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

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var jobs []*task.Job
	err := s.withRetry(ctx, "list jobs", func() error {
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			j, _, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			jobs = append(jobs, j)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListPendingJobs returns jobs awaiting a runner, oldest first.
func (s *Store) ListPendingJobs(ctx context.Context) ([]*task.Job, error) {
	var jobs []*task.Job
	err := s.withRetry(ctx, "list pending jobs", func() error {
		rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE status = ? ORDER BY created_at ASC, id ASC`, string(task.JobPending))
		if err != nil {
			return fmt.Errorf("list pending jobs: %w", err)
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			j, _, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			jobs = append(jobs, j)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateJob applies mutate to the current job state under a version guard:
// the row is re-read, mutated, and written back only if the version is
// unchanged. A lost race re-runs mutate against fresh state, so mutations
// must be idempotent over the job value they are given.
func (s *Store) UpdateJob(ctx context.Context, id string, mutate func(*task.Job) error) (*task.Job, error) {
	var updated *task.Job
	err := s.withRetry(ctx, "update job", func() error {
		return s.db.RunInTx(ctx, func(tx *db.TxOps) error {
			row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
			j, version, err := scanJob(row)
			if err != nil {
				if stderrors.Is(err, sql.ErrNoRows) {
					return autoerrors.ErrJobNotFound(id)
				}
				return fmt.Errorf("read job %s: %w", id, err)
			}

			if err := mutate(j); err != nil {
				return err
			}
			j.UpdatedAt = time.Now().UTC()

			summary, err := json.Marshal(j.Summary)
			if err != nil {
				return fmt.Errorf("marshal job summary: %w", err)
			}
			res, err := tx.Exec(ctx, `
				UPDATE jobs SET status = ?, task_ids = ?, summary = ?, version = ?, updated_at = ?
				WHERE id = ? AND version = ?`,
				string(j.Status), marshalStrings(j.TaskIDs), string(summary),
				version+1, formatTime(j.UpdatedAt), id, version)
			if err != nil {
				return fmt.Errorf("update job %s: %w", id, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("update job %s: %w", id, err)
			}
			if affected == 0 {
				return errConflict
			}
			updated = j
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// scanJob reads a job row plus its concurrency version.
func scanJob(row scanner) (*task.Job, int64, error) {
	var j task.Job
	var status, taskIDs, summary, createdAt, updatedAt string
	var version int64

	err := row.Scan(&j.ID, &j.Repo, &status, &taskIDs, &summary, &version, &createdAt, &updatedAt)
	if err != nil {
		return nil, 0, err
	}

	j.Status = task.JobStatus(status)
	j.TaskIDs = unmarshalStrings(taskIDs)
	if summary != "" && summary != "{}" {
		if err := json.Unmarshal([]byte(summary), &j.Summary); err != nil {
			return nil, 0, fmt.Errorf("unmarshal job summary: %w", err)
		}
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, version, nil
}
