package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/halverson/autodev/internal/db"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/task"
)

const batchColumns = `id, repo, base_branch, status, target_files, task_ids, pr_url, created_at`

// CreateBatch inserts a new batch row.
func (s *Store) CreateBatch(ctx context.Context, b *task.Batch) error {
	return s.withRetry(ctx, "create batch", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO batches (`+batchColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.Repo, b.BaseBranch, string(b.Status),
			marshalStrings(b.TargetFiles), marshalStrings(b.TaskIDs),
			b.PRURL, formatTime(b.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert batch %s: %w", b.ID, err)
		}
		return nil
	})
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*task.Batch, error) {
	var b *task.Batch
	err := s.withRetry(ctx, "get batch", func() error {
		row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
		got, err := scanBatch(row)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return autoerrors.ErrBatchNotFound(id)
			}
			return fmt.Errorf("get batch %s: %w", id, err)
		}
		b = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FindBatchFor returns the oldest pending batch on the repo and base branch
// whose target files intersect the given fingerprint, or nil when none
// matches. Capacity limits are the coalescer's concern, not the store's.
func (s *Store) FindBatchFor(ctx context.Context, repo, baseBranch string, targetFiles []string) (*task.Batch, error) {
	fingerprint := task.NormalizeFingerprint(targetFiles)
	if len(fingerprint) == 0 {
		return nil, nil
	}

	var found *task.Batch
	err := s.withRetry(ctx, "find batch", func() error {
		rows, err := s.db.Query(ctx, `SELECT `+batchColumns+` FROM batches
			WHERE repo = ? AND base_branch = ? AND status = ?
			ORDER BY created_at ASC, id ASC`,
			repo, baseBranch, string(task.BatchPending))
		if err != nil {
			return fmt.Errorf("find batch for %s: %w", repo, err)
		}
		defer rows.Close()

		found = nil
		for rows.Next() {
			b, err := scanBatch(rows)
			if err != nil {
				return fmt.Errorf("scan batch: %w", err)
			}
			if task.FingerprintsOverlap(b.TargetFiles, fingerprint) {
				found = b
				return nil
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// AddTaskToBatch appends a task to a pending batch and unions its target
// files into the batch fingerprint, atomically. Fails with BATCH_NOT_FOUND
// if the batch no longer exists or is no longer pending.
func (s *Store) AddTaskToBatch(ctx context.Context, batchID, taskID string, targetFiles []string) (*task.Batch, error) {
	var updated *task.Batch
	err := s.withRetry(ctx, "add task to batch", func() error {
		return s.db.RunInTx(ctx, func(tx *db.TxOps) error {
			row := tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, batchID)
			b, err := scanBatch(row)
			if err != nil {
				if stderrors.Is(err, sql.ErrNoRows) {
					return autoerrors.ErrBatchNotFound(batchID)
				}
				return fmt.Errorf("read batch %s: %w", batchID, err)
			}
			if b.Status != task.BatchPending {
				return autoerrors.ErrBatchNotFound(batchID)
			}

			for _, existing := range b.TaskIDs {
				if existing == taskID {
					updated = b
					return nil
				}
			}
			b.TaskIDs = append(b.TaskIDs, taskID)
			b.TargetFiles = task.MergeFingerprints(b.TargetFiles, targetFiles)

			res, err := tx.Exec(ctx, `
				UPDATE batches SET task_ids = ?, target_files = ?
				WHERE id = ? AND status = ?`,
				marshalStrings(b.TaskIDs), marshalStrings(b.TargetFiles),
				batchID, string(task.BatchPending))
			if err != nil {
				return fmt.Errorf("update batch %s: %w", batchID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("update batch %s: %w", batchID, err)
			}
			if affected == 0 {
				return errConflict
			}
			updated = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClaimBatch moves a pending batch to processing. Returns false when the
// batch was already claimed or closed, so only one worker processes it.
func (s *Store) ClaimBatch(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := s.withRetry(ctx, "claim batch", func() error {
		res, err := s.db.Exec(ctx, `
			UPDATE batches SET status = ? WHERE id = ? AND status = ?`,
			string(task.BatchProcessing), id, string(task.BatchPending))
		if err != nil {
			return fmt.Errorf("claim batch %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim batch %s: %w", id, err)
		}
		claimed = affected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// CloseBatch finalizes a batch with a terminal status and, on success, the
// PR that carries the combined change.
func (s *Store) CloseBatch(ctx context.Context, id string, status task.BatchStatus, prURL string) error {
	return s.withRetry(ctx, "close batch", func() error {
		res, err := s.db.Exec(ctx, `
			UPDATE batches SET status = ?, pr_url = ? WHERE id = ?`,
			string(status), prURL, id)
		if err != nil {
			return fmt.Errorf("close batch %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("close batch %s: %w", id, err)
		}
		if affected == 0 {
			return autoerrors.ErrBatchNotFound(id)
		}
		return nil
	})
}

// ListOpenBatches returns pending batches, oldest first. Repo narrows the
// result when non-empty.
func (s *Store) ListOpenBatches(ctx context.Context, repo string) ([]*task.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE status = ?`
	args := []any{string(task.BatchPending)}
	if repo != "" {
		query += " AND repo = ?"
		args = append(args, repo)
	}
	query += " ORDER BY created_at ASC, id ASC"

	var batches []*task.Batch
	err := s.withRetry(ctx, "list open batches", func() error {
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list open batches: %w", err)
		}
		defer rows.Close()

		batches = batches[:0]
		for rows.Next() {
			b, err := scanBatch(rows)
			if err != nil {
				return fmt.Errorf("scan batch: %w", err)
			}
			batches = append(batches, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// ListDueBatches returns pending batches created at or before the cutoff,
// oldest first. The coalescer processes these on its timeout path.
func (s *Store) ListDueBatches(ctx context.Context, cutoff time.Time) ([]*task.Batch, error) {
	var batches []*task.Batch
	err := s.withRetry(ctx, "list due batches", func() error {
		rows, err := s.db.Query(ctx, `SELECT `+batchColumns+` FROM batches
			WHERE status = ? AND created_at <= ?
			ORDER BY created_at ASC, id ASC`,
			string(task.BatchPending), formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("list due batches: %w", err)
		}
		defer rows.Close()

		batches = batches[:0]
		for rows.Next() {
			b, err := scanBatch(rows)
			if err != nil {
				return fmt.Errorf("scan batch: %w", err)
			}
			batches = append(batches, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func scanBatch(row scanner) (*task.Batch, error) {
	var b task.Batch
	var status, targetFiles, taskIDs, createdAt string

	err := row.Scan(&b.ID, &b.Repo, &b.BaseBranch, &status, &targetFiles, &taskIDs, &b.PRURL, &createdAt)
	if err != nil {
		return nil, err
	}

	b.Status = task.BatchStatus(status)
	b.TargetFiles = unmarshalStrings(targetFiles)
	b.TaskIDs = unmarshalStrings(taskIDs)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}
