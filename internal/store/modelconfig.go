package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/halverson/autodev/internal/task"
)

// GetModelConfig returns the configured model for a position, or "" when the
// position has no override and the caller should fall back to defaults.
func (s *Store) GetModelConfig(ctx context.Context, position string) (string, error) {
	var modelID string
	err := s.withRetry(ctx, "get model config", func() error {
		row := s.db.QueryRow(ctx, `SELECT model_id FROM model_config WHERE position = ?`, position)
		if err := row.Scan(&modelID); err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				modelID = ""
				return nil
			}
			return fmt.Errorf("get model config %s: %w", position, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return modelID, nil
}

// SetModelConfig upserts the model for a position.
func (s *Store) SetModelConfig(ctx context.Context, position, modelID string) error {
	now := formatTime(time.Now().UTC())
	return s.withRetry(ctx, "set model config", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO model_config (position, model_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(position) DO UPDATE SET
				model_id = excluded.model_id,
				updated_at = excluded.updated_at`,
			position, modelID, now)
		if err != nil {
			return fmt.Errorf("set model config %s: %w", position, err)
		}
		return nil
	})
}

// ListModelConfigs returns all configured positions, sorted by position.
func (s *Store) ListModelConfigs(ctx context.Context) ([]task.ModelConfig, error) {
	var configs []task.ModelConfig
	err := s.withRetry(ctx, "list model configs", func() error {
		rows, err := s.db.Query(ctx, `
			SELECT position, model_id, updated_at FROM model_config ORDER BY position ASC`)
		if err != nil {
			return fmt.Errorf("list model configs: %w", err)
		}
		defer rows.Close()

		configs = configs[:0]
		for rows.Next() {
			var mc task.ModelConfig
			var updatedAt string
			if err := rows.Scan(&mc.Position, &mc.ModelID, &updatedAt); err != nil {
				return fmt.Errorf("scan model config: %w", err)
			}
			mc.UpdatedAt = parseTime(updatedAt)
			configs = append(configs, mc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return configs, nil
}
