package store

import (
	"context"
	"fmt"
	"time"
)

// DropCount is the running tally of ingress events rejected for one repo.
type DropCount struct {
	Repo     string    `json:"repo"`
	Count    int64     `json:"drop_count"`
	LastSeen time.Time `json:"last_seen"`
}

// RecordDrop increments the drop counter for a repo that failed the
// allowlist. Dropping is silent toward the sender; the counter is the only
// trace.
func (s *Store) RecordDrop(ctx context.Context, repo string) error {
	now := formatTime(time.Now().UTC())
	return s.withRetry(ctx, "record drop", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO ingress_drops (repo, drop_count, last_seen)
			VALUES (?, 1, ?)
			ON CONFLICT(repo) DO UPDATE SET
				drop_count = ingress_drops.drop_count + 1,
				last_seen = excluded.last_seen`,
			repo, now)
		if err != nil {
			return fmt.Errorf("record drop for %s: %w", repo, err)
		}
		return nil
	})
}

// ListDrops returns drop counters for all rejected repos, highest first.
func (s *Store) ListDrops(ctx context.Context) ([]DropCount, error) {
	var drops []DropCount
	err := s.withRetry(ctx, "list drops", func() error {
		rows, err := s.db.Query(ctx, `
			SELECT repo, drop_count, last_seen FROM ingress_drops
			ORDER BY drop_count DESC, repo ASC`)
		if err != nil {
			return fmt.Errorf("list drops: %w", err)
		}
		defer rows.Close()

		drops = drops[:0]
		for rows.Next() {
			var d DropCount
			var lastSeen string
			if err := rows.Scan(&d.Repo, &d.Count, &lastSeen); err != nil {
				return fmt.Errorf("scan drop: %w", err)
			}
			d.LastSeen = parseTime(lastSeen)
			drops = append(drops, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return drops, nil
}
