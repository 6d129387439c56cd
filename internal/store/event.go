package store

import (
	"context"
	"fmt"
	"time"

	"github.com/halverson/autodev/internal/task"
)

// AppendEvent records an audit entry for a task. It never interrupts the
// caller: failures after the retry budget are logged and swallowed, since
// losing one audit row must not fail a driver step. On success the event's
// ID and CreatedAt are filled in.
func (s *Store) AppendEvent(ctx context.Context, ev *task.Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := s.withRetry(ctx, "append event", func() error {
		res, err := s.db.Exec(ctx, `
			INSERT INTO task_events (task_id, event_type, agent, output_summary, tokens_used, duration_ms, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.TaskID, string(ev.Type), ev.Agent, ev.OutputSummary,
			ev.TokensUsed, ev.DurationMS, marshalMetadata(ev.Metadata), formatTime(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert event for task %s: %w", ev.TaskID, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			ev.ID = id
		}
		return nil
	})
	if err != nil {
		s.logger.Error("append event failed",
			"task_id", ev.TaskID, "event_type", ev.Type, "error", err)
	}
}

// ListEvents returns a task's audit log in append order.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]task.Event, error) {
	var events []task.Event
	err := s.withRetry(ctx, "list events", func() error {
		rows, err := s.db.Query(ctx, `
			SELECT id, task_id, event_type, agent, output_summary, tokens_used, duration_ms, metadata, created_at
			FROM task_events WHERE task_id = ? ORDER BY id ASC`, taskID)
		if err != nil {
			return fmt.Errorf("list events for task %s: %w", taskID, err)
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var ev task.Event
			var eventType, metadata, createdAt string
			if err := rows.Scan(&ev.ID, &ev.TaskID, &eventType, &ev.Agent,
				&ev.OutputSummary, &ev.TokensUsed, &ev.DurationMS, &metadata, &createdAt); err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			ev.Type = task.EventType(eventType)
			ev.Metadata = unmarshalMetadata(metadata)
			ev.CreatedAt = parseTime(createdAt)
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
