// Package store persists tasks, jobs, batches, and model routing over the
// db layer. All methods take a context and rebind placeholders per dialect
// through db.DB. Transient backing-store failures are retried with bounded
// exponential backoff; exhausting the retry budget surfaces a STORE_PERMANENT
// error that callers treat as fatal.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/halverson/autodev/internal/db"
	autoerrors "github.com/halverson/autodev/internal/errors"
)

const (
	// retryAttempts bounds how many times a transient failure is retried.
	retryAttempts = 3

	// retryBaseDelay is doubled on each retry: 50ms, 100ms.
	retryBaseDelay = 50 * time.Millisecond

	// timeFormat stores UTC timestamps as fixed-width text so lexicographic
	// order matches chronological order in both dialects.
	timeFormat = "2006-01-02 15:04:05.000000000"
)

// errConflict marks an optimistic-concurrency miss. It is transient: the
// retry loop re-reads and re-applies.
var errConflict = stderrors.New("concurrent update conflict")

// Store provides task, job, batch, and model-config persistence.
type Store struct {
	db     *db.DB
	logger *slog.Logger
}

// New creates a store over an open database.
func New(database *db.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: database, logger: logger}
}

// DB exposes the underlying database, for schema-level maintenance commands.
func (s *Store) DB() *db.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs fn up to retryAttempts times, backing off between tries.
// Domain errors (not found, invalid transition, validation) are never
// retried. When the budget is spent, the last error is wrapped as
// STORE_PERMANENT.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return autoerrors.ErrCancelled(op).WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		s.logger.Warn("store operation failed, retrying",
			"op", op, "attempt", attempt+1, "error", lastErr)
	}
	return autoerrors.ErrStorePermanent(op, lastErr)
}

// retryable reports whether an error is worth another attempt. Structured
// domain errors and context cancellation are final; everything else
// (locked database, dropped connection) is assumed transient.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return false
	}
	if stderrors.Is(err, errConflict) {
		return true
	}
	if ae := autoerrors.AsError(err); ae != nil {
		return ae.Transient()
	}
	return true
}

// formatTime renders a timestamp in the canonical storage format.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime parses stored timestamps, tolerating reduced precision from
// older rows. Returns the zero time if nothing matches.
func parseTime(s string) time.Time {
	formats := []string{
		timeFormat,
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		time.RFC3339,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// marshalStrings encodes a string slice as a JSON array column value.
func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStrings decodes a JSON array column value, tolerating malformed
// rows by returning nil.
func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// marshalMetadata encodes event metadata as a JSON object column value.
func marshalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// unmarshalMetadata decodes an event metadata column value.
func unmarshalMetadata(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
