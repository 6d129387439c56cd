package task

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the lifecycle of a batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// ValidBatchStatuses returns all valid batch status values.
func ValidBatchStatuses() []BatchStatus {
	return []BatchStatus{BatchPending, BatchProcessing, BatchCompleted, BatchFailed}
}

// IsValidBatchStatus returns true if s is a valid batch status value.
func IsValidBatchStatus(s BatchStatus) bool {
	switch s {
	case BatchPending, BatchProcessing, BatchCompleted, BatchFailed:
		return true
	default:
		return false
	}
}

// IsActive returns true while the batch can still accept or process tasks.
func (s BatchStatus) IsActive() bool {
	return s == BatchPending || s == BatchProcessing
}

// Batch is an ephemeral grouping of tasks whose diffs are merged into one PR.
type Batch struct {
	ID          string      `json:"id"`
	Repo        string      `json:"repo"`
	BaseBranch  string      `json:"base_branch"`
	Status      BatchStatus `json:"status"`
	TargetFiles []string    `json:"target_files"`
	TaskIDs     []string    `json:"task_ids"`
	PRURL       string      `json:"pr_url,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NewBatch creates a pending batch for the given repo and base branch.
func NewBatch(repo, baseBranch string) *Batch {
	return &Batch{
		ID:         uuid.NewString(),
		Repo:       repo,
		BaseBranch: baseBranch,
		Status:     BatchPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// NormalizeFingerprint canonicalizes a target-file set: cleaned slash paths,
// deduplicated, sorted. Two tasks overlap when their normalized sets intersect.
func NormalizeFingerprint(files []string) []string {
	seen := make(map[string]bool, len(files))
	var out []string
	for _, f := range files {
		f = path.Clean(strings.TrimSpace(strings.ReplaceAll(f, "\\", "/")))
		f = strings.TrimPrefix(f, "./")
		if f == "" || f == "." {
			continue
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// FingerprintsOverlap reports whether two normalized target-file sets share
// at least one path.
func FingerprintsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		if set[f] {
			return true
		}
	}
	return false
}

// MergeFingerprints unions two normalized target-file sets.
func MergeFingerprints(a, b []string) []string {
	return NormalizeFingerprint(append(append([]string(nil), a...), b...))
}
