// Package batch coalesces review-approved tasks whose planned changes
// touch overlapping files into one combined change set and one PR.
//
// Membership is decided inside a per-repo critical section so two tasks
// approved at the same moment cannot form duplicate batches. Processing
// merges the members' diffs additively; any hunk overlap fails the batch
// and the members retry solo.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/diff"
	"github.com/halverson/autodev/internal/events"
	"github.com/halverson/autodev/internal/gitx"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// agentName labels audit events written by the coalescer.
const agentName = "coalescer"

// Coalescer groups review-approved tasks into batches and processes
// pending batches once their members settle or their wait times out.
type Coalescer struct {
	store   *store.Store
	cfg     *config.Config
	emitter *events.Emitter
	logger  *slog.Logger

	mu    sync.Mutex
	repos map[string]*sync.Mutex
}

// New creates a Coalescer over the given store and config.
func New(st *store.Store, cfg *config.Config, emitter *events.Emitter, logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		store:   st,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		repos:   make(map[string]*sync.Mutex),
	}
}

// repoLock returns the mutex serializing batch membership for one repo.
func (c *Coalescer) repoLock(repo string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.repos[repo]
	if !ok {
		l = &sync.Mutex{}
		c.repos[repo] = l
	}
	return l
}

// OnReviewApproved routes a task that just reached REVIEW_APPROVED. It
// either parks the task in WAITING_BATCH (joined or formed a batch) or
// returns it still REVIEW_APPROVED, meaning the caller proceeds to
// testing solo. A task reverted out of a failed batch carries its old
// batch id as a bypass mark: it skips coalescing once and the mark is
// cleared.
func (c *Coalescer) OnReviewApproved(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.Status != task.StatusReviewApproved {
		return t, nil
	}

	if t.BatchID != "" {
		clear := ""
		updated, err := c.store.UpdateTask(ctx, t.ID, store.TaskPatch{BatchID: &clear})
		if err != nil {
			return nil, fmt.Errorf("clear batch bypass mark: %w", err)
		}
		c.logger.Debug("coalescer bypassed", "task_id", t.ID, "former_batch", t.BatchID)
		return updated, nil
	}

	fingerprint := task.NormalizeFingerprint(t.TargetFiles)
	if len(fingerprint) == 0 {
		return t, nil
	}

	lock := c.repoLock(t.Repo)
	lock.Lock()
	defer lock.Unlock()

	base := c.cfg.Git.BaseBranch
	existing, err := c.store.FindBatchFor(ctx, t.Repo, base, fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil && len(existing.TaskIDs) < c.cfg.MaxBatchSize {
		return c.join(ctx, t, existing)
	}

	peers, err := c.overlappingPeers(ctx, t, fingerprint)
	if err != nil {
		return nil, err
	}
	if len(peers)+1 < c.cfg.MinBatchSize {
		return t, nil
	}
	return c.form(ctx, t, peers, base)
}

// overlappingPeers returns other never-batched REVIEW_APPROVED tasks in
// the same repo whose target files intersect the fingerprint, capped so
// the new batch stays within the size bound.
func (c *Coalescer) overlappingPeers(ctx context.Context, t *task.Task, fingerprint []string) ([]*task.Task, error) {
	candidates, err := c.store.ListTasks(ctx, store.TaskFilter{
		Repo:   t.Repo,
		Status: task.StatusReviewApproved,
	})
	if err != nil {
		return nil, fmt.Errorf("list review-approved peers: %w", err)
	}

	var peers []*task.Task
	for _, p := range candidates {
		if p.ID == t.ID || p.BatchID != "" {
			continue
		}
		if !task.FingerprintsOverlap(task.NormalizeFingerprint(p.TargetFiles), fingerprint) {
			continue
		}
		peers = append(peers, p)
		if len(peers)+1 >= c.cfg.MaxBatchSize {
			break
		}
	}
	return peers, nil
}

// join adds t to an existing pending batch.
func (c *Coalescer) join(ctx context.Context, t *task.Task, b *task.Batch) (*task.Task, error) {
	waiting := task.StatusWaitingBatch
	updated, err := c.store.UpdateTask(ctx, t.ID, store.TaskPatch{Status: &waiting, BatchID: &b.ID})
	if err != nil {
		return nil, err
	}

	refreshed, err := c.store.AddTaskToBatch(ctx, b.ID, t.ID, updated.TargetFiles)
	if err != nil {
		// The batch closed between lookup and join; continue solo.
		c.logger.Warn("batch join lost race, reverting", "task_id", t.ID, "batch_id", b.ID, "error", err)
		approved := task.StatusReviewApproved
		clear := ""
		return c.store.UpdateTask(ctx, t.ID, store.TaskPatch{Status: &approved, BatchID: &clear})
	}

	c.emitter.StateChanged(t.ID, task.StatusReviewApproved, task.StatusWaitingBatch)
	c.emitter.BatchUpdated(refreshed)
	c.audit(ctx, t.ID, fmt.Sprintf("joined batch %s (%d tasks)", b.ID, len(refreshed.TaskIDs)), refreshed.ID)
	c.logger.Info("task joined batch", "task_id", t.ID, "batch_id", b.ID, "members", len(refreshed.TaskIDs))
	return updated, nil
}

// form creates a new batch from t and its overlapping peers. Members that
// moved on since the peer scan are skipped; if fewer than the minimum
// remain, the batch dissolves and t continues solo.
func (c *Coalescer) form(ctx context.Context, t *task.Task, peers []*task.Task, base string) (*task.Task, error) {
	b := task.NewBatch(t.Repo, base)
	b.TargetFiles = task.NormalizeFingerprint(t.TargetFiles)
	if err := c.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}

	waiting := task.StatusWaitingBatch
	members := append([]*task.Task{t}, peers...)
	var initiator *task.Task
	joined := 0
	for _, m := range members {
		updated, err := c.store.UpdateTask(ctx, m.ID, store.TaskPatch{Status: &waiting, BatchID: &b.ID})
		if err != nil {
			if m.ID == t.ID {
				return nil, err
			}
			c.logger.Warn("peer slipped away during batch formation", "task_id", m.ID, "batch_id", b.ID, "error", err)
			continue
		}
		if _, err := c.store.AddTaskToBatch(ctx, b.ID, m.ID, updated.TargetFiles); err != nil {
			return nil, fmt.Errorf("add task %s to batch %s: %w", m.ID, b.ID, err)
		}
		if m.ID == t.ID {
			initiator = updated
		}
		joined++
		c.emitter.StateChanged(m.ID, task.StatusReviewApproved, task.StatusWaitingBatch)
		c.audit(ctx, m.ID, fmt.Sprintf("joined batch %s", b.ID), b.ID)
	}

	if joined < c.cfg.MinBatchSize {
		c.logger.Info("batch dissolved below minimum size", "batch_id", b.ID, "joined", joined)
		return c.dissolve(ctx, b, initiator)
	}

	refreshed, err := c.store.GetBatch(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	c.emitter.BatchUpdated(refreshed)
	c.logger.Info("batch formed", "batch_id", b.ID, "repo", b.Repo, "members", joined)
	return initiator, nil
}

// dissolve closes a batch that fizzled during formation and returns the
// initiator to REVIEW_APPROVED without a bypass mark, so it proceeds solo.
func (c *Coalescer) dissolve(ctx context.Context, b *task.Batch, initiator *task.Task) (*task.Task, error) {
	if err := c.store.CloseBatch(ctx, b.ID, task.BatchFailed, ""); err != nil {
		return nil, err
	}
	b.Status = task.BatchFailed
	c.emitter.BatchUpdated(b)

	approved := task.StatusReviewApproved
	clear := ""
	reverted, err := c.store.UpdateTask(ctx, initiator.ID, store.TaskPatch{Status: &approved, BatchID: &clear})
	if err != nil {
		return nil, err
	}
	c.emitter.StateChanged(initiator.ID, task.StatusWaitingBatch, task.StatusReviewApproved)
	return reverted, nil
}

// ProcessDue processes every pending batch that is ready (all members
// settled in WAITING_BATCH) or whose wait has timed out. Called from the
// dispatcher tick.
func (c *Coalescer) ProcessDue(ctx context.Context) error {
	batches, err := c.store.ListOpenBatches(ctx, "")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, b := range batches {
		due := now.Sub(b.CreatedAt) >= c.cfg.BatchTimeout()
		if !due {
			ready, err := c.allMembersWaiting(ctx, b)
			if err != nil {
				c.logger.Error("batch readiness check failed", "batch_id", b.ID, "error", err)
				continue
			}
			if !ready || len(b.TaskIDs) < c.cfg.MinBatchSize {
				continue
			}
		}
		if err := c.Process(ctx, b.ID); err != nil {
			c.logger.Error("batch processing failed", "batch_id", b.ID, "error", err)
		}
	}
	return nil
}

// allMembersWaiting reports whether every member task sits in WAITING_BATCH.
func (c *Coalescer) allMembersWaiting(ctx context.Context, b *task.Batch) (bool, error) {
	for _, id := range b.TaskIDs {
		m, err := c.store.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		if m.Status != task.StatusWaitingBatch {
			return false, nil
		}
	}
	return len(b.TaskIDs) > 0, nil
}

// Process claims one batch and merges its members' diffs. On a clean
// merge the members move to TESTING sharing the combined branch, diff,
// and commit message; any conflict fails the batch and reverts the
// members to REVIEW_APPROVED with a coalescer bypass mark.
func (c *Coalescer) Process(ctx context.Context, batchID string) error {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	lock := c.repoLock(b.Repo)
	lock.Lock()
	claimed, err := c.store.ClaimBatch(ctx, b.ID)
	lock.Unlock()
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	b.Status = task.BatchProcessing
	c.emitter.BatchUpdated(b)

	var members []*task.Task
	for _, id := range b.TaskIDs {
		m, err := c.store.GetTask(ctx, id)
		if err != nil {
			c.logger.Warn("batch member missing", "batch_id", b.ID, "task_id", id, "error", err)
			continue
		}
		if m.Status != task.StatusWaitingBatch {
			c.logger.Warn("batch member not waiting, skipped", "batch_id", b.ID, "task_id", id, "status", m.Status)
			continue
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		b.Status = task.BatchFailed
		c.emitter.BatchUpdated(b)
		return c.store.CloseBatch(ctx, b.ID, task.BatchFailed, "")
	}

	diffs := make([]string, len(members))
	for i, m := range members {
		diffs[i] = m.CurrentDiff
	}
	merged, err := diff.Merge(diffs)
	if err != nil {
		c.logger.Info("batch merge conflict, members retry solo", "batch_id", b.ID, "error", err)
		return c.fail(ctx, b, members, err)
	}
	return c.complete(ctx, b, members, merged)
}

// fail closes a conflicted batch and reverts its members to
// REVIEW_APPROVED. The members keep the batch id as a bypass mark so the
// next coalescer pass sends each straight to testing.
func (c *Coalescer) fail(ctx context.Context, b *task.Batch, members []*task.Task, cause error) error {
	if err := c.store.CloseBatch(ctx, b.ID, task.BatchFailed, ""); err != nil {
		return err
	}

	approved := task.StatusReviewApproved
	for _, m := range members {
		if _, err := c.store.UpdateTask(ctx, m.ID, store.TaskPatch{Status: &approved}); err != nil {
			c.logger.Error("batch member revert failed", "batch_id", b.ID, "task_id", m.ID, "error", err)
			continue
		}
		c.emitter.StateChanged(m.ID, task.StatusWaitingBatch, task.StatusReviewApproved)
		c.audit(ctx, m.ID, fmt.Sprintf("batch %s conflicted, retrying solo: %v", b.ID, cause), b.ID)
	}

	b.Status = task.BatchFailed
	c.emitter.BatchUpdated(b)
	return nil
}

// complete hands the merged change set to every member and closes the
// batch. The members share one branch; the driver publishes it and the
// first PR opened for it covers them all.
func (c *Coalescer) complete(ctx context.Context, b *task.Batch, members []*task.Task, merged string) error {
	branch := gitx.BatchBranchName(b.ID)
	message := CombinedCommitMessage(members)
	testing := task.StatusTesting

	for _, m := range members {
		_, err := c.store.UpdateTask(ctx, m.ID, store.TaskPatch{
			Status:        &testing,
			BranchName:    &branch,
			CurrentDiff:   &merged,
			CommitMessage: &message,
		})
		if err != nil {
			c.logger.Error("batch member handoff failed", "batch_id", b.ID, "task_id", m.ID, "error", err)
			continue
		}
		c.emitter.StateChanged(m.ID, task.StatusWaitingBatch, task.StatusTesting)
		c.audit(ctx, m.ID, fmt.Sprintf("batch %s merged %d diffs onto %s", b.ID, len(members), branch), b.ID)
	}

	if err := c.store.CloseBatch(ctx, b.ID, task.BatchCompleted, ""); err != nil {
		return err
	}
	b.Status = task.BatchCompleted
	c.emitter.BatchUpdated(b)
	c.logger.Info("batch completed", "batch_id", b.ID, "members", len(members), "branch", branch)
	return nil
}

// audit appends a CONSENSUS event for one task's batch decision.
func (c *Coalescer) audit(ctx context.Context, taskID, summary, batchID string) {
	ev := &task.Event{
		TaskID:        taskID,
		Type:          task.EventConsensus,
		Agent:         agentName,
		OutputSummary: summary,
		Metadata:      map[string]any{"batch_id": batchID},
	}
	c.store.AppendEvent(ctx, ev)
	c.emitter.Audit(ev)
}
