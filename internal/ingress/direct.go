package ingress

import (
	"context"
	"fmt"

	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// ImportIssue creates the task for one issue, or returns the live task
// that already covers it. This is the API and CLI entry point; unlike
// Handle it reports allowlist rejections to the caller instead of
// dropping them silently.
func (in *Ingress) ImportIssue(ctx context.Context, repo string, issueNumber int) (*task.Task, error) {
	if repo == "" || issueNumber <= 0 {
		return nil, fmt.Errorf("%w: repo and issue_number are required", ErrBadEvent)
	}
	if !in.cfg.RepoAllowed(repo) {
		return nil, autoerrors.ErrRepoNotAllowed(repo)
	}
	issue, err := in.forge.FetchIssue(ctx, repo, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch issue %s#%d: %w", repo, issueNumber, err)
	}
	return in.ensureTask(ctx, repo, *issue)
}

// FormJob creates tasks for the named issues and groups them under a
// fresh job. A task already under another live job is re-pointed at the
// new one; the old job settles on its next recount. Duplicate issue
// numbers collapse to one member.
func (in *Ingress) FormJob(ctx context.Context, repo string, issueNumbers []int) (*task.Job, error) {
	if repo == "" || len(issueNumbers) == 0 {
		return nil, fmt.Errorf("%w: repo and issue_numbers are required", ErrBadEvent)
	}
	if !in.cfg.RepoAllowed(repo) {
		return nil, autoerrors.ErrRepoNotAllowed(repo)
	}

	ids := make([]string, 0, len(issueNumbers))
	seen := make(map[int]bool, len(issueNumbers))
	for _, number := range issueNumbers {
		if number <= 0 {
			return nil, fmt.Errorf("%w: issue_number %d", ErrBadEvent, number)
		}
		if seen[number] {
			continue
		}
		seen[number] = true
		issue, err := in.forge.FetchIssue(ctx, repo, number)
		if err != nil {
			return nil, fmt.Errorf("fetch issue %s#%d: %w", repo, number, err)
		}
		t, err := in.ensureTask(ctx, repo, *issue)
		if err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}

	j := task.NewJob(repo, ids)
	if err := in.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := in.store.UpdateTask(ctx, id, store.TaskPatch{JobID: &j.ID}); err != nil {
			return nil, err
		}
	}
	in.emitter.JobUpdated(j)
	in.logger.Info("job created", "job", j.ID, "repo", repo, "tasks", len(ids))
	return j, nil
}

// Refresh polls external state for a suspended task: a TESTING task gets
// a fresh CI verdict, a PR_CREATED or WAITING_HUMAN task gets a merge
// check. Every other status returns unchanged. Webhooks deliver the same
// conclusions push-style; Refresh is the pull fallback for deployments
// without them.
func (in *Ingress) Refresh(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := in.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case task.StatusTesting:
		if t.BranchName == "" {
			return t, nil
		}
		status, failed := in.checksVerdict(ctx, t.Repo, &CheckRunEvent{HeadBranch: t.BranchName})
		if err := in.concludeTests(ctx, t, status, failed); err != nil {
			return nil, err
		}
	case task.StatusPRCreated, task.StatusWaitingHuman:
		if t.PRNumber <= 0 {
			return t, nil
		}
		pr, err := in.forge.GetPR(ctx, t.Repo, t.PRNumber)
		if err != nil {
			return nil, fmt.Errorf("get pr %s#%d: %w", t.Repo, t.PRNumber, err)
		}
		if !pr.Merged {
			return t, nil
		}
		if err := in.completeTask(ctx, t, t.PRNumber); err != nil {
			return nil, err
		}
	default:
		return t, nil
	}
	return in.store.GetTask(ctx, taskID)
}
