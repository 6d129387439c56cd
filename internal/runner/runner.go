// Package runner executes jobs. Each member task is driven through the
// pipeline by a bounded worker pool. Job summary counters are serialized
// through the store's versioned updates, and the job settles into a
// terminal status once every scheduled task has drained.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/driver"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/events"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// Runner drives jobs and solo tasks. Within one process, at most one
// invocation owns a given job or task at a time; cross-process races are
// left to the store's version guards.
type Runner struct {
	store   *store.Store
	driver  *driver.Driver
	cfg     *config.Config
	emitter *events.Emitter
	logger  *slog.Logger

	mu     sync.Mutex
	jobs   map[string]context.CancelFunc
	active map[string]struct{}
}

// New assembles a runner.
func New(st *store.Store, drv *driver.Driver, cfg *config.Config, emitter *events.Emitter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   st,
		driver:  drv,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		jobs:    make(map[string]context.CancelFunc),
		active:  make(map[string]struct{}),
	}
}

// RunJob drives every task in the job with at most max_parallel concurrent
// workers, blocking until all scheduled work has drained. Already-terminal
// jobs, and jobs this process is already running, are returned unchanged.
func (r *Runner) RunJob(ctx context.Context, jobID string) (*task.Job, error) {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return j, nil
	}

	jobCtx, cancel, claimed := r.claimJob(ctx, jobID)
	if !claimed {
		return j, nil
	}
	defer r.releaseJob(jobID, cancel)

	j, err = r.begin(ctx, j)
	if err != nil {
		return nil, err
	}
	r.emitter.JobUpdated(j)
	r.logger.Info("job started",
		"job", j.ID, "repo", j.Repo, "tasks", len(j.TaskIDs),
		"max_parallel", r.cfg.MaxParallel, "continue_on_error", r.cfg.ContinueOnError)

	sem := semaphore.NewWeighted(int64(r.cfg.MaxParallel))
	var wg sync.WaitGroup
	var failFast atomic.Bool

	for _, id := range j.TaskIDs {
		if jobCtx.Err() != nil || failFast.Load() {
			break
		}
		if err := sem.Acquire(jobCtx, 1); err != nil {
			break
		}
		if failFast.Load() {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			defer sem.Release(1)
			final := r.driveMember(jobCtx, jobID, taskID)
			if final == task.StatusFailed && !r.cfg.ContinueOnError {
				failFast.Store(true)
			}
		}(id)
	}
	wg.Wait()

	return r.settle(jobCtx, jobID)
}

// RunTask drives a single task outside job scheduling. Tasks already owned
// by a worker in this process are refused. When the task belongs to a job
// that nobody is running, the job is reconciled afterwards so its summary
// tracks the task's progress.
func (r *Runner) RunTask(ctx context.Context, taskID string) (*task.Task, error) {
	if !r.claimTask(taskID) {
		return nil, autoerrors.ErrTaskRunning(taskID)
	}
	defer r.releaseTask(taskID)

	t, err := r.driver.Run(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.JobID != "" {
		if _, rerr := r.Reconcile(context.WithoutCancel(ctx), t.JobID); rerr != nil {
			r.logger.Warn("job reconcile failed", "job", t.JobID, "error", rerr)
		}
	}
	return t, nil
}

// Cancel stops a job. A job owned by this process has its context
// cancelled and settles as the worker pool drains; a job nobody is driving
// is frozen directly.
func (r *Runner) Cancel(ctx context.Context, jobID string) (*task.Job, error) {
	r.mu.Lock()
	cancel, running := r.jobs[jobID]
	r.mu.Unlock()

	if running {
		cancel()
		r.logger.Info("job cancellation signalled", "job", jobID)
		return r.store.GetJob(ctx, jobID)
	}

	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return j, nil
	}
	j, err = r.store.UpdateJob(ctx, jobID, func(j *task.Job) error {
		j.Status = task.JobCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.emitter.JobUpdated(j)
	r.logger.Info("job cancelled", "job", jobID)
	return j, nil
}

// Reconcile rebuilds a job's summary from its tasks and freezes the job
// once every member is terminal. It is how jobs settle when their last
// members finish outside a RunJob invocation: PR merges arriving through
// ingress, suspended tasks resumed by the dispatcher, crash recovery.
func (r *Runner) Reconcile(ctx context.Context, jobID string) (*task.Job, error) {
	if r.Running(jobID) {
		return r.store.GetJob(ctx, jobID)
	}
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return j, nil
	}

	summary := r.recount(ctx, j)
	status := terminalStatus(summary, false, r.cfg.ContinueOnError)
	updated, err := r.store.UpdateJob(ctx, jobID, func(j *task.Job) error {
		j.Summary = summary
		if status.IsTerminal() {
			j.Status = status
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status != j.Status {
		r.logger.Info("job reconciled", "job", jobID, "status", updated.Status)
	}
	r.emitter.JobUpdated(updated)
	return updated, nil
}

// Running reports whether this process currently owns the job.
func (r *Runner) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[jobID]
	return ok
}

// Owns reports whether a worker in this process is driving the task.
func (r *Runner) Owns(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[taskID]
	return ok
}

func (r *Runner) claimJob(ctx context.Context, jobID string) (context.Context, context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.jobs[jobID]; running {
		return nil, nil, false
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r.jobs[jobID] = cancel
	return jobCtx, cancel, true
}

func (r *Runner) releaseJob(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
	cancel()
}

func (r *Runner) claimTask(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[taskID]; ok {
		return false
	}
	r.active[taskID] = struct{}{}
	return true
}

func (r *Runner) releaseTask(taskID string) {
	r.mu.Lock()
	delete(r.active, taskID)
	r.mu.Unlock()
}

// begin flips the job to running and rebuilds its summary from the tasks
// as they are now. A job resumed after a crash may already hold terminal
// members; those get bucketed here and skipped by the workers.
func (r *Runner) begin(ctx context.Context, j *task.Job) (*task.Job, error) {
	summary := r.recount(ctx, j)
	return r.store.UpdateJob(ctx, j.ID, func(j *task.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("job %s is already %s", j.ID, j.Status)
		}
		j.Status = task.JobRunning
		j.Summary = summary
		return nil
	})
}

// driveMember runs one task to its next suspension or terminal state and
// moves it through the summary buckets. It returns the task's final status,
// or "" when the task could not be read at all.
func (r *Runner) driveMember(ctx context.Context, jobID, taskID string) task.Status {
	if !r.claimTask(taskID) {
		r.logger.Warn("task owned by another run, skipping", "job", jobID, "task", taskID)
		return ""
	}
	defer r.releaseTask(taskID)

	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Error("job member unreadable", "job", jobID, "task", taskID, "error", err)
		return ""
	}
	// Terminal and suspended members were already bucketed by the recount;
	// driving them again would double-count.
	if t.IsTerminal() || t.IsSuspended() {
		return t.Status
	}

	r.bump(ctx, jobID, func(s *task.JobSummary) {
		s.Pending--
		s.InProgress++
	})

	t, err = r.driver.Run(ctx, taskID)
	if err != nil {
		r.logger.Error("task run aborted", "job", jobID, "task", taskID, "error", err)
		t, _ = r.store.GetTask(context.WithoutCancel(ctx), taskID)
	}

	var final task.Status
	var prURL string
	if t != nil {
		final = t.Status
		prURL = t.PRURL
	}
	r.bump(ctx, jobID, func(s *task.JobSummary) {
		s.InProgress--
		switch final {
		case task.StatusCompleted:
			s.Completed++
		case task.StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
		if prURL != "" {
			s.PRsCreated = appendUnique(s.PRsCreated, prURL)
		}
	})
	return final
}

// bump applies one summary move. Moves must land even while the job
// context is being torn down, so the store write is shielded from it.
func (r *Runner) bump(ctx context.Context, jobID string, apply func(*task.JobSummary)) {
	j, err := r.store.UpdateJob(context.WithoutCancel(ctx), jobID, func(j *task.Job) error {
		apply(&j.Summary)
		return nil
	})
	if err != nil {
		r.logger.Error("job summary update failed", "job", jobID, "error", err)
		return
	}
	r.emitter.JobUpdated(j)
}

// settle decides the job's status after the pool drains. Jobs whose
// members still wait on external events stay running and are frozen later
// by Reconcile; everything else is terminal.
func (r *Runner) settle(ctx context.Context, jobID string) (*task.Job, error) {
	cancelled := ctx.Err() != nil
	j, err := r.store.UpdateJob(context.WithoutCancel(ctx), jobID, func(j *task.Job) error {
		j.Status = terminalStatus(j.Summary, cancelled, r.cfg.ContinueOnError)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.emitter.JobUpdated(j)
	r.logger.Info("job settled",
		"job", j.ID, "status", j.Status,
		"completed", j.Summary.Completed, "failed", j.Summary.Failed,
		"pending", j.Summary.Pending)
	return j, nil
}

// recount rebuilds summary counters from the member tasks' current
// statuses. Nothing is in progress from the caller's point of view, so
// every live member lands in pending.
func (r *Runner) recount(ctx context.Context, j *task.Job) task.JobSummary {
	summary := task.JobSummary{Total: len(j.TaskIDs)}
	for _, id := range j.TaskIDs {
		t, err := r.store.GetTask(ctx, id)
		if err != nil {
			r.logger.Warn("job member unreadable, counted as failed",
				"job", j.ID, "task", id, "error", err)
			summary.Failed++
			continue
		}
		switch t.Status {
		case task.StatusCompleted:
			summary.Completed++
		case task.StatusFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
		if t.PRURL != "" {
			summary.PRsCreated = appendUnique(summary.PRsCreated, t.PRURL)
		}
	}
	return summary
}

// terminalStatus maps drained summary counters to a job status.
func terminalStatus(s task.JobSummary, cancelled, continueOnError bool) task.JobStatus {
	switch {
	case cancelled:
		return task.JobCancelled
	case s.Failed > 0 && !continueOnError:
		return task.JobFailed
	case s.Pending > 0 || s.InProgress > 0:
		return task.JobRunning
	case s.Failed == 0:
		return task.JobCompleted
	case s.Completed == 0:
		return task.JobFailed
	default:
		return task.JobPartial
	}
}

func appendUnique(urls []string, url string) []string {
	for _, u := range urls {
		if u == url {
			return urls
		}
	}
	return append(urls, url)
}
