package runner

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/halverson/autodev/internal/batch"
	"github.com/halverson/autodev/internal/config"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// Dispatcher wakes on a fixed tick and feeds the runner: pending jobs are
// started, live tasks nobody is working on are re-driven, due batches are
// processed, and orphaned jobs are reconciled. One dispatcher runs per
// serve process.
type Dispatcher struct {
	runner  *Runner
	store   *store.Store
	batches *batch.Coalescer
	cfg     *config.Config
	logger  *slog.Logger

	// sem bounds how many swept tasks run at once, separately from the
	// per-job pools.
	sem *semaphore.Weighted
}

// NewDispatcher assembles a dispatcher around an existing runner.
func NewDispatcher(r *Runner, st *store.Store, batches *batch.Coalescer, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:  r,
		store:   st,
		batches: batches,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxParallel)),
	}
}

// Run ticks until ctx is cancelled. The first round fires immediately so a
// restarted server picks up leftover work without waiting out an interval.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.cfg.PollInterval()
	d.logger.Info("dispatcher started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one dispatch round.
func (d *Dispatcher) tick(ctx context.Context) {
	pending := d.startPendingJobs(ctx)
	d.resumeTasks(ctx, pending)
	if err := d.batches.ProcessDue(ctx); err != nil {
		d.logger.Error("batch sweep failed", "error", err)
	}
	d.reconcileJobs(ctx)
}

// startPendingJobs launches a runner invocation for every job awaiting
// one. The returned set holds the pending job IDs so the task sweep can
// leave their members to the job's own workers.
func (d *Dispatcher) startPendingJobs(ctx context.Context) map[string]struct{} {
	jobs, err := d.store.ListPendingJobs(ctx)
	if err != nil {
		d.logger.Error("pending job scan failed", "error", err)
		return nil
	}
	pending := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		pending[j.ID] = struct{}{}
		if d.runner.Running(j.ID) {
			continue
		}
		go func(id string) {
			if _, err := d.runner.RunJob(ctx, id); err != nil {
				d.logger.Error("job run failed", "job", id, "error", err)
			}
		}(j.ID)
	}
	return pending
}

// resumeTasks re-drives live-state tasks with no owner: NEW tasks from
// ingress, TESTING tasks polling their checks, tasks parked by an outage,
// tasks orphaned by a crash.
func (d *Dispatcher) resumeTasks(ctx context.Context, pendingJobs map[string]struct{}) {
	tasks, err := d.store.ListPending(ctx)
	if err != nil {
		d.logger.Error("pending task scan failed", "error", err)
		return
	}
	for _, t := range tasks {
		if t.JobID != "" {
			if _, queued := pendingJobs[t.JobID]; queued || d.runner.Running(t.JobID) {
				continue
			}
		}
		if d.runner.Owns(t.ID) {
			continue
		}
		if !d.sem.TryAcquire(1) {
			return
		}
		go func(id string) {
			defer d.sem.Release(1)
			if _, err := d.runner.RunTask(ctx, id); err != nil && !isAlreadyRunning(err) {
				d.logger.Error("task resume failed", "task", id, "error", err)
			}
		}(t.ID)
	}
}

// reconcileJobs freezes running jobs this process does not own once all
// their members have settled. Jobs land here after a crash, or when their
// last member completed through ingress while nobody was running them.
func (d *Dispatcher) reconcileJobs(ctx context.Context) {
	jobs, err := d.store.ListJobs(ctx, store.JobFilter{Status: task.JobRunning})
	if err != nil {
		d.logger.Error("running job scan failed", "error", err)
		return
	}
	for _, j := range jobs {
		if d.runner.Running(j.ID) {
			continue
		}
		if _, err := d.runner.Reconcile(ctx, j.ID); err != nil {
			d.logger.Error("job reconcile failed", "job", j.ID, "error", err)
		}
	}
}

func isAlreadyRunning(err error) bool {
	e := autoerrors.AsError(err)
	return e != nil && e.Code == autoerrors.CodeTaskRunning
}
