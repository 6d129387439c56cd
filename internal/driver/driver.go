// Package driver advances one task through the pipeline: plan, code,
// review, test, fix, open PR. Step runs exactly one stage and persists its
// outcome; Run loops Step until the task parks, dies, or runs out of
// budget. The driver holds no per-task state, so one instance serves every
// runner worker concurrently.
package driver

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halverson/autodev/internal/agent"
	"github.com/halverson/autodev/internal/batch"
	"github.com/halverson/autodev/internal/config"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/events"
	"github.com/halverson/autodev/internal/forge"
	"github.com/halverson/autodev/internal/gitx"
	"github.com/halverson/autodev/internal/selector"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// Budget per Run invocation. Exceeding either marks the task FAILED with
// code BUDGET_EXCEEDED.
const (
	MaxSteps = 50
	MaxWall  = 15 * time.Minute
)

// StepOutcome tells the caller how a step left the task.
type StepOutcome string

const (
	// StepAdvanced means the task moved and the next stage can run now.
	StepAdvanced StepOutcome = "advanced"

	// StepSuspended means the task is parked until an external event
	// (batch merge, CI conclusion, human decision, PR merge) re-drives it.
	StepSuspended StepOutcome = "suspended"

	// StepTerminal means the task reached COMPLETED or FAILED.
	StepTerminal StepOutcome = "terminal"
)

// Deps wires the driver to its collaborators. Logger may be nil.
type Deps struct {
	Store    *store.Store
	Selector *selector.Selector
	Handlers *agent.Handlers
	Git      *gitx.Git
	Forge    forge.Provider
	Batches  *batch.Coalescer
	Config   *config.Config
	Emitter  *events.Emitter
	Logger   *slog.Logger
}

// Driver executes pipeline stages against the store, the model handlers,
// the local clone, and the hosting provider.
type Driver struct {
	store    *store.Store
	selector *selector.Selector
	handlers *agent.Handlers
	git      *gitx.Git
	forge    forge.Provider
	batches  *batch.Coalescer
	cfg      *config.Config
	emitter  *events.Emitter
	logger   *slog.Logger
}

// New creates a driver over deps.
func New(deps Deps) *Driver {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		store:    deps.Store,
		selector: deps.Selector,
		handlers: deps.Handlers,
		git:      deps.Git,
		forge:    deps.Forge,
		batches:  deps.Batches,
		cfg:      deps.Config,
		emitter:  deps.Emitter,
		logger:   logger,
	}
}

// Run drives the task until it suspends, reaches a terminal state, or
// exhausts the step and wall-clock budget. Cancellation is observed
// between stages: a handler already in flight runs to its own timeout,
// then the task fails with code CANCELLED. The returned task is the last
// persisted state; err is non-nil only for store failures, which leave
// the task where it was.
func (d *Driver) Run(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(MaxWall)
	for steps := 0; ; steps++ {
		if t.IsTerminal() || t.IsSuspended() {
			return t, nil
		}
		if ctx.Err() != nil {
			t, _, err := d.failTask(ctx, t, autoerrors.ErrCancelled(
				fmt.Sprintf("task %s stopped between stages", t.ID)))
			return t, err
		}
		if steps >= MaxSteps {
			t, _, err := d.failTask(ctx, t, autoerrors.ErrBudgetExceeded(t.ID,
				fmt.Sprintf("%d steps in one invocation", steps)))
			return t, err
		}
		if time.Now().After(deadline) {
			t, _, err := d.failTask(ctx, t, autoerrors.ErrBudgetExceeded(t.ID,
				fmt.Sprintf("wall clock over %s", MaxWall)))
			return t, err
		}

		next, outcome, err := d.Step(ctx, t)
		if err != nil {
			return next, err
		}
		t = next
		if outcome != StepAdvanced {
			return t, nil
		}
	}
}

// Step executes the next action for t and persists the result. Stage
// errors are absorbed into the task per the error taxonomy; err is
// non-nil only when persisting itself failed.
func (d *Driver) Step(ctx context.Context, t *task.Task) (*task.Task, StepOutcome, error) {
	if t.IsTerminal() {
		return t, StepTerminal, nil
	}
	action := task.NextAction(t.Status)
	switch action {
	case task.ActionWait:
		return t, StepSuspended, nil
	case task.ActionDone:
		return t, StepTerminal, nil
	}

	d.logger.Info("driving task",
		"task", t.ID, "status", t.Status, "action", action, "attempt", t.AttemptCount)
	d.emitter.Heartbeat(t.ID, strings.ToLower(string(action)))

	next, outcome, err := d.dispatch(ctx, t, action)
	if err != nil {
		return d.absorb(ctx, next, action, err)
	}
	return next, outcome, nil
}

func (d *Driver) dispatch(ctx context.Context, t *task.Task, action task.Action) (*task.Task, StepOutcome, error) {
	switch action {
	case task.ActionPlan:
		return d.plan(ctx, t)
	case task.ActionCode:
		return d.code(ctx, t)
	case task.ActionReview:
		return d.review(ctx, t)
	case task.ActionTest:
		return d.test(ctx, t)
	case task.ActionFix:
		return d.fix(ctx, t)
	case task.ActionOpenPR:
		return d.openPR(ctx, t)
	default:
		// Unreachable for valid statuses; a corrupt row lands here.
		return d.failTask(ctx, t, &autoerrors.Error{
			Code: autoerrors.CodeInvalidTransition,
			What: fmt.Sprintf("task %s has no action for status %q", t.ID, t.Status),
		})
	}
}

// absorb applies the stage error taxonomy: recoverable errors spend an
// attempt and retry in place, transient errors have already walked the
// escalation ladder inside the stage, infrastructure errors park the task
// for a later retry, and everything else is fatal.
func (d *Driver) absorb(ctx context.Context, t *task.Task, action task.Action, stageErr error) (*task.Task, StepOutcome, error) {
	if t.IsTerminal() {
		return t, StepTerminal, nil
	}
	if ctx.Err() != nil || stderrors.Is(stageErr, context.Canceled) {
		return d.failTask(ctx, t, autoerrors.ErrCancelled(
			fmt.Sprintf("task %s stopped during %s", t.ID, action)))
	}

	e := autoerrors.AsError(stageErr)
	switch {
	case e == nil:
		return d.parkOnError(ctx, t, action, stageErr)
	case e.Transient():
		return d.failTask(ctx, t, e)
	case e.Recoverable():
		return d.retryOrFail(ctx, t, action, e)
	default:
		return d.failTask(ctx, t, e)
	}
}

// parkOnError leaves the task in its current status with the failure
// recorded, so a refresh or the dispatcher can retry the step once the
// outage clears. Used for git and hosting errors, which no attempt budget
// should absorb.
func (d *Driver) parkOnError(ctx context.Context, t *task.Task, action task.Action, cause error) (*task.Task, StepOutcome, error) {
	msg := fmt.Sprintf("%s blocked: %v", action, cause)
	updated, err := d.store.UpdateTask(ctx, t.ID, store.TaskPatch{LastError: &msg})
	if err != nil {
		return t, StepSuspended, err
	}
	d.logger.Warn("stage blocked, task parked in place",
		"task", t.ID, "action", action, "error", cause)
	d.emitter.Error(t.ID, "STAGE_BLOCKED", msg)
	return updated, StepSuspended, nil
}

// retryOrFail spends one attempt on a recoverable stage error. With budget
// left the task stays in its in-flight status and the next step re-runs
// the stage; the raised attempt count climbs the escalation ladder on
// that retry. A spent budget is fatal.
func (d *Driver) retryOrFail(ctx context.Context, t *task.Task, action task.Action, e *autoerrors.Error) (*task.Task, StepOutcome, error) {
	if t.AttemptsExhausted() {
		return d.failTask(ctx, t, e)
	}
	attempts := t.AttemptCount + 1
	msg := e.Error()
	updated, err := d.store.UpdateTask(ctx, t.ID, store.TaskPatch{
		AttemptCount: &attempts,
		LastError:    &msg,
	})
	if err != nil {
		return t, StepAdvanced, err
	}
	d.logger.Warn("stage rejected, retrying",
		"task", t.ID, "action", action, "attempt", attempts, "max", t.MaxAttempts, "error", e)
	return updated, StepAdvanced, nil
}

// failTask moves the task to FAILED, records the cause, emits the FAILED
// event, and notifies the source issue when configured. The writes use a
// detached context so cancellation itself is persisted.
func (d *Driver) failTask(ctx context.Context, t *task.Task, cause *autoerrors.Error) (*task.Task, StepOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	failed := task.StatusFailed
	msg := cause.Error()
	updated, err := d.store.UpdateTask(ctx, t.ID, store.TaskPatch{Status: &failed, LastError: &msg})
	if err != nil {
		return t, StepTerminal, err
	}
	d.logger.Error("task failed",
		"task", t.ID, "from", t.Status, "code", cause.Code, "error", msg)
	d.emitter.StateChanged(t.ID, t.Status, task.StatusFailed)
	d.emitter.Error(t.ID, string(cause.Code), msg)

	ev := &task.Event{
		TaskID:        t.ID,
		Type:          task.EventFailed,
		Agent:         agentDriver,
		OutputSummary: msg,
		Metadata: map[string]any{
			"code":     string(cause.Code),
			"from":     string(t.Status),
			"attempts": t.AttemptCount,
		},
	}
	d.store.AppendEvent(ctx, ev)
	d.emitter.Audit(ev)

	d.commentOnFailure(ctx, updated, cause)
	return updated, StepTerminal, nil
}

// commentOnFailure posts a short notice on the source issue. Best effort:
// hosting errors are logged, never propagated.
func (d *Driver) commentOnFailure(ctx context.Context, t *task.Task, cause *autoerrors.Error) {
	if d.cfg == nil || !d.cfg.CommentOnFailure || t.IssueNumber <= 0 {
		return
	}
	if d.forge == nil || d.forge.Name() == forge.ProviderNone {
		return
	}
	body := fmt.Sprintf("auto-dev could not finish this issue (%s): %s", cause.Code, cause.What)
	if cause.Why != "" {
		body += "\n\n" + cause.Why
	}
	if err := d.forge.CreateIssueComment(ctx, t.Repo, t.IssueNumber, body); err != nil {
		d.logger.Warn("failure comment not posted",
			"task", t.ID, "repo", t.Repo, "issue", t.IssueNumber, "error", err)
	}
}

// advance persists a status change plus stage outputs atomically and
// publishes the state change. Patching the current status again is a
// plain field update.
func (d *Driver) advance(ctx context.Context, t *task.Task, to task.Status, patch store.TaskPatch) (*task.Task, error) {
	patch.Status = &to
	updated, err := d.store.UpdateTask(ctx, t.ID, patch)
	if err != nil {
		return t, err
	}
	if updated.Status != t.Status {
		d.emitter.StateChanged(t.ID, t.Status, updated.Status)
	}
	return updated, nil
}

// park moves the task to WAITING_HUMAN with the reason recorded.
func (d *Driver) park(ctx context.Context, t *task.Task, reason string) (*task.Task, StepOutcome, error) {
	updated, err := d.advance(ctx, t, task.StatusWaitingHuman, store.TaskPatch{LastError: &reason})
	if err != nil {
		return t, StepSuspended, err
	}
	d.logger.Info("task parked for a human", "task", t.ID, "reason", reason)
	return updated, StepSuspended, nil
}

// escalate selects a model for stage and runs call with it, walking the
// escalation ladder when the model itself is unreachable or times out.
// Handler output errors come back to the caller untouched.
func (d *Driver) escalate(ctx context.Context, t *task.Task, stage string, call func(modelID string) error) (selector.Selection, error) {
	attempts := t.AttemptCount
	for {
		sel, err := d.selector.Select(ctx, selector.Request{
			Stage:        stage,
			Complexity:   t.EstimatedComplexity,
			Effort:       t.EstimatedEffort,
			AttemptCount: attempts,
		})
		if err != nil {
			return sel, err
		}
		if sel.ModelID == "" {
			// Requires breakdown; the caller parks the task.
			return sel, nil
		}

		callErr := call(sel.ModelID)
		if callErr == nil {
			return sel, nil
		}
		e := autoerrors.AsError(callErr)
		if e == nil || !e.Transient() || sel.Tier == selector.TierEscalation2 {
			return sel, callErr
		}
		d.logger.Warn("model call failed, escalating tier",
			"task", t.ID, "stage", stage, "model", sel.ModelID, "tier", sel.Tier, "error", callErr)
		attempts++
	}
}

// recordStage appends a stage audit event and mirrors it on the bus.
func (d *Driver) recordStage(ctx context.Context, ev *task.Event) {
	d.store.AppendEvent(ctx, ev)
	d.emitter.Audit(ev)
}

// stageEvent builds the audit entry for a handler-backed stage.
func stageEvent(t *task.Task, typ task.EventType, agentName, summary string, sel selector.Selection, resp *agent.Response, meta map[string]any) *task.Event {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["model"] = sel.ModelID
	meta["tier"] = sel.Tier
	ev := &task.Event{
		TaskID:        t.ID,
		Type:          typ,
		Agent:         agentName,
		OutputSummary: summary,
		Metadata:      meta,
	}
	if resp != nil {
		ev.TokensUsed = resp.TokensUsed
		ev.DurationMS = resp.Duration.Milliseconds()
	}
	return ev
}
