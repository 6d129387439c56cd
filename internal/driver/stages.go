package driver

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/halverson/autodev/internal/agent"
	"github.com/halverson/autodev/internal/batch"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/forge"
	"github.com/halverson/autodev/internal/gitx"
	"github.com/halverson/autodev/internal/selector"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// Agent names recorded on audit events.
const (
	agentDriver   = "driver"
	agentPlanner  = "planner"
	agentCoder    = "coder"
	agentReviewer = "reviewer"
	agentTester   = "tester"
	agentFixer    = "fixer"
)

// plan runs the planner and persists its outputs. L and XL estimates park
// the task for a human to split the issue.
func (d *Driver) plan(ctx context.Context, t *task.Task) (*task.Task, StepOutcome, error) {
	if strings.TrimSpace(t.Body) == "" {
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionPlan), "body")
	}
	t, err := d.advance(ctx, t, task.StatusPlanning, store.TaskPatch{})
	if err != nil {
		return t, StepAdvanced, err
	}

	var res *agent.Result[agent.PlanOutput]
	sel, err := d.escalate(ctx, t, selector.StagePlan, func(modelID string) error {
		r, callErr := d.handlers.Plan(ctx, agent.PlanInput{Title: t.Title, Body: t.Body}, modelID)
		if callErr != nil {
			return callErr
		}
		res = r
		return nil
	})
	if err != nil {
		return t, StepAdvanced, err
	}

	out := res.Output
	updated, err := d.advance(ctx, t, task.StatusPlanningDone, store.TaskPatch{
		DefinitionOfDone:    &out.DefinitionOfDone,
		Plan:                &out.Plan,
		TargetFiles:         &out.TargetFiles,
		EstimatedComplexity: &out.EstimatedComplexity,
		EstimatedEffort:     &out.EstimatedEffort,
	})
	if err != nil {
		return t, StepAdvanced, err
	}

	meta := map[string]any{
		"complexity":   string(out.EstimatedComplexity),
		"effort":       string(out.EstimatedEffort),
		"target_files": len(out.TargetFiles),
	}
	if len(out.Risks) > 0 {
		meta["risks"] = out.Risks
	}
	summary := fmt.Sprintf("planned %d steps across %d files, complexity %s",
		len(out.Plan), len(out.TargetFiles), out.EstimatedComplexity)
	d.recordStage(ctx, stageEvent(updated, task.EventPlanned, agentPlanner, summary, sel, res.Response, meta))

	if out.EstimatedComplexity.RequiresBreakdown() {
		return d.park(ctx, updated, fmt.Sprintf(
			"estimated complexity %s is too large to code directly, split the issue",
			out.EstimatedComplexity))
	}
	return updated, StepAdvanced, nil
}

// code runs the coder and stores the produced diff together with the
// task's working branch. Oversized estimates never reach here: plan parks
// them, and the selector refuses them besides.
func (d *Driver) code(ctx context.Context, t *task.Task) (*task.Task, StepOutcome, error) {
	switch {
	case len(t.Plan) == 0:
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionCode), "plan")
	case len(t.TargetFiles) == 0:
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionCode), "target_files")
	}
	if t.EstimatedComplexity.RequiresBreakdown() {
		return d.park(ctx, t, fmt.Sprintf(
			"estimated complexity %s is too large to code directly, split the issue",
			t.EstimatedComplexity))
	}

	t, err := d.advance(ctx, t, task.StatusCoding, store.TaskPatch{})
	if err != nil {
		return t, StepAdvanced, err
	}

	var res *agent.Result[agent.CodeOutput]
	sel, err := d.escalate(ctx, t, selector.StageCode, func(modelID string) error {
		r, callErr := d.handlers.Code(ctx, agent.CodeInput{
			Plan:             t.Plan,
			DefinitionOfDone: t.DefinitionOfDone,
			TargetFiles:      t.TargetFiles,
		}, modelID)
		if callErr != nil {
			return callErr
		}
		res = r
		return nil
	})
	if err != nil {
		return t, StepAdvanced, err
	}
	if res == nil {
		return t, StepAdvanced, fmt.Errorf("no model selected for code stage: %s", sel.Reason)
	}

	out := res.Output
	branch := t.BranchName
	if branch == "" {
		branch = gitx.BranchName(t.IssueNumber, t.ID)
	}
	clearErr := ""
	updated, err := d.advance(ctx, t, task.StatusCodingDone, store.TaskPatch{
		CurrentDiff:   &out.Diff,
		CommitMessage: &out.CommitMessage,
		BranchName:    &branch,
		LastError:     &clearErr,
	})
	if err != nil {
		return t, StepAdvanced, err
	}

	meta := map[string]any{"branch": branch, "files": len(out.FilesModified)}
	if out.Notes != "" {
		meta["notes"] = out.Notes
	}
	d.recordStage(ctx, stageEvent(updated, task.EventCoded, agentCoder, out.CommitMessage, sel, res.Response, meta))
	return updated, StepAdvanced, nil
}

// review runs the reviewer over the current diff and routes on the verdict:
// approval moves toward testing, a change request hands the objections to
// the fixer, and an inconclusive verdict parks the task.
func (d *Driver) review(ctx context.Context, t *task.Task) (*task.Task, StepOutcome, error) {
	if strings.TrimSpace(t.CurrentDiff) == "" {
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionReview), "current_diff")
	}
	t, err := d.advance(ctx, t, task.StatusReviewing, store.TaskPatch{})
	if err != nil {
		return t, StepAdvanced, err
	}

	var res *agent.Result[agent.ReviewOutput]
	sel, err := d.escalate(ctx, t, selector.StageReview, func(modelID string) error {
		r, callErr := d.handlers.Review(ctx, agent.ReviewInput{
			IssueTitle: t.Title,
			IssueBody:  t.Body,
			Plan:       t.Plan,
			Diff:       t.CurrentDiff,
		}, modelID)
		if callErr != nil {
			return callErr
		}
		res = r
		return nil
	})
	if err != nil {
		return t, StepAdvanced, err
	}

	out := res.Output
	summary := out.Summary
	if summary == "" {
		summary = "review verdict " + out.Verdict
	}
	meta := map[string]any{"verdict": out.Verdict, "comments": len(out.Comments)}

	switch out.Verdict {
	case agent.VerdictApprove:
		updated, err := d.advance(ctx, t, task.StatusReviewApproved, store.TaskPatch{})
		if err != nil {
			return t, StepAdvanced, err
		}
		d.recordStage(ctx, stageEvent(updated, task.EventReviewed, agentReviewer, summary, sel, res.Response, meta))
		return updated, StepAdvanced, nil

	case agent.VerdictRequestChanges:
		reason := reviewRejection(out)
		updated, err := d.advance(ctx, t, task.StatusReviewRejected, store.TaskPatch{LastError: &reason})
		if err != nil {
			return t, StepAdvanced, err
		}
		d.recordStage(ctx, stageEvent(updated, task.EventReviewed, agentReviewer, summary, sel, res.Response, meta))
		return updated, StepAdvanced, nil

	default: // NEEDS_DISCUSSION
		d.recordStage(ctx, stageEvent(t, task.EventReviewed, agentReviewer, summary, sel, res.Response, meta))
		return d.park(ctx, t, "review needs discussion: "+summary)
	}
}

// reviewRejection folds the reviewer's objections into the error context
// the fixer receives.
func reviewRejection(out agent.ReviewOutput) string {
	var b strings.Builder
	b.WriteString("review requested changes")
	if out.Summary != "" {
		b.WriteString(": ")
		b.WriteString(out.Summary)
	}
	for _, c := range out.Comments {
		fmt.Fprintf(&b, "\n- [%s] %s", c.Severity, c.Comment)
		if c.File != "" {
			b.WriteString(" (")
			b.WriteString(c.File)
			if c.Line > 0 {
				fmt.Fprintf(&b, ":%d", c.Line)
			}
			b.WriteString(")")
		}
	}
	if out.SuggestedChanges != "" {
		b.WriteString("\nSuggested: ")
		b.WriteString(out.SuggestedChanges)
	}
	return b.String()
}

// test routes a freshly approved task through the batch coalescer, then
// publishes the branch and folds the CI verdict into the task. Checks that
// have not concluded leave the task suspended in TESTING; a check-run
// ingress event or a refresh picks it back up.
func (d *Driver) test(ctx context.Context, t *task.Task) (*task.Task, StepOutcome, error) {
	fresh := t.Status == task.StatusReviewApproved
	if fresh && d.batches != nil {
		routed, err := d.batches.OnReviewApproved(ctx, t)
		if err != nil {
			return t, StepAdvanced, err
		}
		t = routed
		if t.Status == task.StatusWaitingBatch {
			d.logger.Info("task joined a batch", "task", t.ID, "batch", t.BatchID)
			return t, StepSuspended, nil
		}
	}

	switch {
	case t.BranchName == "":
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionTest), "branch_name")
	case strings.TrimSpace(t.CurrentDiff) == "":
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionTest), "current_diff")
	}

	// Publish on first entry. On a TESTING resume the branch is normally
	// out already and re-pushing would restart CI, so only the cases
	// where it never left (crash before push, first member of a merged
	// batch) publish again.
	publish := fresh
	if !publish {
		exists, err := d.git.RemoteBranchExists(ctx, t.BranchName)
		publish = err != nil || !exists
	}

	t, err := d.advance(ctx, t, task.StatusTesting, store.TaskPatch{})
	if err != nil {
		return t, StepAdvanced, err
	}

	if publish {
		if _, err := d.git.Publish(ctx, t.BranchName, t.CurrentDiff, t.CommitMessage); err != nil {
			if stderrors.Is(err, gitx.ErrApplyConflict) {
				// The diff is unusable as-is; hand it to the fixer.
				reason := err.Error()
				updated, aerr := d.advance(ctx, t, task.StatusTestsFailed, store.TaskPatch{LastError: &reason})
				if aerr != nil {
					return t, StepAdvanced, aerr
				}
				d.recordStage(ctx, &task.Event{
					TaskID:        t.ID,
					Type:          task.EventTested,
					Agent:         agentTester,
					OutputSummary: reason,
					Metadata:      map[string]any{"conclusion": "apply_conflict", "branch": t.BranchName},
				})
				return updated, StepAdvanced, nil
			}
			return t, StepAdvanced, err
		}
	}

	runs, err := d.forge.ListCheckRuns(ctx, t.Repo, t.BranchName)
	if err != nil {
		if stderrors.Is(err, forge.ErrDisabled) {
			// No hosting provider means no CI to wait for.
			return d.concludeTests(ctx, t, task.StatusTestsPassed,
				"no hosting provider configured, skipping checks", nil)
		}
		return t, StepAdvanced, err
	}

	verdict, failed := forge.SummarizeChecks(runs)
	switch verdict {
	case forge.ChecksFailing:
		return d.concludeTests(ctx, t, task.StatusTestsFailed,
			"checks failed: "+strings.Join(failed, ", "), failed)
	case forge.ChecksPassing:
		return d.concludeTests(ctx, t, task.StatusTestsPassed,
			fmt.Sprintf("%d checks passed", len(runs)), nil)
	default:
		d.logger.Info("checks not concluded, suspending",
			"task", t.ID, "branch", t.BranchName, "checks", string(verdict), "runs", len(runs))
		return t, StepSuspended, nil
	}
}

// concludeTests records the CI verdict and moves the task accordingly.
func (d *Driver) concludeTests(ctx context.Context, t *task.Task, to task.Status, summary string, failed []string) (*task.Task, StepOutcome, error) {
	patch := store.TaskPatch{}
	if to == task.StatusTestsFailed {
		patch.LastError = &summary
	}
	updated, err := d.advance(ctx, t, to, patch)
	if err != nil {
		return t, StepAdvanced, err
	}

	conclusion := "success"
	if to == task.StatusTestsFailed {
		conclusion = "failure"
	}
	meta := map[string]any{"conclusion": conclusion, "branch": t.BranchName}
	if len(failed) > 0 {
		meta["failed_checks"] = failed
	}
	d.recordStage(ctx, &task.Event{
		TaskID:        t.ID,
		Type:          task.EventTested,
		Agent:         agentTester,
		OutputSummary: summary,
		Metadata:      meta,
	})
	return updated, StepAdvanced, nil
}

// fix spends an attempt repairing the diff after a review rejection, a
// failed check run, or an unapplicable diff.
func (d *Driver) fix(ctx context.Context, t *task.Task) (*task.Task, StepOutcome, error) {
	if t.LastError == "" && t.Status != task.StatusTestsFailed {
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionFix), "last_error")
	}

	patch := store.TaskPatch{}
	if t.Status != task.StatusFixing {
		// Entering the fix stage charges the attempt budget; a FIXING
		// resume re-runs the handler on the already charged attempt.
		if t.AttemptsExhausted() {
			return d.failTask(ctx, t, autoerrors.ErrBudgetExceeded(t.ID,
				fmt.Sprintf("attempt budget %d spent, last failure: %s", t.MaxAttempts, t.LastError)))
		}
		attempts := t.AttemptCount + 1
		patch.AttemptCount = &attempts
	}
	t, err := d.advance(ctx, t, task.StatusFixing, patch)
	if err != nil {
		return t, StepAdvanced, err
	}

	var res *agent.Result[agent.FixOutput]
	sel, err := d.escalate(ctx, t, selector.StageFix, func(modelID string) error {
		r, callErr := d.handlers.Fix(ctx, agent.FixInput{
			DefinitionOfDone: t.DefinitionOfDone,
			Plan:             t.Plan,
			CurrentDiff:      t.CurrentDiff,
			ErrorLogs:        t.LastError,
		}, modelID)
		if callErr != nil {
			return callErr
		}
		res = r
		return nil
	})
	if err != nil {
		return t, StepAdvanced, err
	}

	out := res.Output
	// The repaired diff is the task's own again: a member fixing after a
	// batch failure leaves the shared branch behind.
	branch := gitx.BranchName(t.IssueNumber, t.ID)
	clearErr := ""
	updated, err := d.advance(ctx, t, task.StatusCodingDone, store.TaskPatch{
		CurrentDiff:   &out.Diff,
		CommitMessage: &out.CommitMessage,
		BranchName:    &branch,
		LastError:     &clearErr,
	})
	if err != nil {
		return t, StepAdvanced, err
	}

	summary := out.FixDescription
	if summary == "" {
		summary = out.CommitMessage
	}
	d.recordStage(ctx, stageEvent(updated, task.EventFixed, agentFixer, summary, sel, res.Response, map[string]any{
		"attempt": updated.AttemptCount,
		"files":   len(out.FilesModified),
	}))
	return updated, StepAdvanced, nil
}

// openPR publishes the pull request for a tested change. Batch members
// share one PR, so an existing open PR on the branch is reused, and the
// first member through records the URL on the batch.
func (d *Driver) openPR(ctx context.Context, t *task.Task) (*task.Task, StepOutcome, error) {
	if t.Status != task.StatusTestsPassed {
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionOpenPR), "tests_passed status")
	}
	if t.BranchName == "" {
		return t, StepAdvanced, autoerrors.ErrPrecondition(t.ID, string(task.ActionOpenPR), "branch_name")
	}

	title, body, err := d.prContent(ctx, t)
	if err != nil {
		return t, StepAdvanced, err
	}

	reused := true
	pr, err := d.forge.FindPRByBranch(ctx, t.Repo, t.BranchName)
	if stderrors.Is(err, forge.ErrNoPRFound) {
		reused = false
		pr, err = d.forge.CreatePR(ctx, t.Repo, forge.PROptions{
			Title: title,
			Body:  body,
			Head:  t.BranchName,
			Base:  d.git.BaseBranch(),
		})
	}
	if err != nil {
		return t, StepAdvanced, err
	}

	updated, err := d.advance(ctx, t, task.StatusPRCreated, store.TaskPatch{
		PRNumber: &pr.Number,
		PRURL:    &pr.URL,
	})
	if err != nil {
		return t, StepAdvanced, err
	}

	if t.BatchID != "" {
		// The batch record carries the shared PR for the dashboard.
		if err := d.store.CloseBatch(ctx, t.BatchID, task.BatchCompleted, pr.URL); err != nil {
			d.logger.Warn("batch PR url not recorded", "batch", t.BatchID, "error", err)
		}
	}

	summary := fmt.Sprintf("opened PR #%d", pr.Number)
	if reused {
		summary = fmt.Sprintf("joined existing PR #%d", pr.Number)
	}
	d.recordStage(ctx, &task.Event{
		TaskID:        t.ID,
		Type:          task.EventPROpened,
		Agent:         agentDriver,
		OutputSummary: summary,
		Metadata: map[string]any{
			"pr_number": pr.Number,
			"pr_url":    pr.URL,
			"branch":    t.BranchName,
			"reused":    reused,
		},
	})
	d.logger.Info("pull request ready",
		"task", t.ID, "pr", pr.Number, "url", pr.URL, "reused", reused)
	return updated, StepSuspended, nil
}

// prContent builds the PR title and body: batch members describe every
// constituent issue, solo tasks their own.
func (d *Driver) prContent(ctx context.Context, t *task.Task) (string, string, error) {
	if t.BatchID == "" {
		return soloPRTitle(t), soloPRBody(t), nil
	}
	b, err := d.store.GetBatch(ctx, t.BatchID)
	if err != nil {
		return "", "", err
	}
	members := make([]*task.Task, 0, len(b.TaskIDs))
	for _, id := range b.TaskIDs {
		member, err := d.store.GetTask(ctx, id)
		if err != nil {
			d.logger.Warn("batch member missing for PR body",
				"batch", b.ID, "task", id, "error", err)
			continue
		}
		members = append(members, member)
	}
	if len(members) == 0 {
		return soloPRTitle(t), soloPRBody(t), nil
	}
	return batch.PRTitle(members), batch.PRBody(b, members), nil
}

func soloPRTitle(t *task.Task) string {
	if t.Title != "" {
		return t.Title
	}
	return fmt.Sprintf("auto-dev change for #%d", t.IssueNumber)
}

func soloPRBody(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for #%d: %s\n", t.IssueNumber, t.Title)
	if len(t.DefinitionOfDone) > 0 {
		b.WriteString("\nDefinition of done:\n")
		for _, item := range t.DefinitionOfDone {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	fmt.Fprintf(&b, "\nCloses #%d.", t.IssueNumber)
	return b.String()
}
