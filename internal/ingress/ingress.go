// Package ingress turns normalized source-host events into task and job
// mutations. Webhook adapters reduce provider payloads to the Event shape
// before handing them in; everything provider-specific stays behind the
// forge interface.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/events"
	"github.com/halverson/autodev/internal/forge"
	"github.com/halverson/autodev/internal/gitx"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// ErrBadEvent marks events the handler cannot interpret. The API layer
// maps it to a client error; everything else is a server-side failure.
var ErrBadEvent = errors.New("malformed ingress event")

// EventType names the normalized event kinds.
type EventType string

const (
	TypeIssueLabeled EventType = "issue_labeled"
	TypeCheckRun     EventType = "check_run"
	TypePR           EventType = "pr"
)

// Event is the normalized ingress payload.
type Event struct {
	Type        EventType      `json:"type"`
	Repo        string         `json:"repo"`
	IssueNumber int            `json:"issue_number,omitempty"`
	CheckRun    *CheckRunEvent `json:"check_run,omitempty"`
	PR          *PREvent       `json:"pr,omitempty"`
}

// CheckRunEvent carries one CI check's state for a head branch.
type CheckRunEvent struct {
	Name       string `json:"name,omitempty"`
	HeadBranch string `json:"head_branch"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// PREvent identifies a pull request state change.
type PREvent struct {
	Number int  `json:"number"`
	Merged bool `json:"merged"`
}

// Ingress routes normalized events into the store.
type Ingress struct {
	store   *store.Store
	forge   forge.Provider
	cfg     *config.Config
	emitter *events.Emitter
	logger  *slog.Logger
}

// New assembles an ingress handler.
func New(st *store.Store, provider forge.Provider, cfg *config.Config, emitter *events.Emitter, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		store:   st,
		forge:   provider,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
	}
}

// Handle routes one event. Events for repos outside the allowlist are
// dropped silently; only the drop counter records them.
func (in *Ingress) Handle(ctx context.Context, ev Event) error {
	if ev.Repo == "" {
		return fmt.Errorf("%w: missing repo", ErrBadEvent)
	}
	if !in.cfg.RepoAllowed(ev.Repo) {
		if err := in.store.RecordDrop(ctx, ev.Repo); err != nil {
			in.logger.Error("drop counter update failed", "repo", ev.Repo, "error", err)
		}
		in.logger.Warn("event dropped, repo not allowlisted", "repo", ev.Repo, "type", ev.Type)
		return nil
	}

	switch ev.Type {
	case TypeIssueLabeled:
		return in.issueLabeled(ctx, ev)
	case TypeCheckRun:
		return in.checkRun(ctx, ev)
	case TypePR:
		return in.prUpdated(ctx, ev)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadEvent, ev.Type)
	}
}

// issueLabeled fetches the issue and routes on its trigger labels. The
// batch label wins when both are present, since it implies automation.
func (in *Ingress) issueLabeled(ctx context.Context, ev Event) error {
	if ev.IssueNumber <= 0 {
		return fmt.Errorf("%w: issue_labeled without issue_number", ErrBadEvent)
	}
	issue, err := in.forge.FetchIssue(ctx, ev.Repo, ev.IssueNumber)
	if err != nil {
		return fmt.Errorf("fetch issue %s#%d: %w", ev.Repo, ev.IssueNumber, err)
	}

	switch {
	case hasLabel(issue.Labels, in.cfg.BatchLabel):
		return in.batchLabeled(ctx, ev.Repo, issue)
	case hasLabel(issue.Labels, in.cfg.AutoDevLabel):
		_, err := in.ensureTask(ctx, ev.Repo, *issue)
		return err
	default:
		in.logger.Debug("label event without trigger label, ignored",
			"repo", ev.Repo, "issue", ev.IssueNumber)
		return nil
	}
}

// ensureTask returns the live task for an issue, creating one when none
// exists. Re-labeling an issue whose task already runs is a no-op;
// re-labeling after a terminal run starts fresh.
func (in *Ingress) ensureTask(ctx context.Context, repo string, issue forge.Issue) (*task.Task, error) {
	existing, err := in.store.FindTaskByIssue(ctx, repo, issue.Number)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.IsTerminal() {
		in.logger.Info("issue already has a live task",
			"repo", repo, "issue", issue.Number, "task", existing.ID)
		return existing, nil
	}

	t := task.New(repo, issue.Number, issue.Title, issue.Body)
	if in.cfg.MaxAttempts > 0 {
		t.MaxAttempts = in.cfg.MaxAttempts
	}
	if err := in.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	created := &task.Event{
		TaskID:        t.ID,
		Type:          task.EventCreated,
		Agent:         "ingress",
		OutputSummary: issue.Title,
		Metadata:      map[string]any{"repo": repo, "issue": issue.Number},
	}
	in.store.AppendEvent(ctx, created)
	in.emitter.Audit(created)
	in.logger.Info("task created", "task", t.ID, "repo", repo, "issue", issue.Number)
	return t, nil
}

// batchLabeled gathers every open issue carrying the batch label and puts
// their tasks under one job: the live job a sibling already belongs to
// when there is one, a new job otherwise.
func (in *Ingress) batchLabeled(ctx context.Context, repo string, issue *forge.Issue) error {
	siblings, err := in.forge.ListIssuesByLabel(ctx, repo, in.cfg.BatchLabel)
	if err != nil {
		return fmt.Errorf("list %q issues for %s: %w", in.cfg.BatchLabel, repo, err)
	}
	// The labeled issue itself can lag the list endpoint.
	if !containsIssue(siblings, issue.Number) {
		siblings = append(siblings, *issue)
	}

	tasks := make([]*task.Task, 0, len(siblings))
	for _, sibling := range siblings {
		t, err := in.ensureTask(ctx, repo, sibling)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	if j := in.liveJobOf(ctx, tasks); j != nil {
		return in.attachToJob(ctx, j, tasks)
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	j := task.NewJob(repo, ids)
	if err := in.store.CreateJob(ctx, j); err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := in.store.UpdateTask(ctx, t.ID, store.TaskPatch{JobID: &j.ID}); err != nil {
			return err
		}
	}
	in.emitter.JobUpdated(j)
	in.logger.Info("job created", "job", j.ID, "repo", repo, "tasks", len(ids))
	return nil
}

// liveJobOf returns the first non-terminal job any of the tasks belongs
// to, or nil.
func (in *Ingress) liveJobOf(ctx context.Context, tasks []*task.Task) *task.Job {
	for _, t := range tasks {
		if t.JobID == "" {
			continue
		}
		j, err := in.store.GetJob(ctx, t.JobID)
		if err != nil {
			in.logger.Warn("task points at unreadable job", "task", t.ID, "job", t.JobID, "error", err)
			continue
		}
		if !j.Status.IsTerminal() {
			return j
		}
	}
	return nil
}

// attachToJob adds any tasks not yet in the job and links them back.
func (in *Ingress) attachToJob(ctx context.Context, j *task.Job, tasks []*task.Task) error {
	fresh := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.JobID != j.ID {
			fresh = append(fresh, t.ID)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	updated, err := in.store.UpdateJob(ctx, j.ID, func(j *task.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("job %s is already %s", j.ID, j.Status)
		}
		for _, id := range fresh {
			if containsID(j.TaskIDs, id) {
				continue
			}
			j.TaskIDs = append(j.TaskIDs, id)
			j.Summary.Total++
			j.Summary.Pending++
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range fresh {
		if _, err := in.store.UpdateTask(ctx, id, store.TaskPatch{JobID: &j.ID}); err != nil {
			return err
		}
	}
	in.emitter.JobUpdated(updated)
	in.logger.Info("tasks attached to job", "job", j.ID, "added", len(fresh))
	return nil
}

// checkRun reawakens TESTING tasks whose branch concluded a CI check.
// The event is the wake-up; the verdict comes from the full check-run set
// when the provider can report it, so one early green check cannot pass a
// branch whose other checks still run.
func (in *Ingress) checkRun(ctx context.Context, ev Event) error {
	cr := ev.CheckRun
	if cr == nil || cr.HeadBranch == "" {
		return fmt.Errorf("%w: check_run without head_branch", ErrBadEvent)
	}
	if !gitx.IsManagedBranch(cr.HeadBranch) {
		in.logger.Debug("check run on unmanaged branch, ignored",
			"repo", ev.Repo, "branch", cr.HeadBranch)
		return nil
	}
	if cr.Status != "completed" {
		return nil
	}

	tasks, err := in.store.FindTasksByBranch(ctx, ev.Repo, cr.HeadBranch)
	if err != nil {
		return err
	}
	status, failed := in.checksVerdict(ctx, ev.Repo, cr)
	for _, t := range tasks {
		if t.Status != task.StatusTesting {
			continue
		}
		if err := in.concludeTests(ctx, t, status, failed); err != nil {
			in.logger.Error("check conclusion failed", "task", t.ID, "error", err)
		}
	}
	return nil
}

// checksVerdict folds the branch's full check-run set into one verdict,
// falling back to the event's own conclusion when the provider cannot be
// consulted.
func (in *Ingress) checksVerdict(ctx context.Context, repo string, cr *CheckRunEvent) (forge.ChecksStatus, []string) {
	runs, err := in.forge.ListCheckRuns(ctx, repo, cr.HeadBranch)
	if err == nil && len(runs) > 0 {
		return forge.SummarizeChecks(runs)
	}
	if err != nil && !errors.Is(err, forge.ErrDisabled) {
		in.logger.Warn("check runs unavailable, trusting event conclusion",
			"repo", repo, "branch", cr.HeadBranch, "error", err)
	}
	switch cr.Conclusion {
	case "success":
		return forge.ChecksPassing, nil
	case "failure", "cancelled", "timed_out":
		name := cr.Name
		if name == "" {
			name = "check"
		}
		return forge.ChecksFailing, []string{name}
	default:
		return forge.ChecksPending, nil
	}
}

func (in *Ingress) concludeTests(ctx context.Context, t *task.Task, status forge.ChecksStatus, failed []string) error {
	var to task.Status
	var summary string
	patch := store.TaskPatch{}
	switch status {
	case forge.ChecksPassing:
		to = task.StatusTestsPassed
		summary = "checks passed"
	case forge.ChecksFailing:
		to = task.StatusTestsFailed
		summary = "checks failed: " + strings.Join(failed, ", ")
		patch.LastError = &summary
	default:
		// Still pending; the next conclusion decides.
		return nil
	}

	from := t.Status
	patch.Status = &to
	updated, err := in.store.UpdateTask(ctx, t.ID, patch)
	if err != nil {
		return err
	}
	in.emitter.StateChanged(t.ID, from, to)

	conclusion := "success"
	if to == task.StatusTestsFailed {
		conclusion = "failure"
	}
	meta := map[string]any{"conclusion": conclusion, "branch": t.BranchName}
	if len(failed) > 0 {
		meta["failed_checks"] = failed
	}
	tested := &task.Event{
		TaskID:        t.ID,
		Type:          task.EventTested,
		Agent:         "ingress",
		OutputSummary: summary,
		Metadata:      meta,
	}
	in.store.AppendEvent(ctx, tested)
	in.emitter.Audit(tested)
	in.logger.Info("task reawakened by check run",
		"task", t.ID, "status", updated.Status, "branch", t.BranchName)
	return nil
}

// prUpdated completes tasks whose pull request merged. Batch members share
// one PR, so every task on the merged PR's branch completes together.
func (in *Ingress) prUpdated(ctx context.Context, ev Event) error {
	pr := ev.PR
	if pr == nil || pr.Number <= 0 {
		return fmt.Errorf("%w: pr event without number", ErrBadEvent)
	}
	if !pr.Merged {
		return nil
	}

	owner, err := in.store.FindTaskByPR(ctx, ev.Repo, pr.Number)
	if err != nil {
		return err
	}
	if owner == nil {
		in.logger.Debug("merge event for unknown pr", "repo", ev.Repo, "pr", pr.Number)
		return nil
	}

	members := []*task.Task{owner}
	if owner.BatchID != "" && owner.BranchName != "" {
		members, err = in.store.FindTasksByBranch(ctx, ev.Repo, owner.BranchName)
		if err != nil {
			return err
		}
	}
	for _, t := range members {
		if err := in.completeTask(ctx, t, pr.Number); err != nil {
			in.logger.Error("merge completion failed", "task", t.ID, "error", err)
		}
	}
	return nil
}

// completeTask walks a merged task home: PR_CREATED hops through
// WAITING_HUMAN, then WAITING_HUMAN lands on COMPLETED.
func (in *Ingress) completeTask(ctx context.Context, t *task.Task, prNumber int) error {
	if t.IsTerminal() {
		return nil
	}
	if t.Status == task.StatusPRCreated {
		waiting := task.StatusWaitingHuman
		updated, err := in.store.UpdateTask(ctx, t.ID, store.TaskPatch{Status: &waiting})
		if err != nil {
			return err
		}
		in.emitter.StateChanged(t.ID, task.StatusPRCreated, waiting)
		t = updated
	}
	if t.Status != task.StatusWaitingHuman {
		in.logger.Warn("merge event for task not awaiting one, ignored",
			"task", t.ID, "status", t.Status, "pr", prNumber)
		return nil
	}

	done := task.StatusCompleted
	updated, err := in.store.UpdateTask(ctx, t.ID, store.TaskPatch{Status: &done})
	if err != nil {
		return err
	}
	in.emitter.StateChanged(t.ID, task.StatusWaitingHuman, done)

	completed := &task.Event{
		TaskID:        t.ID,
		Type:          task.EventCompleted,
		Agent:         "ingress",
		OutputSummary: fmt.Sprintf("pull request #%d merged", prNumber),
		Metadata:      map[string]any{"pr": prNumber},
	}
	in.store.AppendEvent(ctx, completed)
	in.emitter.Audit(completed)
	in.logger.Info("task completed", "task", updated.ID, "pr", prNumber)
	return nil
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, want) {
			return true
		}
	}
	return false
}

func containsIssue(issues []forge.Issue, number int) bool {
	for _, is := range issues {
		if is.Number == number {
			return true
		}
	}
	return false
}

func containsID(ids []string, id string) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}
