package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halverson/autodev/internal/agent"
	"github.com/halverson/autodev/internal/batch"
	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/db"
	"github.com/halverson/autodev/internal/diff"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/events"
	"github.com/halverson/autodev/internal/forge"
	"github.com/halverson/autodev/internal/gitx"
	"github.com/halverson/autodev/internal/selector"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// --- scripted model client ---

type reply struct {
	out string
	err error
}

// scriptedClient answers from per-stage reply queues, keyed on the stage
// marker in the prompt. The last reply in a queue is sticky.
type scriptedClient struct {
	mu     sync.Mutex
	script map[string][]reply
	models []string
	stages []string
	onCall func(stage string)
}

func (c *scriptedClient) Complete(_ context.Context, req agent.Request) (*agent.Response, error) {
	stage := stageOf(req.Prompt)
	c.mu.Lock()
	queue := c.script[stage]
	if len(queue) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("no scripted reply for %s stage", stage)
	}
	r := queue[0]
	if len(queue) > 1 {
		c.script[stage] = queue[1:]
	}
	c.models = append(c.models, req.ModelID)
	c.stages = append(c.stages, stage)
	hook := c.onCall
	c.mu.Unlock()

	if hook != nil {
		hook(stage)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &agent.Response{Output: r.out, TokensUsed: 17, Duration: 40 * time.Millisecond}, nil
}

func (c *scriptedClient) Mode() string { return "cli" }

func stageOf(prompt string) string {
	switch {
	case strings.Contains(prompt, "You are planning"):
		return "plan"
	case strings.Contains(prompt, "You are implementing"):
		return "code"
	case strings.Contains(prompt, "You are reviewing"):
		return "review"
	case strings.Contains(prompt, "You are repairing"):
		return "fix"
	default:
		return "unknown"
	}
}

func replies(outs ...string) []reply {
	rs := make([]reply, len(outs))
	for i, out := range outs {
		rs[i] = reply{out: out}
	}
	return rs
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func planReply(t *testing.T, complexity string) string {
	return mustJSON(t, map[string]any{
		"definition_of_done":   []string{"the flag is validated"},
		"plan":                 []string{"adjust validate()", "extend the unit test"},
		"target_files":         []string{"cmd/app/main.go"},
		"estimated_complexity": complexity,
		"estimated_effort":     "low",
	})
}

func codeReply(t *testing.T, diffText, message string) string {
	return mustJSON(t, map[string]any{
		"diff":           diffText,
		"commit_message": message,
	})
}

func reviewReply(t *testing.T, verdict, summary string) string {
	return mustJSON(t, map[string]any{
		"verdict": verdict,
		"summary": summary,
	})
}

func fixReply(t *testing.T, diffText, message string) string {
	return mustJSON(t, map[string]any{
		"diff":            diffText,
		"commit_message":  message,
		"fix_description": "tightened the validation",
	})
}

func diffFor(path string) string {
	return "--- a/" + path + "\n+++ b/" + path + "\n@@ -1,3 +1,3 @@\n keep\n-old\n+new\n keep\n"
}

// --- fake hosting provider ---

type fakeForge struct {
	mu         sync.Mutex
	checkQueue [][]forge.CheckRun
	prs        map[string]*forge.PR
	created    []forge.PROptions
	comments   []string
	nextPR     int
}

func newFakeForge() *fakeForge {
	return &fakeForge{prs: map[string]*forge.PR{}, nextPR: 100}
}

func (f *fakeForge) Name() string { return forge.ProviderGitHub }

func (f *fakeForge) FetchIssue(context.Context, string, int) (*forge.Issue, error) {
	return nil, forge.ErrNotFound
}

func (f *fakeForge) ListIssuesByLabel(context.Context, string, string) ([]forge.Issue, error) {
	return nil, nil
}

func (f *fakeForge) CreatePR(_ context.Context, repo string, opts forge.PROptions) (*forge.PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	f.nextPR++
	pr := &forge.PR{
		Number:     f.nextPR,
		Title:      opts.Title,
		State:      "open",
		HeadBranch: opts.Head,
		BaseBranch: opts.Base,
		URL:        fmt.Sprintf("https://forge.test/%s/pull/%d", repo, f.nextPR),
	}
	f.prs[opts.Head] = pr
	return pr, nil
}

func (f *fakeForge) GetPR(_ context.Context, _ string, number int) (*forge.PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pr := range f.prs {
		if pr.Number == number {
			return pr, nil
		}
	}
	return nil, forge.ErrNotFound
}

func (f *fakeForge) FindPRByBranch(_ context.Context, _, branch string) (*forge.PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.prs[branch]; ok {
		return pr, nil
	}
	return nil, forge.ErrNoPRFound
}

func (f *fakeForge) ListCheckRuns(context.Context, string, string) ([]forge.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.checkQueue) == 0 {
		return nil, nil
	}
	runs := f.checkQueue[0]
	if len(f.checkQueue) > 1 {
		f.checkQueue = f.checkQueue[1:]
	}
	return runs, nil
}

func (f *fakeForge) CreateIssueComment(_ context.Context, _ string, _ int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return nil
}

func passingChecks() []forge.CheckRun {
	return []forge.CheckRun{{ID: 1, Name: "unit", Status: "completed", Conclusion: "success"}}
}

func failingChecks(names ...string) []forge.CheckRun {
	runs := make([]forge.CheckRun, len(names))
	for i, name := range names {
		runs[i] = forge.CheckRun{ID: int64(i + 1), Name: name, Status: "completed", Conclusion: "failure"}
	}
	return runs
}

// --- stub git runner ---

type stubRunner struct {
	mu    sync.Mutex
	calls [][]string
	reply func(args []string) (string, error)
}

func (s *stubRunner) Run(_ context.Context, _, name string, args ...string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string{name}, args...))
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(args)
	}
	return "", nil
}

func (s *stubRunner) sawSubcommand(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, call := range s.calls {
		if len(call) > 1 && call[1] == sub {
			return true
		}
	}
	return false
}

// gitOK emulates a clone with no remote: publish applies and commits but
// never pushes.
func gitOK(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	switch args[0] {
	case "remote":
		return "", errors.New("no such remote")
	case "rev-parse":
		return "f00dfeed", nil
	}
	return "", nil
}

// --- fixture ---

type fixture struct {
	t      *testing.T
	store  *store.Store
	cfg    *config.Config
	client *scriptedClient
	forge  *fakeForge
	runner *stubRunner
	deps   Deps
	driver *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	st := store.New(database, slog.Default())
	cfg := config.Default()
	client := &scriptedClient{script: map[string][]reply{}}
	runner := &stubRunner{reply: gitOK}
	fg := newFakeForge()
	emitter := events.NewEmitter(events.NewNopPublisher())

	deps := Deps{
		Store:    st,
		Selector: selector.New(st, 0),
		Handlers: agent.NewHandlers(client, diff.Rules{}, "", slog.Default()),
		Git:      gitx.New(cfg.Git, gitx.WithRunner(runner)),
		Forge:    fg,
		Batches:  batch.New(st, cfg, emitter, slog.Default()),
		Config:   cfg,
		Emitter:  emitter,
		Logger:   slog.Default(),
	}
	return &fixture{
		t:      t,
		store:  st,
		cfg:    cfg,
		client: client,
		forge:  fg,
		runner: runner,
		deps:   deps,
		driver: New(deps),
	}
}

func (f *fixture) newTask(issue int, title, body string) *task.Task {
	f.t.Helper()
	tk := task.New("acme/widgets", issue, title, body)
	require.NoError(f.t, f.store.CreateTask(context.Background(), tk))
	return tk
}

// approvedTask walks a task to REVIEW_APPROVED with a diff ready to test.
func (f *fixture) approvedTask(issue int, files []string, diffText string) *task.Task {
	f.t.Helper()
	ctx := context.Background()
	tk := f.newTask(issue, fmt.Sprintf("change %d", issue), "do the thing")

	branch := gitx.BranchName(issue, tk.ID)
	message := fmt.Sprintf("issue #%d: apply change", issue)
	complexity := task.ComplexityS
	plan := []string{"edit the file"}
	for _, st := range []task.Status{
		task.StatusPlanning, task.StatusPlanningDone, task.StatusCoding,
		task.StatusCodingDone, task.StatusReviewing, task.StatusReviewApproved,
	} {
		status := st
		patch := store.TaskPatch{Status: &status}
		if st == task.StatusPlanningDone {
			patch.Plan = &plan
			patch.TargetFiles = &files
			patch.EstimatedComplexity = &complexity
		}
		if st == task.StatusCodingDone {
			patch.CurrentDiff = &diffText
			patch.CommitMessage = &message
			patch.BranchName = &branch
		}
		var err error
		tk, err = f.store.UpdateTask(ctx, tk.ID, patch)
		require.NoError(f.t, err)
	}
	return tk
}

func (f *fixture) eventTypes(taskID string) []task.EventType {
	f.t.Helper()
	evs, err := f.store.ListEvents(context.Background(), taskID)
	require.NoError(f.t, err)
	types := make([]task.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

// --- tests ---

func TestRunHappyPathOpensPR(t *testing.T) {
	f := newFixture(t)
	f.client.script["plan"] = replies(planReply(t, "S"))
	f.client.script["code"] = replies(codeReply(t, diffFor("cmd/app/main.go"), "fix: validate empty flag"))
	f.client.script["review"] = replies(reviewReply(t, "APPROVE", "looks correct"))
	f.forge.checkQueue = [][]forge.CheckRun{passingChecks()}

	tk := f.newTask(7, "crash on empty flag", "passing an empty --name crashes the CLI")
	got, err := f.driver.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusPRCreated, got.Status)
	assert.Equal(t, 101, got.PRNumber)
	assert.Contains(t, got.PRURL, "/pull/101")
	assert.True(t, strings.HasPrefix(got.BranchName, "auto-dev/issue-7-"), "branch %q", got.BranchName)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Empty(t, got.LastError)

	assert.Equal(t, []task.EventType{
		task.EventPlanned, task.EventCoded, task.EventReviewed,
		task.EventTested, task.EventPROpened,
	}, f.eventTypes(tk.ID))

	require.Len(t, f.forge.created, 1)
	opts := f.forge.created[0]
	assert.Equal(t, got.BranchName, opts.Head)
	assert.Equal(t, "main", opts.Base)
	assert.Contains(t, opts.Body, "Closes #7.")
	assert.True(t, f.runner.sawSubcommand("apply"), "diff should have been applied")
	assert.True(t, f.runner.sawSubcommand("commit"))
}

func TestRunParksOversizedPlan(t *testing.T) {
	f := newFixture(t)
	f.client.script["plan"] = replies(planReply(t, "XL"))

	tk := f.newTask(12, "rewrite the scheduler", "rework everything about scheduling")
	got, err := f.driver.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusWaitingHuman, got.Status)
	assert.Contains(t, got.LastError, "split the issue")
	assert.Equal(t, []task.EventType{task.EventPlanned}, f.eventTypes(tk.ID))
	assert.Equal(t, []string{"plan"}, f.client.stages, "coder must not run")
}

func TestRunReviewRejectionDrivesFix(t *testing.T) {
	f := newFixture(t)
	f.client.script["plan"] = replies(planReply(t, "S"))
	f.client.script["code"] = replies(codeReply(t, diffFor("cmd/app/main.go"), "fix: first cut"))
	f.client.script["review"] = replies(
		reviewReply(t, "REQUEST_CHANGES", "missing a regression test"),
		reviewReply(t, "APPROVE", "test added"),
	)
	f.client.script["fix"] = replies(fixReply(t, diffFor("cmd/app/main.go"), "fix: add regression test"))
	f.forge.checkQueue = [][]forge.CheckRun{passingChecks()}

	tk := f.newTask(9, "flaky retry", "retries give up too early")
	got, err := f.driver.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusPRCreated, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "one repair pass spent")
	assert.Equal(t, "fix: add regression test", got.CommitMessage)
	assert.Equal(t, []task.EventType{
		task.EventPlanned, task.EventCoded, task.EventReviewed, task.EventFixed,
		task.EventReviewed, task.EventTested, task.EventPROpened,
	}, f.eventTypes(tk.ID))
}

func TestRunCheckFailureLoopsThroughFix(t *testing.T) {
	f := newFixture(t)
	f.client.script["plan"] = replies(planReply(t, "S"))
	f.client.script["code"] = replies(codeReply(t, diffFor("cmd/app/main.go"), "fix: first cut"))
	f.client.script["review"] = replies(reviewReply(t, "APPROVE", "fine"))
	f.client.script["fix"] = replies(fixReply(t, diffFor("cmd/app/main.go"), "fix: second cut"))
	f.forge.checkQueue = [][]forge.CheckRun{failingChecks("unit"), passingChecks()}

	tk := f.newTask(3, "broken build", "the build fails on warnings")
	got, err := f.driver.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusPRCreated, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	evs, err := f.store.ListEvents(context.Background(), tk.ID)
	require.NoError(t, err)
	var tested []task.Event
	for _, ev := range evs {
		if ev.Type == task.EventTested {
			tested = append(tested, ev)
		}
	}
	require.Len(t, tested, 2)
	assert.Contains(t, tested[0].OutputSummary, "checks failed: unit")
	assert.Equal(t, "failure", tested[0].Metadata["conclusion"])
	assert.Equal(t, "success", tested[1].Metadata["conclusion"])
}

func TestRunSuspendsWhileChecksPending(t *testing.T) {
	f := newFixture(t)
	f.forge.checkQueue = [][]forge.CheckRun{{
		{ID: 1, Name: "unit", Status: "in_progress"},
	}}

	tk := f.approvedTask(21, []string{"pkg/a.go"}, diffFor("pkg/a.go"))
	got, err := f.driver.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusTesting, got.Status)
	assert.NotContains(t, f.eventTypes(tk.ID), task.EventTested, "no verdict recorded yet")
}

func TestStepApplyConflictFailsTests(t *testing.T) {
	f := newFixture(t)
	f.runner.reply = func(args []string) (string, error) {
		if len(args) > 0 && args[0] == "apply" {
			return "", errors.New("patch failed: pkg/a.go:1")
		}
		return gitOK(args)
	}

	tk := f.approvedTask(4, []string{"pkg/a.go"}, diffFor("pkg/a.go"))
	got, outcome, err := f.driver.Step(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, StepAdvanced, outcome)
	assert.Equal(t, task.StatusTestsFailed, got.Status)
	assert.Contains(t, got.LastError, "diff does not apply")
}

func TestStepPreconditionViolationIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A task in PLANNING_DONE with no plan cannot run the coder.
	tk := f.newTask(5, "odd state", "body")
	for _, st := range []task.Status{task.StatusPlanning, task.StatusPlanningDone} {
		status := st
		var err error
		tk, err = f.store.UpdateTask(ctx, tk.ID, store.TaskPatch{Status: &status})
		require.NoError(t, err)
	}

	got, outcome, err := f.driver.Step(ctx, tk)
	require.NoError(t, err)

	assert.Equal(t, StepTerminal, outcome)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "cannot run CODE")
	require.Len(t, f.forge.comments, 1)
	assert.Contains(t, f.forge.comments[0], "PRECONDITION_VIOLATION")
}

func TestRunValidationFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	f.client.script["plan"] = replies("this is not json at all")

	tk := f.newTask(6, "doomed", "the planner keeps rambling")
	got, err := f.driver.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.DefaultMaxAttempts, got.AttemptCount)
	assert.Contains(t, got.LastError, "invalid diff")

	// Four invocations: the initial pass plus one per attempt, the later
	// ones on escalation models.
	require.Len(t, f.client.models, 4)
	assert.Equal(t, "opus", f.client.models[3], "top rung reached")

	types := f.eventTypes(tk.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, task.EventFailed, types[len(types)-1])
	require.Len(t, f.forge.comments, 1)
	assert.Contains(t, f.forge.comments[0], "INVALID_OUTPUT")
}

func TestRunModelOutageWalksLadderThenFails(t *testing.T) {
	f := newFixture(t)
	f.client.script["plan"] = []reply{{err: autoerrors.ErrModelUnavailable("sonnet", errors.New("connection refused"))}}

	tk := f.newTask(8, "offline", "model endpoint is down")
	got, err := f.driver.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "unavailable")
	// standard, escalation_1, escalation_2 within a single step
	assert.Equal(t, []string{"sonnet", "sonnet", "opus"}, f.client.models)
	assert.Equal(t, 0, got.AttemptCount, "outages never charge the repair budget")
}

func TestRunStepBudgetStopsPingPong(t *testing.T) {
	f := newFixture(t)
	f.client.script["plan"] = replies(planReply(t, "S"))
	f.client.script["code"] = replies(codeReply(t, diffFor("cmd/app/main.go"), "fix: attempt"))
	f.client.script["review"] = replies(reviewReply(t, "REQUEST_CHANGES", "still wrong"))
	f.client.script["fix"] = replies(fixReply(t, diffFor("cmd/app/main.go"), "fix: again"))

	tk := f.newTask(11, "ping pong", "review and fix forever")
	budget := 1000
	_, err := f.store.UpdateTask(context.Background(), tk.ID, store.TaskPatch{MaxAttempts: &budget})
	require.NoError(t, err)

	got, err := f.driver.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "exceeded its budget")
	assert.Contains(t, got.LastError, "steps")
}

func TestRunCancellationFailsAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.client.script["plan"] = replies(planReply(t, "S"))
	f.client.onCall = func(string) { cancel() }

	tk := f.newTask(2, "cancelled", "job told us to stop")
	got, err := f.driver.Run(ctx, tk.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "stopped during PLAN")

	// the failure was persisted despite the dead context
	fresh, err := f.store.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, fresh.Status)
}

func TestRunDisabledForgeSkipsChecksAndParksOnPR(t *testing.T) {
	f := newFixture(t)
	f.deps.Forge = forge.Disabled()
	d := New(f.deps)

	tk := f.approvedTask(14, []string{"pkg/b.go"}, diffFor("pkg/b.go"))
	got, err := d.Run(context.Background(), tk.ID)
	require.NoError(t, err)

	// No provider: checks are skipped, but there is nowhere to open a
	// PR, so the task holds at TESTS_PASSED for a retry or an operator.
	assert.Equal(t, task.StatusTestsPassed, got.Status)
	assert.Contains(t, got.LastError, "OPEN_PR blocked")

	evs, err := f.store.ListEvents(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Contains(t, evs[len(evs)-1].OutputSummary, "no hosting provider")
}

func TestRunBatchMembersShareOnePR(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.forge.checkQueue = [][]forge.CheckRun{passingChecks()}

	// Two approved tasks over the same files, with mergeable diffs.
	t1 := f.approvedTask(41, []string{"pkg/shared.go"}, diffFor("pkg/one.go"))
	t2 := f.approvedTask(42, []string{"pkg/shared.go"}, diffFor("pkg/two.go"))

	co := f.deps.Batches
	routed, err := co.OnReviewApproved(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, task.StatusWaitingBatch, routed.Status)
	require.NoError(t, co.ProcessDue(ctx))

	for _, tk := range []*task.Task{t1, t2} {
		got, err := f.driver.Run(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPRCreated, got.Status, "task %s", tk.ID)
	}

	g1, err := f.store.GetTask(ctx, t1.ID)
	require.NoError(t, err)
	g2, err := f.store.GetTask(ctx, t2.ID)
	require.NoError(t, err)

	assert.Equal(t, g1.PRNumber, g2.PRNumber, "one PR carries both tasks")
	require.Len(t, f.forge.created, 1, "the second member reuses the PR")
	opts := f.forge.created[0]
	assert.Contains(t, opts.Title, "(+1 more)")
	assert.Contains(t, opts.Body, "Closes #41.")
	assert.Contains(t, opts.Body, "#42")
	assert.True(t, strings.HasPrefix(opts.Head, "auto-dev/batch-"))

	b, err := f.store.GetBatch(ctx, g1.BatchID)
	require.NoError(t, err)
	assert.Equal(t, g1.PRURL, b.PRURL, "batch records the shared PR")
}

func TestStepWaitsOnSuspendedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk := f.newTask(1, "waiting", "body")
	for _, st := range []task.Status{task.StatusPlanning, task.StatusPlanningDone, task.StatusWaitingHuman} {
		status := st
		var err error
		tk, err = f.store.UpdateTask(ctx, tk.ID, store.TaskPatch{Status: &status})
		require.NoError(t, err)
	}

	got, outcome, err := f.driver.Step(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, StepSuspended, outcome)
	assert.Equal(t, task.StatusWaitingHuman, got.Status)
	assert.Empty(t, f.client.stages, "no handler may run for a parked task")
}
