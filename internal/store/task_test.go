package store

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halverson/autodev/internal/db"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return New(database, slog.Default())
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 42, "Fix login timeout", "Sessions die after 5 minutes")
	tk.DefinitionOfDone = []string{"timeout configurable", "tests pass"}
	tk.Plan = []string{"add config knob", "thread through session manager"}
	tk.TargetFiles = []string{"internal/session/session.go"}
	tk.EstimatedComplexity = task.ComplexityS
	tk.EstimatedEffort = task.EffortLow

	require.NoError(t, s.CreateTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, "acme/widgets", got.Repo)
	assert.Equal(t, 42, got.IssueNumber)
	assert.Equal(t, task.StatusNew, got.Status)
	assert.Equal(t, tk.DefinitionOfDone, got.DefinitionOfDone)
	assert.Equal(t, tk.Plan, got.Plan)
	assert.Equal(t, tk.TargetFiles, got.TargetFiles)
	assert.Equal(t, task.ComplexityS, got.EstimatedComplexity)
	assert.Equal(t, task.EffortLow, got.EstimatedEffort)
	assert.Equal(t, task.DefaultMaxAttempts, got.MaxAttempts)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, autoerrors.CodeTaskNotFound, autoerrors.CodeOf(err))
}

func TestUpdateTaskTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 1, "Title", "Body")
	require.NoError(t, s.CreateTask(ctx, tk))

	planning := task.StatusPlanning
	got, err := s.UpdateTask(ctx, tk.ID, TaskPatch{Status: &planning})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanning, got.Status)

	// Persisted, not just returned.
	reread, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPlanning, reread.Status)
}

func TestUpdateTaskInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 2, "Title", "Body")
	require.NoError(t, s.CreateTask(ctx, tk))

	toTesting := task.StatusTesting
	_, err := s.UpdateTask(ctx, tk.ID, TaskPatch{Status: &toTesting})
	require.Error(t, err)
	assert.Equal(t, autoerrors.CodeInvalidTransition, autoerrors.CodeOf(err))

	// Rejected writes leave the row untouched.
	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusNew, got.Status)
}

func TestUpdateTaskSameStatusNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 3, "Title", "Body")
	require.NoError(t, s.CreateTask(ctx, tk))

	before, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)

	same := task.StatusNew
	got, err := s.UpdateTask(ctx, tk.ID, TaskPatch{Status: &same})
	require.NoError(t, err)
	assert.Equal(t, task.StatusNew, got.Status)
	assert.Equal(t, before.UpdatedAt, got.UpdatedAt, "no-op patch must not bump updated_at")
}

func TestUpdateTaskSameStatusWithFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 4, "Title", "Body")
	require.NoError(t, s.CreateTask(ctx, tk))

	same := task.StatusNew
	branch := "autodev/task-4"
	got, err := s.UpdateTask(ctx, tk.ID, TaskPatch{Status: &same, BranchName: &branch})
	require.NoError(t, err)
	assert.Equal(t, task.StatusNew, got.Status)
	assert.Equal(t, "autodev/task-4", got.BranchName)
}

func TestUpdateTaskFieldPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 5, "Title", "Body")
	require.NoError(t, s.CreateTask(ctx, tk))

	attempts := 2
	lastErr := "tests failed: TestLogin"
	got, err := s.UpdateTask(ctx, tk.ID, TaskPatch{AttemptCount: &attempts, LastError: &lastErr})
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "tests failed: TestLogin", got.LastError)
	assert.Equal(t, task.StatusNew, got.Status, "field patch must not move status")
}

func TestListTasksFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := task.New("acme/widgets", 10, "A", "")
	b := task.New("acme/widgets", 11, "B", "")
	c := task.New("acme/gadgets", 12, "C", "")
	for _, tk := range []*task.Task{a, b, c} {
		require.NoError(t, s.CreateTask(ctx, tk))
	}
	planning := task.StatusPlanning
	_, err := s.UpdateTask(ctx, b.ID, TaskPatch{Status: &planning})
	require.NoError(t, err)

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byRepo, err := s.ListTasks(ctx, TaskFilter{Repo: "acme/widgets"})
	require.NoError(t, err)
	assert.Len(t, byRepo, 2)

	byStatus, err := s.ListTasks(ctx, TaskFilter{Status: task.StatusPlanning})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, b.ID, byStatus[0].ID)

	limited, err := s.ListTasks(ctx, TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListPendingExcludesTerminalAndSuspended(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := task.New("acme/widgets", 20, "fresh", "")
	done := task.New("acme/widgets", 21, "done", "")
	waiting := task.New("acme/widgets", 22, "waiting", "")
	for _, tk := range []*task.Task{fresh, done, waiting} {
		require.NoError(t, s.CreateTask(ctx, tk))
	}

	failed := task.StatusFailed
	_, err := s.UpdateTask(ctx, done.ID, TaskPatch{Status: &failed})
	require.NoError(t, err)

	// NEW -> PLANNING -> PLANNING_DONE -> WAITING_HUMAN
	for _, st := range []task.Status{task.StatusPlanning, task.StatusPlanningDone, task.StatusWaitingHuman} {
		st := st
		_, err := s.UpdateTask(ctx, waiting.ID, TaskPatch{Status: &st})
		require.NoError(t, err)
	}

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

func TestFindTaskByIssueAndPR(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 30, "Title", "Body")
	require.NoError(t, s.CreateTask(ctx, tk))

	byIssue, err := s.FindTaskByIssue(ctx, "acme/widgets", 30)
	require.NoError(t, err)
	require.NotNil(t, byIssue)
	assert.Equal(t, tk.ID, byIssue.ID)

	missing, err := s.FindTaskByIssue(ctx, "acme/widgets", 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	pr := 77
	_, err = s.UpdateTask(ctx, tk.ID, TaskPatch{PRNumber: &pr})
	require.NoError(t, err)

	byPR, err := s.FindTaskByPR(ctx, "acme/widgets", 77)
	require.NoError(t, err)
	require.NotNil(t, byPR)
	assert.Equal(t, tk.ID, byPR.ID)
}

func TestFindTasksByBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 31, "Title", "Body")
	require.NoError(t, s.CreateTask(ctx, tk))
	branch := "autodev/issue-31"
	_, err := s.UpdateTask(ctx, tk.ID, TaskPatch{BranchName: &branch})
	require.NoError(t, err)

	found, err := s.FindTasksByBranch(ctx, "acme/widgets", "autodev/issue-31")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, tk.ID, found[0].ID)

	none, err := s.FindTasksByBranch(ctx, "acme/widgets", "other-branch")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("acme/widgets", 40, "Title", "Body")
	require.NoError(t, s.CreateTask(ctx, tk))

	s.AppendEvent(ctx, &task.Event{TaskID: tk.ID, Type: task.EventCreated, Agent: "ingress"})
	s.AppendEvent(ctx, &task.Event{
		TaskID:        tk.ID,
		Type:          task.EventPlanned,
		Agent:         "planner",
		OutputSummary: "3 steps",
		TokensUsed:    1200,
		DurationMS:    5400,
		Metadata:      map[string]any{"complexity": "S"},
	})

	events, err := s.ListEvents(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, task.EventCreated, events[0].Type)
	assert.Equal(t, task.EventPlanned, events[1].Type)
	assert.Equal(t, "planner", events[1].Agent)
	assert.Equal(t, 1200, events[1].TokensUsed)
	assert.Equal(t, "S", events[1].Metadata["complexity"])
	assert.Greater(t, events[1].ID, events[0].ID, "event IDs must be monotonic")
}
