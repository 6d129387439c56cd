package store

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/task"
)

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := task.NewJob("acme/widgets", []string{"t1", "t2", "t3"})
	require.NoError(t, s.CreateJob(ctx, j))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, task.JobPending, got.Status)
	assert.Equal(t, []string{"t1", "t2", "t3"}, got.TaskIDs)
	assert.Equal(t, 3, got.Summary.Total)
	assert.Equal(t, 3, got.Summary.Pending)
	assert.True(t, got.Summary.Consistent())
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, autoerrors.CodeJobNotFound, autoerrors.CodeOf(err))
}

func TestUpdateJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := task.NewJob("acme/widgets", []string{"t1", "t2"})
	require.NoError(t, s.CreateJob(ctx, j))

	got, err := s.UpdateJob(ctx, j.ID, func(job *task.Job) error {
		job.Status = task.JobRunning
		job.Summary.Pending--
		job.Summary.InProgress++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, task.JobRunning, got.Status)
	assert.Equal(t, 1, got.Summary.InProgress)
	assert.True(t, got.Summary.Consistent())

	// Sequential updates see each other's state.
	got, err = s.UpdateJob(ctx, j.ID, func(job *task.Job) error {
		job.Summary.InProgress--
		job.Summary.Completed++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Summary.Completed)
	assert.Equal(t, 0, got.Summary.InProgress)
	assert.True(t, got.Summary.Consistent())
}

func TestUpdateJobMutateError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := task.NewJob("acme/widgets", []string{"t1"})
	require.NoError(t, s.CreateJob(ctx, j))

	boom := stderrors.New("boom")
	_, err := s.UpdateJob(ctx, j.ID, func(job *task.Job) error {
		job.Status = task.JobRunning
		return boom
	})
	require.Error(t, err)

	// A failed mutate must not persist anything.
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, task.JobPending, got.Status)
}

func TestUpdateJobConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := task.NewJob("acme/widgets", []string{"t1", "t2", "t3", "t4"})
	require.NoError(t, s.CreateJob(ctx, j))

	// Concurrent counter bumps must all land; the version guard serializes
	// read-modify-write cycles.
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := s.UpdateJob(ctx, j.ID, func(job *task.Job) error {
				job.Summary.Pending--
				job.Summary.Completed++
				return nil
			})
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Summary.Completed)
	assert.Equal(t, 0, got.Summary.Pending)
	assert.True(t, got.Summary.Consistent())
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := task.NewJob("acme/widgets", []string{"t1"})
	j2 := task.NewJob("acme/gadgets", []string{"t2"})
	require.NoError(t, s.CreateJob(ctx, j1))
	require.NoError(t, s.CreateJob(ctx, j2))

	all, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byRepo, err := s.ListJobs(ctx, JobFilter{Repo: "acme/widgets"})
	require.NoError(t, err)
	require.Len(t, byRepo, 1)
	assert.Equal(t, j1.ID, byRepo[0].ID)

	pending, err := s.ListPendingJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = s.UpdateJob(ctx, j1.ID, func(job *task.Job) error {
		job.Status = task.JobRunning
		return nil
	})
	require.NoError(t, err)

	pending, err = s.ListPendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, j2.ID, pending[0].ID)
}
