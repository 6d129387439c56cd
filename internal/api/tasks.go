package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// handleListTasks returns task summaries, newest first. The large text
// fields (body, plan, diff) stay out of the list view.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		Repo:    q.Get("repo"),
		JobID:   q.Get("job_id"),
		BatchID: q.Get("batch_id"),
		Limit:   intQuery(q.Get("limit")),
		Offset:  intQuery(q.Get("offset")),
	}
	if v := q.Get("status"); v != "" {
		filter.Status = task.Status(strings.ToUpper(v))
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		HandleError(w, err)
		return
	}

	// Always an array, never null.
	summaries := make([]task.Summary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, t.Summarize())
	}
	JSONResponse(w, summaries)
}

// handleGetTask returns the full task, diff included.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, t)
}

// handleCreateTask creates a task from a source-host issue.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo        string `json:"repo"`
		IssueNumber int    `json:"issue_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.ingress.ImportIssue(r.Context(), req.Repo, req.IssueNumber)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponseStatus(w, t, http.StatusCreated)
}

// handleStartTask drives the task in the background from wherever it
// stands. The run outlives the request; progress arrives on the event
// stream.
func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	if t.IsTerminal() {
		HandleError(w, autoerrors.ErrTaskTerminal(t.ID, string(t.Status)))
		return
	}
	if s.runner.Owns(id) {
		HandleError(w, autoerrors.ErrTaskRunning(id))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.runningMu.Lock()
	s.running[id] = cancel
	s.runningMu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.runningMu.Lock()
			delete(s.running, id)
			s.runningMu.Unlock()
		}()
		if _, err := s.runner.RunTask(ctx, id); err != nil {
			s.logger.Error("task run failed", "task", id, "error", err)
		}
	}()

	JSONResponseStatus(w, map[string]any{
		"status":  "started",
		"task_id": id,
		"task":    t.Summarize(),
	}, http.StatusAccepted)
}

// handleCancelTask stops a task. A run this server started gets the
// cooperative signal and fails at the next stage boundary; a parked task
// fails directly.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	if t.IsTerminal() {
		HandleError(w, autoerrors.ErrTaskTerminal(t.ID, string(t.Status)))
		return
	}

	s.runningMu.Lock()
	cancel, inFlight := s.running[id]
	s.runningMu.Unlock()
	if inFlight {
		cancel()
		JSONResponseStatus(w, map[string]string{
			"status":  "cancelling",
			"task_id": id,
		}, http.StatusAccepted)
		return
	}

	failed := task.StatusFailed
	reason := "cancelled by operator"
	updated, err := s.store.UpdateTask(r.Context(), id, store.TaskPatch{
		Status:    &failed,
		LastError: &reason,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	s.emitter.StateChanged(id, t.Status, failed)

	ev := &task.Event{
		TaskID:        id,
		Type:          task.EventFailed,
		Agent:         "api",
		OutputSummary: reason,
		Metadata: map[string]any{
			"code": string(autoerrors.CodeCancelled),
			"from": string(t.Status),
		},
	}
	s.store.AppendEvent(r.Context(), ev)
	s.emitter.Audit(ev)
	s.logger.Info("task cancelled", "task", id, "from", t.Status)

	JSONResponse(w, updated)
}

// handleRefreshTask re-polls external state for a suspended task.
func (s *Server) handleRefreshTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ingress.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, t)
}

// handleTaskEvents returns the task's audit trail in append order.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		HandleError(w, err)
		return
	}
	evs, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	if evs == nil {
		evs = []task.Event{}
	}
	JSONResponse(w, evs)
}

// intQuery parses a non-negative integer query value, zero when absent or
// unparseable.
func intQuery(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
