package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// handleListJobs returns jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Repo:  q.Get("repo"),
		Limit: intQuery(q.Get("limit")),
	}
	if v := q.Get("status"); v != "" {
		filter.Status = task.JobStatus(strings.ToLower(v))
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		HandleError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*task.Job{}
	}
	JSONResponse(w, jobs)
}

// handleCreateJob creates tasks for the named issues and groups them
// under a new job. The job stays PENDING until run explicitly or picked
// up by the dispatcher.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo         string `json:"repo"`
		IssueNumbers []int  `json:"issue_numbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	j, err := s.ingress.FormJob(r.Context(), req.Repo, req.IssueNumbers)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponseStatus(w, j, http.StatusCreated)
}

// handleGetJob returns one job with its live summary.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, j)
}

// handleJobEvents merges the audit trails of every member task, ordered
// by time. Ties keep each task's own append order.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	merged := []task.Event{}
	for _, taskID := range j.TaskIDs {
		evs, err := s.store.ListEvents(r.Context(), taskID)
		if err != nil {
			HandleError(w, err)
			return
		}
		merged = append(merged, evs...)
	}
	sort.SliceStable(merged, func(i, k int) bool {
		return merged[i].CreatedAt.Before(merged[k].CreatedAt)
	})
	JSONResponse(w, merged)
}

// handleRunJob starts the job in the background. Re-posting against a
// running job is a no-op; the runner refuses double claims.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	if j.Status.IsTerminal() {
		JSONError(w, fmt.Sprintf("job %s is already %s", id, j.Status), http.StatusConflict)
		return
	}
	if s.runner.Running(id) {
		JSONResponseStatus(w, map[string]string{
			"status": "running",
			"job_id": id,
		}, http.StatusAccepted)
		return
	}

	go func() {
		if _, err := s.runner.RunJob(context.Background(), id); err != nil {
			s.logger.Error("job run failed", "job", id, "error", err)
		}
	}()

	JSONResponseStatus(w, map[string]any{
		"status": "started",
		"job_id": id,
		"job":    j,
	}, http.StatusAccepted)
}

// handleCancelJob signals or freezes the job, whichever applies.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.runner.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, j)
}
