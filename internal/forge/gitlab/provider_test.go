package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/forge"
)

// newTestProvider wires a Provider to an httptest server standing in for
// the GitLab API. The handler sees paths under /api/v4 because client-go
// appends that prefix to the base URL.
func newTestProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gogitlab.NewClient("test-token", gogitlab.WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	return &Provider{client: client}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestFetchIssue(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/issues/3") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeJSON(t, w, http.StatusNotFound, `{"message":"404 Not Found"}`)
			return
		}
		writeJSON(t, w, http.StatusOK, `{
			"id": 1003,
			"iid": 3,
			"title": "Fix flaky retry loop",
			"description": "Seen in CI since Tuesday.",
			"state": "opened",
			"labels": ["auto-dev", "bug"],
			"web_url": "https://gitlab.example.com/group/sub/api/-/issues/3"
		}`)
	}))

	issue, err := p.FetchIssue(context.Background(), "group/sub/api", 3)
	if err != nil {
		t.Fatalf("FetchIssue() error = %v", err)
	}
	if issue.Number != 3 {
		t.Errorf("Number = %d, want 3", issue.Number)
	}
	if issue.State != "open" {
		t.Errorf("State = %q, want open (normalized from opened)", issue.State)
	}
	if len(issue.Labels) != 2 || issue.Labels[0] != "auto-dev" {
		t.Errorf("Labels = %v, want [auto-dev bug]", issue.Labels)
	}
}

func TestFetchIssueNotFound(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, `{"message":"404 Issue Not Found"}`)
	}))

	_, err := p.FetchIssue(context.Background(), "group/api", 99)
	if !errors.Is(err, forge.ErrNotFound) {
		t.Errorf("FetchIssue() error = %v, want ErrNotFound", err)
	}
}

func TestListIssuesByLabel(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("labels"); got != "auto-dev" {
			t.Errorf("labels query = %q, want auto-dev", got)
		}
		if got := q.Get("state"); got != "opened" {
			t.Errorf("state query = %q, want opened", got)
		}
		writeJSON(t, w, http.StatusOK, `[
			{"id": 1001, "iid": 1, "title": "first", "state": "opened", "labels": ["auto-dev"]},
			{"id": 1002, "iid": 2, "title": "second", "state": "opened", "labels": ["auto-dev"]}
		]`)
	}))

	issues, err := p.ListIssuesByLabel(context.Background(), "group/api", "auto-dev")
	if err != nil {
		t.Fatalf("ListIssuesByLabel() error = %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2", len(issues))
	}
	if issues[1].Number != 2 {
		t.Errorf("issues[1].Number = %d, want 2", issues[1].Number)
	}
}

func TestCreatePR(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/merge_requests") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if got := body["source_branch"]; got != "auto-dev/issue-3-1a2b3c4d" {
			t.Errorf("source_branch = %v", got)
		}
		if got := body["target_branch"]; got != "main" {
			t.Errorf("target_branch = %v", got)
		}
		if got := body["title"]; got != "Fix flaky retry loop" {
			t.Errorf("title = %v", got)
		}
		writeJSON(t, w, http.StatusCreated, `{
			"iid": 7,
			"title": "Fix flaky retry loop",
			"state": "opened",
			"source_branch": "auto-dev/issue-3-1a2b3c4d",
			"target_branch": "main",
			"web_url": "https://gitlab.example.com/group/api/-/merge_requests/7"
		}`)
	}))

	pr, err := p.CreatePR(context.Background(), "group/api", forge.PROptions{
		Title: "Fix flaky retry loop",
		Body:  "Automated change.",
		Head:  "auto-dev/issue-3-1a2b3c4d",
		Base:  "main",
	})
	if err != nil {
		t.Fatalf("CreatePR() error = %v", err)
	}
	if pr.Number != 7 || pr.State != "open" {
		t.Errorf("PR = %+v, want number 7 state open", pr)
	}
}

func TestCreatePRDraftPrefixesTitle(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if got := body["title"]; got != "Draft: speculative fix" {
			t.Errorf("title = %v, want Draft: speculative fix", got)
		}
		writeJSON(t, w, http.StatusCreated, `{"iid": 8, "title": "Draft: speculative fix", "state": "opened"}`)
	}))

	_, err := p.CreatePR(context.Background(), "group/api", forge.PROptions{
		Title: "speculative fix",
		Head:  "auto-dev/x",
		Base:  "main",
		Draft: true,
	})
	if err != nil {
		t.Fatalf("CreatePR() error = %v", err)
	}
}

func TestGetPRMergedState(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `{
			"iid": 11,
			"title": "merged already",
			"state": "merged",
			"source_branch": "auto-dev/batch-9d4e21c7",
			"target_branch": "main"
		}`)
	}))

	pr, err := p.GetPR(context.Background(), "group/api", 11)
	if err != nil {
		t.Fatalf("GetPR() error = %v", err)
	}
	if !pr.Merged || pr.State != "merged" {
		t.Errorf("PR = %+v, want merged", pr)
	}
}

func TestFindPRByBranch(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("source_branch") {
		case "auto-dev/present":
			writeJSON(t, w, http.StatusOK, `[{"iid": 4, "title": "found", "state": "opened", "source_branch": "auto-dev/present"}]`)
		default:
			writeJSON(t, w, http.StatusOK, `[]`)
		}
	}))

	pr, err := p.FindPRByBranch(context.Background(), "group/api", "auto-dev/present")
	if err != nil {
		t.Fatalf("FindPRByBranch() error = %v", err)
	}
	if pr.Number != 4 || pr.State != "open" {
		t.Errorf("PR = %+v, want number 4 state open", pr)
	}

	_, err = p.FindPRByBranch(context.Background(), "group/api", "auto-dev/absent")
	if !errors.Is(err, forge.ErrNoPRFound) {
		t.Errorf("FindPRByBranch() error = %v, want ErrNoPRFound", err)
	}
}

func TestListCheckRunsMapsPipelineJobs(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/pipelines/55/jobs"):
			writeJSON(t, w, http.StatusOK, `[
				{"id": 101, "name": "unit", "status": "success"},
				{"id": 102, "name": "lint", "status": "running"}
			]`)
		case strings.Contains(r.URL.Path, "/pipelines"):
			if got := r.URL.Query().Get("ref"); got != "auto-dev/issue-3-1a2b3c4d" {
				t.Errorf("ref query = %q", got)
			}
			writeJSON(t, w, http.StatusOK, `[{"id": 55, "status": "running"}]`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			writeJSON(t, w, http.StatusNotFound, `{"message":"404 Not Found"}`)
		}
	}))

	runs, err := p.ListCheckRuns(context.Background(), "group/api", "auto-dev/issue-3-1a2b3c4d")
	if err != nil {
		t.Fatalf("ListCheckRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].Name != "unit" || runs[0].Status != "completed" || runs[0].Conclusion != "success" {
		t.Errorf("runs[0] = %+v", runs[0])
	}
	if runs[1].Name != "lint" || runs[1].Status != "in_progress" || runs[1].Conclusion != "running" {
		t.Errorf("runs[1] = %+v", runs[1])
	}
}

func TestListCheckRunsNoPipelines(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `[]`)
	}))

	runs, err := p.ListCheckRuns(context.Background(), "group/api", "auto-dev/quiet")
	if err != nil {
		t.Fatalf("ListCheckRuns() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d runs, want none", len(runs))
	}
}

func TestCreateIssueComment(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/issues/3/notes") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if got := body["body"]; got != "automation gave up after 3 attempts" {
			t.Errorf("note body = %v", got)
		}
		writeJSON(t, w, http.StatusCreated, `{"id": 900}`)
	}))

	err := p.CreateIssueComment(context.Background(), "group/api", 3, "automation gave up after 3 attempts")
	if err != nil {
		t.Fatalf("CreateIssueComment() error = %v", err)
	}
}

func TestMapJobStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		gitlabStatus   string
		wantStatus     string
		wantConclusion string
	}{
		{"success", "completed", "success"},
		{"failed", "completed", "failure"},
		{"canceled", "completed", "cancelled"},
		{"skipped", "completed", "skipped"},
		{"running", "in_progress", "running"},
		{"pending", "queued", ""},
		{"created", "queued", ""},
		{"manual", "queued", ""},
		{"some_future_status", "queued", ""},
	}

	for _, tt := range tests {
		t.Run(tt.gitlabStatus, func(t *testing.T) {
			t.Parallel()

			status, conclusion := mapJobStatus(tt.gitlabStatus)
			if status != tt.wantStatus || conclusion != tt.wantConclusion {
				t.Errorf("mapJobStatus(%q) = (%q, %q), want (%q, %q)",
					tt.gitlabStatus, status, conclusion, tt.wantStatus, tt.wantConclusion)
			}
		})
	}
}

func TestNameAndRegistration(t *testing.T) {
	t.Setenv("GITLAB_TOKEN", "glpat-test")

	provider, err := forge.New(config.ForgeConfig{Provider: forge.ProviderGitLab})
	if err != nil {
		t.Fatalf("forge.New() error = %v", err)
	}
	if provider.Name() != forge.ProviderGitLab {
		t.Errorf("Name() = %q, want gitlab", provider.Name())
	}
}
