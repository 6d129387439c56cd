// Package gitlab implements forge.Provider with the GitLab client-go
// library. Merge requests map onto the neutral PR type and pipeline jobs
// onto check runs.
package gitlab

import (
	"context"
	"fmt"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/forge"
)

// Compile-time interface check.
var _ forge.Provider = (*Provider)(nil)

func init() {
	forge.Register(forge.ProviderGitLab, func(cfg config.ForgeConfig) (forge.Provider, error) {
		return New(cfg)
	})
}

// Provider talks to the GitLab REST API. The repo string ("group/project",
// subgroups included) is used directly as the project identifier.
type Provider struct {
	client *gogitlab.Client
}

// New builds a Provider from forge config. The token comes from the
// configured env var (default GITLAB_TOKEN); BaseURL switches to a
// self-hosted instance.
func New(cfg config.ForgeConfig) (*Provider, error) {
	token, err := forge.ResolveToken(cfg, "GITLAB_TOKEN")
	if err != nil {
		return nil, err
	}

	var client *gogitlab.Client
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(base+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &Provider{client: client}, nil
}

// Name returns "gitlab".
func (p *Provider) Name() string { return forge.ProviderGitLab }

// FetchIssue loads one issue by IID.
func (p *Provider) FetchIssue(ctx context.Context, repo string, number int) (*forge.Issue, error) {
	issue, resp, err := p.client.Issues.GetIssue(repo, int64(number), gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, fmt.Errorf("issue %s#%d: %w", repo, number, forge.ErrNotFound)
		}
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}
	mapped := mapIssue(issue)
	return &mapped, nil
}

// ListIssuesByLabel returns open issues carrying label.
func (p *Provider) ListIssuesByLabel(ctx context.Context, repo, label string) ([]forge.Issue, error) {
	labels := gogitlab.LabelOptions{label}
	opts := &gogitlab.ListProjectIssuesOptions{
		Labels:      &labels,
		State:       gogitlab.Ptr("opened"),
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}

	var out []forge.Issue
	for {
		issues, resp, err := p.client.Issues.ListProjectIssues(repo, opts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list %s issues labeled %q: %w", repo, label, err)
		}
		for _, issue := range issues {
			out = append(out, mapIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreatePR opens a merge request. GitLab drafts are title-prefixed.
func (p *Provider) CreatePR(ctx context.Context, repo string, opts forge.PROptions) (*forge.PR, error) {
	title := opts.Title
	if opts.Draft {
		title = "Draft: " + title
	}

	createOpts := &gogitlab.CreateMergeRequestOptions{
		Title:              gogitlab.Ptr(title),
		Description:        gogitlab.Ptr(opts.Body),
		SourceBranch:       gogitlab.Ptr(opts.Head),
		TargetBranch:       gogitlab.Ptr(opts.Base),
		RemoveSourceBranch: gogitlab.Ptr(true),
	}
	if len(opts.Labels) > 0 {
		labels := gogitlab.LabelOptions(opts.Labels)
		createOpts.Labels = &labels
	}

	mr, _, err := p.client.MergeRequests.CreateMergeRequest(repo, createOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create MR for %s: %w", repo, err)
	}
	return mapMR(mr), nil
}

// GetPR loads a merge request by IID.
func (p *Provider) GetPR(ctx context.Context, repo string, number int) (*forge.PR, error) {
	mr, resp, err := p.client.MergeRequests.GetMergeRequest(repo, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, fmt.Errorf("MR %s!%d: %w", repo, number, forge.ErrNotFound)
		}
		return nil, fmt.Errorf("get MR %s!%d: %w", repo, number, err)
	}
	return mapMR(mr), nil
}

// FindPRByBranch finds the open merge request whose source is branch.
func (p *Provider) FindPRByBranch(ctx context.Context, repo, branch string) (*forge.PR, error) {
	mrs, _, err := p.client.MergeRequests.ListProjectMergeRequests(repo, &gogitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gogitlab.Ptr(branch),
		State:        gogitlab.Ptr("opened"),
		ListOptions:  gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("find MR for branch %q in %s: %w", branch, repo, err)
	}
	if len(mrs) == 0 {
		return nil, forge.ErrNoPRFound
	}
	return mapBasicMR(mrs[0]), nil
}

// ListCheckRuns maps the latest pipeline's jobs for a ref onto check runs.
func (p *Provider) ListCheckRuns(ctx context.Context, repo, ref string) ([]forge.CheckRun, error) {
	pipelines, _, err := p.client.Pipelines.ListProjectPipelines(repo, &gogitlab.ListProjectPipelinesOptions{
		Ref:         gogitlab.Ptr(ref),
		ListOptions: gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list pipelines for %s@%s: %w", repo, ref, err)
	}
	if len(pipelines) == 0 {
		return nil, nil
	}

	jobs, _, err := p.client.Jobs.ListPipelineJobs(repo, pipelines[0].ID, nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list pipeline jobs for %s@%s: %w", repo, ref, err)
	}

	runs := make([]forge.CheckRun, 0, len(jobs))
	for _, job := range jobs {
		status, conclusion := mapJobStatus(job.Status)
		runs = append(runs, forge.CheckRun{
			ID:         job.ID,
			Name:       job.Name,
			Status:     status,
			Conclusion: conclusion,
		})
	}
	return runs, nil
}

// CreateIssueComment posts a note on an issue.
func (p *Provider) CreateIssueComment(ctx context.Context, repo string, number int, body string) error {
	_, _, err := p.client.Notes.CreateIssueNote(repo, int64(number), &gogitlab.CreateIssueNoteOptions{
		Body: gogitlab.Ptr(body),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo, number, err)
	}
	return nil
}

func mapIssue(issue *gogitlab.Issue) forge.Issue {
	state := issue.State
	if state == "opened" {
		state = "open"
	}
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l)
	}
	return forge.Issue{
		Number: int(issue.IID),
		Title:  issue.Title,
		Body:   issue.Description,
		State:  state,
		Labels: labels,
		URL:    issue.WebURL,
	}
}

func mapMR(mr *gogitlab.MergeRequest) *forge.PR {
	state := mr.State
	if state == "opened" {
		state = "open"
	}
	return &forge.PR{
		Number:     int(mr.IID),
		Title:      mr.Title,
		State:      state,
		Merged:     state == "merged",
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		URL:        mr.WebURL,
	}
}

func mapBasicMR(mr *gogitlab.BasicMergeRequest) *forge.PR {
	state := mr.State
	if state == "opened" {
		state = "open"
	}
	return &forge.PR{
		Number:     int(mr.IID),
		Title:      mr.Title,
		State:      state,
		Merged:     state == "merged",
		HeadBranch: mr.SourceBranch,
		BaseBranch: mr.TargetBranch,
		URL:        mr.WebURL,
	}
}

// mapJobStatus converts a GitLab job status to the unified
// (status, conclusion) pair used by check runs.
func mapJobStatus(gitlabStatus string) (status, conclusion string) {
	switch gitlabStatus {
	case "success":
		return "completed", "success"
	case "failed":
		return "completed", "failure"
	case "canceled":
		return "completed", "cancelled"
	case "skipped":
		return "completed", "skipped"
	case "running":
		return "in_progress", "running"
	default:
		// created, pending, manual and anything new queue up.
		return "queued", ""
	}
}
