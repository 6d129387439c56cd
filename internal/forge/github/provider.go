// Package github implements forge.Provider with the go-github client.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/forge"
)

// Compile-time interface check.
var _ forge.Provider = (*Provider)(nil)

func init() {
	forge.Register(forge.ProviderGitHub, func(cfg config.ForgeConfig) (forge.Provider, error) {
		return New(cfg)
	})
}

// Provider talks to the GitHub REST API. One instance serves every repo the
// allowlist admits; calls carry the repo explicitly.
type Provider struct {
	client *gogithub.Client
}

// New builds a Provider from forge config. The token comes from the
// configured env var (default GITHUB_TOKEN); BaseURL switches to a GitHub
// Enterprise instance.
func New(cfg config.ForgeConfig) (*Provider, error) {
	token, err := forge.ResolveToken(cfg, "GITHUB_TOKEN")
	if err != nil {
		return nil, err
	}

	client := gogithub.NewClient(nil).WithAuthToken(token)
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/")
		client.BaseURL, err = client.BaseURL.Parse(base + "/api/v3/")
		if err != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, err)
		}
		client.UploadURL, err = client.UploadURL.Parse(base + "/api/uploads/")
		if err != nil {
			return nil, fmt.Errorf("parse upload URL %q: %w", cfg.BaseURL, err)
		}
	}

	return &Provider{client: client}, nil
}

// Name returns "github".
func (p *Provider) Name() string { return forge.ProviderGitHub }

// FetchIssue loads one issue.
func (p *Provider) FetchIssue(ctx context.Context, repo string, number int) (*forge.Issue, error) {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	issue, resp, err := p.client.Issues.Get(ctx, owner, name, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("issue %s#%d: %w", repo, number, forge.ErrNotFound)
		}
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}
	mapped := mapIssue(issue)
	return &mapped, nil
}

// ListIssuesByLabel returns open issues carrying label. Pull requests show
// up in the issues API and are skipped.
func (p *Provider) ListIssuesByLabel(ctx context.Context, repo, label string) ([]forge.Issue, error) {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		Labels:      []string{label},
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var out []forge.Issue
	for {
		issues, resp, err := p.client.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("list %s issues labeled %q: %w", repo, label, err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, mapIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return out, nil
}

// CreatePR opens a pull request. Labels are attached best-effort.
func (p *Provider) CreatePR(ctx context.Context, repo string, opts forge.PROptions) (*forge.PR, error) {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	created, _, err := p.client.PullRequests.Create(ctx, owner, name, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR for %s: %w", repo, err)
	}

	if len(opts.Labels) > 0 {
		_, _, labelErr := p.client.Issues.AddLabelsToIssue(ctx, owner, name, created.GetNumber(), opts.Labels)
		if labelErr != nil {
			slog.Warn("failed to add labels to PR",
				"repo", repo, "pr", created.GetNumber(), "labels", opts.Labels, "error", labelErr)
		}
	}

	return mapPR(created), nil
}

// GetPR loads a PR, including merged state.
func (p *Provider) GetPR(ctx context.Context, repo string, number int) (*forge.PR, error) {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	pr, resp, err := p.client.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("PR %s#%d: %w", repo, number, forge.ErrNotFound)
		}
		return nil, fmt.Errorf("get PR %s#%d: %w", repo, number, err)
	}
	return mapPR(pr), nil
}

// FindPRByBranch finds the open PR whose head is branch.
func (p *Provider) FindPRByBranch(ctx context.Context, repo, branch string) (*forge.PR, error) {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	prs, _, err := p.client.PullRequests.List(ctx, owner, name, &gogithub.PullRequestListOptions{
		Head:        owner + ":" + branch,
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR for branch %q in %s: %w", branch, repo, err)
	}
	if len(prs) == 0 {
		return nil, forge.ErrNoPRFound
	}
	return mapPR(prs[0]), nil
}

// ListCheckRuns returns the check runs for a ref.
func (p *Provider) ListCheckRuns(ctx context.Context, repo, ref string) ([]forge.CheckRun, error) {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	result, _, err := p.client.Checks.ListCheckRunsForRef(ctx, owner, name, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("list check runs for %s@%s: %w", repo, ref, err)
	}

	runs := make([]forge.CheckRun, 0, len(result.CheckRuns))
	for _, cr := range result.CheckRuns {
		runs = append(runs, forge.CheckRun{
			ID:         cr.GetID(),
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
		})
	}
	return runs, nil
}

// CreateIssueComment posts a comment on an issue.
func (p *Provider) CreateIssueComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := forge.SplitRepo(repo)
	if err != nil {
		return err
	}

	_, _, err = p.client.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{
		Body: gogithub.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo, number, err)
	}
	return nil
}

func mapIssue(issue *gogithub.Issue) forge.Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return forge.Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  issue.GetState(),
		Labels: labels,
		URL:    issue.GetHTMLURL(),
	}
}

func mapPR(pr *gogithub.PullRequest) *forge.PR {
	state := pr.GetState()
	if pr.GetMerged() || pr.GetMergedAt().After(time.Time{}) {
		state = "merged"
	}
	return &forge.PR{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		State:      state,
		Merged:     state == "merged",
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		URL:        pr.GetHTMLURL(),
	}
}
