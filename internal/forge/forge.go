// Package forge abstracts the git hosting providers (GitHub, GitLab) behind
// one interface: issue ingestion, PR lifecycle, CI check state, and failure
// comments. Tasks carry their repo as "owner/name", so every call names the
// repo explicitly rather than binding a provider to a single clone.
package forge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/halverson/autodev/internal/config"
)

// Provider names accepted in config.
const (
	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"
	ProviderNone   = "none"
)

var (
	// ErrNoPRFound is returned when no PR/MR exists for the given branch.
	ErrNoPRFound = errors.New("no pull request found for branch")

	// ErrNotFound is returned when an issue or PR does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDisabled is returned by the disabled provider for every call.
	ErrDisabled = errors.New("forge provider not configured")
)

// Provider is the hosting-side surface the pipeline needs. Implementations
// exist for GitHub (go-github) and GitLab (client-go).
type Provider interface {
	// Name reports which provider this is ("github", "gitlab", "none").
	Name() string

	// FetchIssue loads one issue with title, body and labels.
	FetchIssue(ctx context.Context, repo string, number int) (*Issue, error)

	// ListIssuesByLabel returns open issues carrying label.
	ListIssuesByLabel(ctx context.Context, repo, label string) ([]Issue, error)

	// CreatePR opens a pull request / merge request.
	CreatePR(ctx context.Context, repo string, opts PROptions) (*PR, error)

	// GetPR loads a PR by number, including merged state.
	GetPR(ctx context.Context, repo string, number int) (*PR, error)

	// FindPRByBranch finds the open PR whose head is branch.
	// Returns ErrNoPRFound when none exists.
	FindPRByBranch(ctx context.Context, repo, branch string) (*PR, error)

	// ListCheckRuns returns CI state for a ref (GitHub check runs,
	// GitLab pipeline jobs) in a unified shape.
	ListCheckRuns(ctx context.Context, repo, ref string) ([]CheckRun, error)

	// CreateIssueComment posts a comment on an issue, used for
	// comment_on_failure notices.
	CreateIssueComment(ctx context.Context, repo string, number int, body string) error
}

// Issue is a hosting-side issue in provider-neutral form.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	State  string   `json:"state"`
	Labels []string `json:"labels,omitempty"`
	URL    string   `json:"url,omitempty"`
}

// PROptions describes the PR to open.
type PROptions struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Draft  bool
	Labels []string
}

// PR is a pull request / merge request in provider-neutral form.
type PR struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	State      string `json:"state"` // open, closed, merged
	Merged     bool   `json:"merged"`
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
	URL        string `json:"url"`
}

// CheckRun is one CI check (GitHub check run / GitLab pipeline job).
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`               // queued, in_progress, completed
	Conclusion string `json:"conclusion,omitempty"` // success, failure, cancelled, ...
}

// ChecksStatus is the aggregate verdict over a ref's check runs.
type ChecksStatus string

const (
	ChecksNone    ChecksStatus = "none"
	ChecksPending ChecksStatus = "pending"
	ChecksPassing ChecksStatus = "success"
	ChecksFailing ChecksStatus = "failure"
)

// SummarizeChecks folds check runs into one verdict plus the names of the
// failed checks. Failure wins over pending so a broken build surfaces as
// soon as any check concludes against it.
func SummarizeChecks(runs []CheckRun) (ChecksStatus, []string) {
	if len(runs) == 0 {
		return ChecksNone, nil
	}

	var failed []string
	pending := 0
	for _, run := range runs {
		if run.Status != "completed" {
			pending++
			continue
		}
		switch run.Conclusion {
		case "failure", "cancelled", "timed_out":
			failed = append(failed, run.Name)
		}
	}

	switch {
	case len(failed) > 0:
		return ChecksFailing, failed
	case pending > 0:
		return ChecksPending, nil
	default:
		return ChecksPassing, nil
	}
}

// SplitRepo splits "owner/name" on the last slash, so GitLab subgroup paths
// like "group/sub/repo" keep the full namespace as owner.
func SplitRepo(repo string) (owner, name string, err error) {
	i := strings.LastIndex(repo, "/")
	if i <= 0 || i == len(repo)-1 {
		return "", "", fmt.Errorf("repo %q is not in owner/name form", repo)
	}
	return repo[:i], repo[i+1:], nil
}

// ResolveToken reads the provider token from the configured env var,
// falling back to defaultEnv.
func ResolveToken(cfg config.ForgeConfig, defaultEnv string) (string, error) {
	envVar := defaultEnv
	if cfg.TokenEnv != "" {
		envVar = cfg.TokenEnv
	}
	token := os.Getenv(envVar)
	if token == "" {
		return "", fmt.Errorf("%s environment variable is not set (required for %s API access)", envVar, cfg.Provider)
	}
	return token, nil
}
