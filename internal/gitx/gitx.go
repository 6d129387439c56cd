// Package gitx manages the local working clone: task branches, applying
// generated diffs, commits, and pushes. Every mutation happens on a branch
// under BranchPrefix; the configured base branch is never written to.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/halverson/autodev/internal/config"
)

// ErrProtectedBranch is returned when an operation would mutate the base
// branch or another protected branch.
var ErrProtectedBranch = errors.New("protected branch")

// ErrApplyConflict is returned when a diff does not apply cleanly to the
// base branch. The driver treats it as invalid coder output.
var ErrApplyConflict = errors.New("diff does not apply")

// Git runs git operations against one local clone. Methods are safe for
// concurrent use only when they target different branches; the driver and
// coalescer serialize per repo.
type Git struct {
	dir       string
	remote    string
	base      string
	runner    CommandRunner
	logger    *slog.Logger
	protected []string
}

// Option configures a Git.
type Option func(*Git)

// WithRunner substitutes the command runner, used by tests.
func WithRunner(r CommandRunner) Option {
	return func(g *Git) { g.runner = r }
}

// WithLogger sets the logger used for push fallback and skip warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Git) { g.logger = l }
}

// New builds a Git over the configured clone directory. Missing settings
// fall back to ".", "origin" and "main".
func New(cfg config.GitConfig, opts ...Option) *Git {
	g := &Git{
		dir:    cfg.Dir,
		remote: cfg.Remote,
		base:   cfg.BaseBranch,
		runner: ExecRunner{},
		logger: slog.Default(),
	}
	if g.dir == "" {
		g.dir = "."
	}
	if g.remote == "" {
		g.remote = "origin"
	}
	if g.base == "" {
		g.base = "main"
	}
	g.protected = []string{g.base, "main", "master"}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BaseBranch returns the configured base branch.
func (g *Git) BaseBranch() string { return g.base }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, g.dir, "git", args...)
}

// Publish materializes a diff on branch and pushes it: the branch is created
// from (or reset to) the base branch tip, the diff applied, staged, committed
// with message, and pushed. Returns the new head commit.
//
// Resetting to base first gives replacement semantics: each published diff
// stands alone, so a fix attempt overwrites the previous attempt instead of
// stacking on it. Re-publishing therefore rewrites the remote branch, which
// Push handles with a force-with-lease fallback.
func (g *Git) Publish(ctx context.Context, branch, diff, message string) (string, error) {
	if err := ValidateBranchName(branch); err != nil {
		return "", err
	}
	if g.isProtected(branch) {
		return "", fmt.Errorf("%w: refusing to publish onto %s", ErrProtectedBranch, branch)
	}

	baseRef := g.base
	hasRemote := g.HasRemote(ctx)
	if hasRemote {
		if err := g.Fetch(ctx, g.base); err != nil {
			g.logger.Warn("fetch before publish failed, using local base",
				"base", g.base, "error", err)
		} else {
			baseRef = g.remote + "/" + g.base
		}
	}

	if _, err := g.run(ctx, "checkout", "-B", branch, baseRef); err != nil {
		return "", fmt.Errorf("checkout %s from %s: %w", branch, baseRef, err)
	}
	if err := g.ApplyDiff(ctx, diff); err != nil {
		return "", err
	}
	if err := g.StageAll(ctx); err != nil {
		return "", err
	}
	sha, err := g.Commit(ctx, message)
	if err != nil {
		return "", err
	}

	if !hasRemote {
		g.logger.Warn("remote not configured, skipping push",
			"remote", g.remote, "branch", branch)
		return sha, nil
	}
	if err := g.Push(ctx, branch); err != nil {
		return "", err
	}
	return sha, nil
}

// ApplyDiff applies a unified diff to the working tree. The diff is staged
// through a temp file because git apply reads patches from disk or stdin.
func (g *Git) ApplyDiff(ctx context.Context, diff string) error {
	if strings.TrimSpace(diff) == "" {
		return fmt.Errorf("%w: empty diff", ErrApplyConflict)
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}

	patch, err := os.CreateTemp("", "autodev-*.patch")
	if err != nil {
		return fmt.Errorf("write patch file: %w", err)
	}
	defer os.Remove(patch.Name())
	if _, err := patch.WriteString(diff); err != nil {
		patch.Close()
		return fmt.Errorf("write patch file: %w", err)
	}
	if err := patch.Close(); err != nil {
		return fmt.Errorf("write patch file: %w", err)
	}

	if _, err := g.run(ctx, "apply", "--whitespace=nowarn", patch.Name()); err != nil {
		return fmt.Errorf("%w: %v", ErrApplyConflict, err)
	}
	return nil
}

// StageAll stages every change in the working tree.
func (g *Git) StageAll(ctx context.Context) error {
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	return nil
}

// Commit records the staged changes and returns the new head commit.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		message = "auto-dev: automated change"
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return g.HeadCommit(ctx)
}

// Push pushes branch to the remote, setting upstream. A non-fast-forward
// rejection is retried once with --force-with-lease: a republished task
// branch diverges from its previous push because Publish resets to base.
func (g *Git) Push(ctx context.Context, branch string) error {
	if g.isProtected(branch) {
		return fmt.Errorf("%w: cannot push to %s", ErrProtectedBranch, branch)
	}

	_, err := g.run(ctx, "push", "-u", g.remote, branch)
	if err == nil {
		return nil
	}
	if !IsNonFastForwardError(err) {
		return fmt.Errorf("push %s: %w", branch, err)
	}

	g.logger.Warn("push rejected as non-fast-forward, retrying with --force-with-lease",
		"branch", branch, "reason", "branch was republished from base")
	if _, err := g.run(ctx, "push", "--force-with-lease", "-u", g.remote, branch); err != nil {
		return fmt.Errorf("force push %s: %w", branch, err)
	}
	return nil
}

// Fetch fetches ref from the remote.
func (g *Git) Fetch(ctx context.Context, ref string) error {
	if _, err := g.run(ctx, "fetch", g.remote, ref); err != nil {
		return fmt.Errorf("fetch %s: %w", ref, err)
	}
	return nil
}

// EnsureBranch makes branch exist locally: a no-op when present, a tracking
// branch when it exists on the remote, otherwise a new branch from base.
func (g *Git) EnsureBranch(ctx context.Context, branch, base string) error {
	exists, err := g.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	remoteExists, err := g.RemoteBranchExists(ctx, branch)
	if err == nil && remoteExists {
		if _, err := g.run(ctx, "branch", "--track", branch, g.remote+"/"+branch); err != nil {
			return fmt.Errorf("track remote branch %s: %w", branch, err)
		}
		return nil
	}

	return g.CreateBranchFromBase(ctx, branch, base)
}

// CreateBranchFromBase creates branch pointing at base, fetching base from
// the remote when it is not resolvable locally.
func (g *Git) CreateBranchFromBase(ctx context.Context, branch, base string) error {
	if _, err := g.run(ctx, "rev-parse", "--verify", base); err != nil {
		if fetchErr := g.Fetch(ctx, base+":"+base); fetchErr != nil {
			if fetchErr = g.Fetch(ctx, base); fetchErr != nil {
				return fmt.Errorf("base branch %s not found locally or on %s: %w", base, g.remote, err)
			}
		}
	}
	if _, err := g.run(ctx, "branch", branch, base); err != nil {
		return fmt.Errorf("create branch %s from %s: %w", branch, base, err)
	}
	return nil
}

// Checkout switches the working tree to branch.
func (g *Git) Checkout(ctx context.Context, branch string) error {
	if _, err := g.run(ctx, "checkout", branch); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// ResetHard resets the current branch to ref, discarding local changes.
// Protected branches are refused.
func (g *Git) ResetHard(ctx context.Context, ref string) error {
	current, err := g.CurrentBranch(ctx)
	if err == nil && g.isProtected(current) {
		return fmt.Errorf("%w: refusing reset on %s", ErrProtectedBranch, current)
	}
	if _, err := g.run(ctx, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("reset to %s: %w", ref, err)
	}
	return nil
}

// DeleteBranch removes a local branch, used when cleaning up after failed
// batches. Protected branches are refused.
func (g *Git) DeleteBranch(ctx context.Context, branch string, force bool) error {
	if g.isProtected(branch) {
		return fmt.Errorf("%w: refusing to delete %s", ErrProtectedBranch, branch)
	}
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := g.run(ctx, "branch", flag, branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// BranchExists reports whether branch exists locally.
func (g *Git) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := g.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		// show-ref exits 1 for a missing ref and stays silent.
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, fmt.Errorf("check branch %s: %w", branch, err)
	}
	return true, nil
}

// RemoteBranchExists reports whether branch exists on the remote.
func (g *Git) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := g.run(ctx, "ls-remote", "--heads", g.remote, "refs/heads/"+branch)
	if err != nil {
		return false, fmt.Errorf("ls-remote %s: %w", branch, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CurrentBranch returns the branch the working tree has checked out.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// HeadCommit returns the full SHA of HEAD.
func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head commit: %w", err)
	}
	return out, nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (g *Git) IsClean(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// HasRemote reports whether the configured remote exists. Sandbox clones
// used in tests often have none; Publish then skips fetch and push.
func (g *Git) HasRemote(ctx context.Context) bool {
	_, err := g.run(ctx, "remote", "get-url", g.remote)
	return err == nil
}

func (g *Git) isProtected(branch string) bool {
	for _, p := range g.protected {
		if branch == p {
			return true
		}
	}
	return false
}

// IsNonFastForwardError reports whether a push failure is a divergent
// history rejection that --force-with-lease can resolve. Network and auth
// failures are not.
func IsNonFastForwardError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "non-fast-forward") ||
		(strings.Contains(msg, "rejected") && strings.Contains(msg, "fetch first")) ||
		(strings.Contains(msg, "failed to push") && strings.Contains(msg, "behind"))
}
