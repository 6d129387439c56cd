package gitx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/halverson/autodev/internal/config"
)

// fakeRunner records every invocation and answers through a reply func
// switching on the git subcommand.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	reply func(args []string) (string, error)
}

func (f *fakeRunner) Run(_ context.Context, _, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(args)
	}
	return "", nil
}

// subcommands returns the first git argument of each recorded call.
func (f *fakeRunner) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		if len(call) > 1 {
			out = append(out, call[1])
		}
	}
	return out
}

func (f *fakeRunner) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		return nil
	}
	return f.calls[i]
}

func newTestGit(runner *fakeRunner, logger *slog.Logger) *Git {
	cfg := config.GitConfig{Dir: "/repo", Remote: "origin", BaseBranch: "main"}
	opts := []Option{WithRunner(runner)}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	return New(cfg, opts...)
}

const testDiff = "diff --git a/src/app.ts b/src/app.ts\n" +
	"--- a/src/app.ts\n" +
	"+++ b/src/app.ts\n" +
	"@@ -1,2 +1,2 @@\n" +
	"-const x = 1\n" +
	"+const x = 2\n" +
	" export default x\n"

func missingRefErr(args []string) error {
	return &CommandError{Command: "git", Args: args, Err: errors.New("exit status 1")}
}

func TestPublishRunsFullSequence(t *testing.T) {
	var applied string
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		switch args[0] {
		case "remote":
			return "git@example.com:acme/api.git", nil
		case "rev-parse":
			return "abc123def456", nil
		case "apply":
			data, err := os.ReadFile(args[len(args)-1])
			if err != nil {
				return "", err
			}
			applied = string(data)
			return "", nil
		}
		return "", nil
	}
	g := newTestGit(runner, nil)

	sha, err := g.Publish(context.Background(), "auto-dev/issue-7-1a2b3c4d", testDiff, "fix: bump x")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if sha != "abc123def456" {
		t.Errorf("Publish() sha = %q, want abc123def456", sha)
	}

	want := []string{"remote", "fetch", "checkout", "apply", "add", "commit", "rev-parse", "push"}
	got := runner.subcommands()
	if len(got) != len(want) {
		t.Fatalf("subcommands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subcommand[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	checkout := runner.call(2)
	if len(checkout) != 5 || checkout[2] != "-B" || checkout[4] != "origin/main" {
		t.Errorf("checkout call = %v, want git checkout -B <branch> origin/main", checkout)
	}
	if applied != testDiff {
		t.Errorf("applied patch = %q, want the published diff", applied)
	}
	commit := runner.call(5)
	if len(commit) != 4 || commit[2] != "-m" || commit[3] != "fix: bump x" {
		t.Errorf("commit call = %v, want git commit -m 'fix: bump x'", commit)
	}
	push := runner.call(7)
	if len(push) != 5 || push[2] != "-u" || push[4] != "auto-dev/issue-7-1a2b3c4d" {
		t.Errorf("push call = %v, want git push -u origin <branch>", push)
	}
}

func TestPublishWithoutRemoteSkipsFetchAndPush(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		switch args[0] {
		case "remote":
			return "", &CommandError{Command: "git", Args: args, Output: "error: No such remote 'origin'", Err: errors.New("exit status 2")}
		case "rev-parse":
			return "fedcba987654", nil
		}
		return "", nil
	}
	var buf bytes.Buffer
	g := newTestGit(runner, slog.New(slog.NewTextHandler(&buf, nil)))

	sha, err := g.Publish(context.Background(), "auto-dev/1a2b3c4d", testDiff, "msg")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if sha != "fedcba987654" {
		t.Errorf("Publish() sha = %q, want fedcba987654", sha)
	}

	for _, sub := range runner.subcommands() {
		if sub == "push" || sub == "fetch" {
			t.Errorf("unexpected %s call without a remote", sub)
		}
	}
	checkout := runner.call(1)
	if len(checkout) != 5 || checkout[4] != "main" {
		t.Errorf("checkout call = %v, want local base main", checkout)
	}
	if !strings.Contains(buf.String(), "skipping push") {
		t.Errorf("expected skip warning in log, got %q", buf.String())
	}
}

func TestPublishApplyConflict(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		switch args[0] {
		case "remote":
			return "git@example.com:acme/api.git", nil
		case "apply":
			return "", &CommandError{
				Command: "git",
				Args:    args,
				Output:  "error: patch failed: src/app.ts:1",
				Err:     errors.New("exit status 1"),
			}
		}
		return "", nil
	}
	g := newTestGit(runner, nil)

	_, err := g.Publish(context.Background(), "auto-dev/1a2b3c4d", testDiff, "msg")
	if !errors.Is(err, ErrApplyConflict) {
		t.Fatalf("Publish() error = %v, want ErrApplyConflict", err)
	}
	if !strings.Contains(err.Error(), "patch failed") {
		t.Errorf("error should carry git output, got %v", err)
	}
	for _, sub := range runner.subcommands() {
		if sub == "commit" || sub == "push" {
			t.Errorf("unexpected %s call after failed apply", sub)
		}
	}
}

func TestPublishEmptyDiffRejected(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		if args[0] == "remote" {
			return "git@example.com:acme/api.git", nil
		}
		return "", nil
	}
	g := newTestGit(runner, nil)

	_, err := g.Publish(context.Background(), "auto-dev/1a2b3c4d", "   \n", "msg")
	if !errors.Is(err, ErrApplyConflict) {
		t.Fatalf("Publish() error = %v, want ErrApplyConflict", err)
	}
}

func TestPublishProtectedBranch(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestGit(runner, nil)

	for _, branch := range []string{"main", "master"} {
		_, err := g.Publish(context.Background(), branch, testDiff, "msg")
		if !errors.Is(err, ErrProtectedBranch) {
			t.Errorf("Publish(%q) error = %v, want ErrProtectedBranch", branch, err)
		}
	}
	if len(runner.calls) != 0 {
		t.Errorf("protected publish ran %d git commands, want 0", len(runner.calls))
	}
}

func TestPublishInvalidBranchName(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestGit(runner, nil)

	_, err := g.Publish(context.Background(), "auto-dev/../escape", testDiff, "msg")
	if !errors.Is(err, ErrInvalidBranchName) {
		t.Fatalf("Publish() error = %v, want ErrInvalidBranchName", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("invalid branch ran %d git commands, want 0", len(runner.calls))
	}
}

func TestPushForceWithLeaseFallback(t *testing.T) {
	var pushes int
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		if args[0] == "push" {
			pushes++
			if pushes == 1 {
				return "", errors.New("! [rejected] auto-dev/x -> auto-dev/x (non-fast-forward)")
			}
		}
		return "", nil
	}
	var buf bytes.Buffer
	g := newTestGit(runner, slog.New(slog.NewTextHandler(&buf, nil)))

	if err := g.Push(context.Background(), "auto-dev/1a2b3c4d"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if pushes != 2 {
		t.Fatalf("push attempts = %d, want 2", pushes)
	}
	second := runner.call(1)
	if second[2] != "--force-with-lease" {
		t.Errorf("second push = %v, want --force-with-lease", second)
	}
	if !strings.Contains(buf.String(), "force-with-lease") {
		t.Errorf("expected force fallback warning in log, got %q", buf.String())
	}
}

func TestPushNetworkErrorNotRetried(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		if args[0] == "push" {
			return "", errors.New("fatal: Could not resolve host: example.com")
		}
		return "", nil
	}
	g := newTestGit(runner, nil)

	err := g.Push(context.Background(), "auto-dev/1a2b3c4d")
	if err == nil {
		t.Fatal("Push() error = nil, want network failure")
	}
	if len(runner.calls) != 1 {
		t.Errorf("push attempts = %d, want 1 (no force retry)", len(runner.calls))
	}
}

func TestPushProtectedBranch(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestGit(runner, nil)

	err := g.Push(context.Background(), "main")
	if !errors.Is(err, ErrProtectedBranch) {
		t.Fatalf("Push(main) error = %v, want ErrProtectedBranch", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("protected push ran %d git commands, want 0", len(runner.calls))
	}
}

func TestBranchExists(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    bool
		wantErr bool
	}{
		{name: "exists", err: nil, want: true},
		{name: "missing", err: missingRefErr([]string{"show-ref"}), want: false},
		{name: "failure", err: errors.New("fatal: not a git repository"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{reply: func(args []string) (string, error) {
				return "", tt.err
			}}
			g := newTestGit(runner, nil)

			got, err := g.BranchExists(context.Background(), "auto-dev/x")
			if tt.wantErr {
				if err == nil {
					t.Fatal("BranchExists() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BranchExists() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BranchExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnsureBranchAlreadyLocal(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestGit(runner, nil)

	if err := g.EnsureBranch(context.Background(), "auto-dev/x", "main"); err != nil {
		t.Fatalf("EnsureBranch() error = %v", err)
	}
	if got := runner.subcommands(); len(got) != 1 || got[0] != "show-ref" {
		t.Errorf("subcommands = %v, want only show-ref", got)
	}
}

func TestEnsureBranchTracksRemote(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		switch args[0] {
		case "show-ref":
			return "", missingRefErr(args)
		case "ls-remote":
			return "abc123\trefs/heads/auto-dev/x", nil
		}
		return "", nil
	}
	g := newTestGit(runner, nil)

	if err := g.EnsureBranch(context.Background(), "auto-dev/x", "main"); err != nil {
		t.Fatalf("EnsureBranch() error = %v", err)
	}
	track := runner.call(2)
	want := []string{"git", "branch", "--track", "auto-dev/x", "origin/auto-dev/x"}
	if len(track) != len(want) {
		t.Fatalf("track call = %v, want %v", track, want)
	}
	for i := range want {
		if track[i] != want[i] {
			t.Errorf("track call[%d] = %q, want %q", i, track[i], want[i])
		}
	}
}

func TestEnsureBranchCreatesFromBase(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		switch args[0] {
		case "show-ref":
			return "", missingRefErr(args)
		case "ls-remote":
			return "", nil
		case "rev-parse":
			return "abc123", nil
		}
		return "", nil
	}
	g := newTestGit(runner, nil)

	if err := g.EnsureBranch(context.Background(), "auto-dev/x", "main"); err != nil {
		t.Fatalf("EnsureBranch() error = %v", err)
	}
	got := runner.subcommands()
	want := []string{"show-ref", "ls-remote", "rev-parse", "branch"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("subcommands = %v, want %v", got, want)
	}
	create := runner.call(3)
	if create[2] != "auto-dev/x" || create[3] != "main" {
		t.Errorf("branch call = %v, want git branch auto-dev/x main", create)
	}
}

func TestResetHardRefusesProtectedBranch(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		if args[0] == "rev-parse" && args[1] == "--abbrev-ref" {
			return "main", nil
		}
		return "", nil
	}
	g := newTestGit(runner, nil)

	err := g.ResetHard(context.Background(), "origin/main")
	if !errors.Is(err, ErrProtectedBranch) {
		t.Fatalf("ResetHard() error = %v, want ErrProtectedBranch", err)
	}
	for _, sub := range runner.subcommands() {
		if sub == "reset" {
			t.Error("reset ran despite protected branch")
		}
	}
}

func TestDeleteBranch(t *testing.T) {
	runner := &fakeRunner{}
	g := newTestGit(runner, nil)

	if err := g.DeleteBranch(context.Background(), "auto-dev/x", true); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}
	call := runner.call(0)
	if call[2] != "-D" || call[3] != "auto-dev/x" {
		t.Errorf("delete call = %v, want git branch -D auto-dev/x", call)
	}

	if err := g.DeleteBranch(context.Background(), "main", true); !errors.Is(err, ErrProtectedBranch) {
		t.Errorf("DeleteBranch(main) error = %v, want ErrProtectedBranch", err)
	}
}

func TestCommitDefaultsEmptyMessage(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply = func(args []string) (string, error) {
		if args[0] == "rev-parse" {
			return "abc123", nil
		}
		return "", nil
	}
	g := newTestGit(runner, nil)

	if _, err := g.Commit(context.Background(), "  "); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	commit := runner.call(0)
	if commit[3] != "auto-dev: automated change" {
		t.Errorf("commit message = %q, want default", commit[3])
	}
}

func TestIsCleanParsesStatus(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"", true},
		{" M src/app.ts\n?? new.txt", false},
	}
	for _, tt := range tests {
		runner := &fakeRunner{reply: func([]string) (string, error) {
			return tt.output, nil
		}}
		g := newTestGit(runner, nil)
		got, err := g.IsClean(context.Background())
		if err != nil {
			t.Fatalf("IsClean() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("IsClean() with %q = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestIsNonFastForwardError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{"explicit marker", "error: failed to push some refs (non-fast-forward)", true},
		{"rejected fetch first", "Updates were rejected. Please fetch first and integrate remote changes", true},
		{"behind remote", "failed to push: your branch is behind 'origin/auto-dev/x'", true},
		{"network", "Could not resolve host: example.com", false},
		{"auth", "Permission denied (publickey)", false},
		{"nil", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.msg != "" {
				err = errors.New(tt.msg)
			}
			if got := IsNonFastForwardError(err); got != tt.want {
				t.Errorf("IsNonFastForwardError(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	g := New(config.GitConfig{})
	if g.dir != "." || g.remote != "origin" || g.base != "main" {
		t.Errorf("defaults = %q/%q/%q, want ./origin/main", g.dir, g.remote, g.base)
	}
	if g.BaseBranch() != "main" {
		t.Errorf("BaseBranch() = %q, want main", g.BaseBranch())
	}
}
