package gitx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes an external command in a working directory and
// returns its trimmed stdout. Implementations must be safe for concurrent
// use; tests substitute a fake to assert the exact git invocations.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout string, err error)
}

// ExecRunner runs commands with os/exec. The zero value is ready to use.
type ExecRunner struct{}

// Run executes name with args in dir. On failure it returns a *CommandError
// carrying the most useful output git produced (stderr first, then stdout).
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		return "", &CommandError{
			Command: name,
			Args:    args,
			Dir:     dir,
			Output:  output,
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError reports a failed command with enough context to diagnose it
// from a log line alone.
type CommandError struct {
	Command string
	Args    []string
	Dir     string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	cmdline := e.Command
	if len(e.Args) > 0 {
		cmdline += " " + strings.Join(e.Args, " ")
	}
	if e.Output != "" {
		return fmt.Sprintf("%s: %s", cmdline, e.Output)
	}
	return fmt.Sprintf("%s: %v", cmdline, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
