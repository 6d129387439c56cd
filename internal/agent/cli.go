package agent

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/halverson/autodev/internal/config"
	autoerrors "github.com/halverson/autodev/internal/errors"
)

// CLIClient spawns an external agent binary (claude, gemini, codex, ...)
// and passes the prompt as the last argument.
type CLIClient struct {
	bin     string
	timeout time.Duration
}

// NewCLIClient creates a client that spawns CLI processes.
func NewCLIClient(cfg config.AgentConfig) *CLIClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CLIClient{bin: cfg.Bin, timeout: timeout}
}

func (c *CLIClient) Mode() string { return "cli" }

// Complete spawns the agent process.
//
// The command becomes: bin -p --model <model> "<prompt>", running in the
// request's working directory so the agent sees the project files.
func (c *CLIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	args := []string{"-p"}
	if req.ModelID != "" {
		args = append(args, "--model", req.ModelID)
	}
	args = append(args, req.Prompt)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = req.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, autoerrors.ErrTimedOut("agent "+c.bin, c.timeout)
		}

		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, autoerrors.ErrModelUnavailable(req.ModelID,
			&exitError{bin: c.bin, detail: detail, cause: err})
	}

	return &Response{
		Output:   stdout.String(),
		Duration: duration,
	}, nil
}

// Available checks if the agent binary exists in PATH.
func (c *CLIClient) Available() bool {
	_, err := exec.LookPath(c.bin)
	return err == nil
}

type exitError struct {
	bin    string
	detail string
	cause  error
}

func (e *exitError) Error() string {
	return e.bin + ": " + e.detail
}

func (e *exitError) Unwrap() error { return e.cause }
