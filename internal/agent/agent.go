// Package agent defines the model client used by the stage handlers and
// provides concrete adapters for CLI-based and HTTP-based agents.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/halverson/autodev/internal/config"
)

// Request contains everything a model invocation needs.
type Request struct {
	// ModelID selects the model ("haiku", "sonnet", a vendor ID, ...).
	ModelID string

	// Prompt is the full prompt with context.
	Prompt string

	// WorkDir is the repository root for CLI agents.
	WorkDir string
}

// Response is what we get back from a model invocation.
type Response struct {
	// Output is the raw text output.
	Output string

	// TokensUsed is total token consumption when the backend reports it.
	TokensUsed int

	// Duration is wall-clock execution time.
	Duration time.Duration
}

// Client is the interface all model adapters implement.
type Client interface {
	// Complete runs the model with the given request.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Mode returns "cli" or "http".
	Mode() string
}

// NewClient creates the appropriate client for the agent config.
func NewClient(cfg config.AgentConfig) (Client, error) {
	switch cfg.Mode {
	case "cli":
		return NewCLIClient(cfg), nil
	case "http":
		return NewHTTPClient(cfg)
	default:
		return nil, fmt.Errorf("unknown agent mode: %s", cfg.Mode)
	}
}
