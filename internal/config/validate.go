package config

import (
	"fmt"
	"strings"

	autoerrors "github.com/halverson/autodev/internal/errors"
)

// Validate checks the configuration for values the pipeline cannot run with.
// It returns the first problem found as a CONFIG_INVALID error.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return autoerrors.ErrConfigInvalid("store.driver",
			fmt.Sprintf("unknown driver %q, expected sqlite or postgres", c.Store.Driver))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return autoerrors.ErrConfigInvalid("store.dsn", "must not be empty")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return autoerrors.ErrConfigInvalid("server.port",
			fmt.Sprintf("%d outside 0-65535", c.Server.Port))
	}

	switch c.Agent.Mode {
	case "cli":
		if strings.TrimSpace(c.Agent.Bin) == "" {
			return autoerrors.ErrConfigInvalid("agent.bin", "required in cli mode")
		}
	case "http":
		if strings.TrimSpace(c.Agent.BaseURL) == "" {
			return autoerrors.ErrConfigInvalid("agent.base_url", "required in http mode")
		}
	default:
		return autoerrors.ErrConfigInvalid("agent.mode",
			fmt.Sprintf("unknown mode %q, expected cli or http", c.Agent.Mode))
	}

	switch c.Forge.Provider {
	case "github", "gitlab", "none":
	default:
		return autoerrors.ErrConfigInvalid("forge.provider",
			fmt.Sprintf("unknown provider %q, expected github, gitlab, or none", c.Forge.Provider))
	}

	for _, repo := range c.AllowedRepos {
		if !strings.Contains(repo, "/") {
			return autoerrors.ErrConfigInvalid("allowed_repos",
				fmt.Sprintf("%q is not owner/repo form", repo))
		}
	}

	if c.MaxAttempts < 1 {
		return autoerrors.ErrConfigInvalid("max_attempts", "must be at least 1")
	}
	if c.MaxDiffLines < 0 {
		return autoerrors.ErrConfigInvalid("max_diff_lines", "must not be negative")
	}
	if c.MaxParallel < 1 {
		return autoerrors.ErrConfigInvalid("max_parallel", "must be at least 1")
	}

	if c.MinBatchSize < 2 {
		return autoerrors.ErrConfigInvalid("min_batch_size", "must be at least 2")
	}
	if c.MaxBatchSize < c.MinBatchSize {
		return autoerrors.ErrConfigInvalid("max_batch_size",
			fmt.Sprintf("%d below min_batch_size %d", c.MaxBatchSize, c.MinBatchSize))
	}

	return nil
}
