package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvVarMapping defines the mapping between environment variables and config paths.
var EnvVarMapping = map[string]string{
	"AUTODEV_STORE_DRIVER":      "store.driver",
	"AUTODEV_STORE_DSN":         "store.dsn",
	"AUTODEV_HOST":              "server.host",
	"AUTODEV_PORT":              "server.port",
	"AUTODEV_AGENT_MODE":        "agent.mode",
	"AUTODEV_AGENT_BIN":         "agent.bin",
	"AUTODEV_AGENT_BASE_URL":    "agent.base_url",
	"AUTODEV_AGENT_API_KEY_ENV": "agent.api_key_env",
	"AUTODEV_AGENT_TIMEOUT":     "agent.timeout_seconds",
	"AUTODEV_FORGE_PROVIDER":    "forge.provider",
	"AUTODEV_FORGE_TOKEN_ENV":   "forge.token_env",
	"AUTODEV_FORGE_BASE_URL":    "forge.base_url",
	"AUTODEV_GIT_DIR":           "git.dir",
	"AUTODEV_GIT_REMOTE":        "git.remote",
	"AUTODEV_GIT_BASE_BRANCH":   "git.base_branch",
	"AUTODEV_JIRA_URL":          "jira.url",
	"AUTODEV_JIRA_EMAIL":        "jira.email",
	"AUTODEV_JIRA_TOKEN_ENV":    "jira.token_env",
	"AUTODEV_ALLOWED_REPOS":     "allowed_repos",
	"AUTODEV_AUTO_DEV_LABEL":    "auto_dev_label",
	"AUTODEV_BATCH_LABEL":       "batch_label",
	"AUTODEV_MAX_ATTEMPTS":      "max_attempts",
	"AUTODEV_MAX_DIFF_LINES":    "max_diff_lines",
	"AUTODEV_MAX_PARALLEL":      "max_parallel",
	"AUTODEV_CONTINUE_ON_ERROR": "continue_on_error",
	"AUTODEV_POLL_INTERVAL":     "poll_interval_seconds",
	"AUTODEV_BATCH_TIMEOUT":     "batch_timeout_minutes",
	"AUTODEV_MIN_BATCH_SIZE":    "min_batch_size",
	"AUTODEV_MAX_BATCH_SIZE":    "max_batch_size",
	"AUTODEV_COMMENT_ON_FAIL":   "comment_on_failure",
	"AUTODEV_MODEL_CONFIG_TTL":  "model_config_ttl_seconds",
}

// ApplyEnvVars applies environment variable overrides to cfg.
// Returns a list of paths that were overridden.
func ApplyEnvVars(cfg *Config) []string {
	var overridden []string

	for envVar, configPath := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}

		if applyEnvVar(cfg, configPath, value) {
			overridden = append(overridden, configPath)
		}
	}

	return overridden
}

// applyEnvVar applies a single environment variable to the config.
// Returns true if the value was applied.
func applyEnvVar(cfg *Config, path string, value string) bool {
	switch path {
	case "store.driver":
		cfg.Store.Driver = value
	case "store.dsn":
		cfg.Store.DSN = value
	case "server.host":
		cfg.Server.Host = value
	case "server.port":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = v
		}
	case "agent.mode":
		cfg.Agent.Mode = value
	case "agent.bin":
		cfg.Agent.Bin = value
	case "agent.base_url":
		cfg.Agent.BaseURL = value
	case "agent.api_key_env":
		cfg.Agent.APIKeyEnv = value
	case "agent.timeout_seconds":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Agent.TimeoutSeconds = v
		}
	case "forge.provider":
		cfg.Forge.Provider = value
	case "forge.token_env":
		cfg.Forge.TokenEnv = value
	case "forge.base_url":
		cfg.Forge.BaseURL = value
	case "git.dir":
		cfg.Git.Dir = value
	case "git.remote":
		cfg.Git.Remote = value
	case "git.base_branch":
		cfg.Git.BaseBranch = value
	case "jira.url":
		cfg.Jira.URL = value
	case "jira.email":
		cfg.Jira.Email = value
	case "jira.token_env":
		cfg.Jira.TokenEnv = value
	case "allowed_repos":
		cfg.AllowedRepos = splitList(value)
	case "auto_dev_label":
		cfg.AutoDevLabel = value
	case "batch_label":
		cfg.BatchLabel = value
	case "max_attempts":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.MaxAttempts = v
		}
	case "max_diff_lines":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.MaxDiffLines = v
		}
	case "max_parallel":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.MaxParallel = v
		}
	case "continue_on_error":
		cfg.ContinueOnError = parseBool(value)
	case "poll_interval_seconds":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.PollIntervalSeconds = v
		}
	case "batch_timeout_minutes":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.BatchTimeoutMinutes = v
		}
	case "min_batch_size":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.MinBatchSize = v
		}
	case "max_batch_size":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.MaxBatchSize = v
		}
	case "comment_on_failure":
		cfg.CommentOnFailure = parseBool(value)
	case "model_config_ttl_seconds":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.ModelConfigTTLSeconds = v
		}
	default:
		return false
	}
	return true
}

// splitList parses a comma-separated list, trimming whitespace.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBool parses a boolean string (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
