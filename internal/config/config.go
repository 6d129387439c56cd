// Package config provides configuration management for autodev.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// AutodevDir is the autodev configuration directory
	AutodevDir = ".autodev"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port the API server binds.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentConfig controls how stage handlers invoke the model.
type AgentConfig struct {
	// Mode is "cli" (spawn a local agent binary) or "http" (OpenAI-style API).
	Mode string `yaml:"mode"`

	// Bin is the agent binary for cli mode.
	Bin string `yaml:"bin"`

	// BaseURL is the API endpoint for http mode.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// TimeoutSeconds bounds a single handler invocation.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ForgeConfig selects the code host used for issues, PRs, and checks.
type ForgeConfig struct {
	// Provider is "github" or "gitlab".
	Provider string `yaml:"provider"`

	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env"`

	// BaseURL overrides the API endpoint for self-hosted installs.
	BaseURL string `yaml:"base_url,omitempty"`
}

// GitConfig holds local working-copy settings.
type GitConfig struct {
	Dir        string `yaml:"dir"`
	Remote     string `yaml:"remote"`
	BaseBranch string `yaml:"base_branch"`
}

// JiraConfig holds optional Jira import settings.
type JiraConfig struct {
	URL      string `yaml:"url,omitempty"`
	Email    string `yaml:"email,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
}

// Config represents the autodev configuration.
type Config struct {
	// Version is the config file version
	Version int `yaml:"version"`

	// Backend sections
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
	Forge  ForgeConfig  `yaml:"forge"`
	Git    GitConfig    `yaml:"git"`
	Jira   JiraConfig   `yaml:"jira"`

	// AllowedRepos is the ingress allowlist ("owner/repo" entries).
	// Empty means every repo is accepted.
	AllowedRepos []string `yaml:"allowed_repos,omitempty"`

	// AllowedPaths / BlockedPaths constrain which files generated diffs
	// may touch (doublestar globs). Block wins over allow.
	AllowedPaths []string `yaml:"allowed_paths,omitempty"`
	BlockedPaths []string `yaml:"blocked_paths,omitempty"`

	// Ingress labels
	AutoDevLabel string `yaml:"auto_dev_label"`
	BatchLabel   string `yaml:"batch_label"`

	// Pipeline limits
	MaxAttempts  int `yaml:"max_attempts"`
	MaxDiffLines int `yaml:"max_diff_lines"`
	MaxParallel  int `yaml:"max_parallel"`

	// PollIntervalSeconds is how often the dispatcher looks for pending
	// jobs, resumable tasks, and due batches in serve mode.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// ContinueOnError keeps a job scheduling its remaining tasks after one
	// fails. Off, the first failure stops the job.
	ContinueOnError bool `yaml:"continue_on_error"`

	// Batch coalescing
	BatchTimeoutMinutes int `yaml:"batch_timeout_minutes"`
	MinBatchSize        int `yaml:"min_batch_size"`
	MaxBatchSize        int `yaml:"max_batch_size"`

	// CommentOnFailure posts a short issue comment when a task fails.
	CommentOnFailure bool `yaml:"comment_on_failure"`

	// ModelConfigTTLSeconds bounds staleness of the model position cache.
	ModelConfigTTLSeconds int `yaml:"model_config_ttl_seconds"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(AutodevDir, "autodev.db"),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Agent: AgentConfig{
			Mode:           "cli",
			Bin:            "claude",
			TimeoutSeconds: 300,
		},
		Forge: ForgeConfig{
			Provider: "github",
			TokenEnv: "GITHUB_TOKEN",
		},
		Git: GitConfig{
			Dir:        ".",
			Remote:     "origin",
			BaseBranch: "main",
		},
		AutoDevLabel:          "auto-dev",
		BatchLabel:            "auto-dev-batch",
		MaxAttempts:           3,
		MaxDiffLines:          400,
		MaxParallel:           3,
		PollIntervalSeconds:   15,
		ContinueOnError:       true,
		BatchTimeoutMinutes:   30,
		MinBatchSize:          2,
		MaxBatchSize:          10,
		CommentOnFailure:      true,
		ModelConfigTTLSeconds: 60,
	}
}

// AgentTimeout returns the handler invocation budget.
func (c *Config) AgentTimeout() time.Duration {
	if c.Agent.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// PollInterval returns the dispatcher tick period.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// BatchTimeout returns how long a pending batch waits before processing.
func (c *Config) BatchTimeout() time.Duration {
	if c.BatchTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.BatchTimeoutMinutes) * time.Minute
}

// ModelConfigTTL returns the model position cache lifetime.
func (c *Config) ModelConfigTTL() time.Duration {
	if c.ModelConfigTTLSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.ModelConfigTTLSeconds) * time.Second
}

// RepoAllowed reports whether repo passes the ingress allowlist.
// An empty allowlist accepts every repo.
func (c *Config) RepoAllowed(repo string) bool {
	if len(c.AllowedRepos) == 0 {
		return true
	}
	for _, r := range c.AllowedRepos {
		if r == repo {
			return true
		}
	}
	return false
}

// LoadFrom loads the config from a specific path, overlaying defaults.
// A missing file yields the default configuration.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Save saves the config to the default location.
func (c *Config) Save() error {
	return c.SaveTo(filepath.Join(AutodevDir, ConfigFileName))
}

// SaveTo saves the config to a specific path.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := atomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// atomicWrite writes data through a temp file and rename, so a crash
// mid-write never leaves a half-written config behind. The temp file
// lives in the target directory; rename is atomic on one filesystem.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Init initializes the autodev directory structure with a default config.
func Init(force bool) error {
	if !force {
		if _, err := os.Stat(AutodevDir); err == nil {
			return fmt.Errorf("autodev already initialized (use --force to overwrite)")
		}
	}

	if err := os.MkdirAll(AutodevDir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", AutodevDir, err)
	}

	cfg := Default()
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// IsInitialized returns true if autodev is initialized in the current directory.
func IsInitialized() bool {
	_, err := os.Stat(AutodevDir)
	return err == nil
}
