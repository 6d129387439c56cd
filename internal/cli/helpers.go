// Package cli implements the autodev command-line interface.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/db"
	dbdriver "github.com/halverson/autodev/internal/db/driver"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// loadConfig loads the effective configuration and validates it.
// Without --config the full layering applies: defaults, system, user,
// and project config files, then AUTODEV_* environment variables. An
// explicit --config file replaces the file layers but still takes the
// environment on top.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
		if err == nil {
			config.ApplyEnvVars(cfg)
		}
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the configured database, runs migrations, and wraps
// it in a store. The caller owns Close.
func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	dialect, err := dbdriver.ParseDialect(cfg.Store.Driver)
	if err != nil {
		return nil, fmt.Errorf("store.driver: %w", err)
	}
	database, err := db.OpenWithDialect(cfg.Store.DSN, dialect)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store.New(database, logger), nil
}

// cliLogger builds the logger the command should use, honoring the
// --verbose, --quiet, and --json global flags.
func cliLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Helper functions

func statusIcon(status task.Status) string {
	switch {
	case status == task.StatusNew:
		return "📝"
	case status == task.StatusPlanning:
		return "🔍"
	case status == task.StatusPlanningDone:
		return "📋"
	case status == task.StatusCompleted:
		return "✅"
	case status == task.StatusFailed:
		return "❌"
	case status.IsSuspension():
		return "⏸️"
	default:
		return "⏳"
	}
}

func jobStatusIcon(status task.JobStatus) string {
	switch status {
	case task.JobPending:
		return "📝"
	case task.JobRunning:
		return "⏳"
	case task.JobCompleted:
		return "✅"
	case task.JobPartial:
		return "⚠️"
	case task.JobFailed:
		return "❌"
	case task.JobCancelled:
		return "🚫"
	default:
		return "❓"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// termWidth returns the terminal width, or a fixed default when stdout
// is not a terminal (pipes, CI).
func termWidth() int {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return 100
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 100
	}
	return w
}

// resolveString resolves a value from flag, env var, or config (in priority order).
func resolveString(flag, envVar, configVal string) string {
	if flag != "" {
		return flag
	}
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return configVal
}
