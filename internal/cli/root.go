// Package cli implements the autodev command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "autodev",
	Short: "Autonomous issue-to-PR pipeline",
	Long: `autodev turns labeled issues into reviewed, tested pull requests.

Each task walks a fixed pipeline: plan, code, review, test, fix, PR.
Models do the stage work; autodev owns the state machine, the attempt
budgets, and the path guardrails. Small diffs headed for the same
files coalesce into one batch PR instead of a pile of tiny ones.

Quick start:
  autodev config init                    Write a starter config to .autodev/
  autodev serve                          Start the API server and dispatcher
  autodev task create acme/widgets 42    Import issue 42 as a task
  autodev task run <id>                  Drive the task to its next rest`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code: 0 on success,
// 2 for config problems, 3 for allowlist violations, 4 for exhausted
// budgets, 1 for everything else.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		PrintError(err)
		return exitCode(err)
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .autodev/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newJobCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in .autodev, then the home and system dirs
		viper.AddConfigPath(".autodev")
		viper.AddConfigPath("$HOME/.autodev")
		viper.AddConfigPath("/etc/autodev")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AUTODEV")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
