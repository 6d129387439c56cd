package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/halverson/autodev/internal/config"
	autoerrors "github.com/halverson/autodev/internal/errors"
	"github.com/halverson/autodev/internal/selector"
	"github.com/halverson/autodev/internal/task"
)

// newConfigCmd groups the config subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage autodev configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigModelsCmd())
	cmd.AddCommand(newConfigSetModelCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config",
		Long: `Create the .autodev directory with a default config.yaml.

Example:
  autodev config init
  autodev config init --force   # overwrite an existing config`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Init(force); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Initialized autodev in %s/\n", config.AutodevDir)
				fmt.Println("Edit the config, then start the server with: autodev serve")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after file and environment overlays.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show model position assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, cliLogger())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			configs, err := st.ListModelConfigs(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"configs":          configs,
					"available_models": selector.AvailableModels(),
				})
			}

			overrides := make(map[string]string, len(configs))
			for _, mc := range configs {
				overrides[mc.Position] = mc.ModelID
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POSITION\tMODEL")
			fmt.Fprintln(w, "────────\t─────")
			for _, pos := range task.AllPositions() {
				model, ok := overrides[pos]
				if !ok {
					model = "(default)"
				}
				fmt.Fprintf(w, "%s\t%s\n", pos, model)
			}
			w.Flush()

			fmt.Println("\nAvailable models:")
			for _, id := range selector.AvailableModels() {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	}
}

func newConfigSetModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-model <position> <model-id>",
		Short: "Pin a model to a selector position",
		Long: `Override which model a selector position resolves to first.

Positions cover the pipeline stages: planner, reviewer, fixer, the
coder positions (coder_<complexity>_<effort>), and the escalation
slots used after repeated failures.

Example:
  autodev config set-model planner opus
  autodev config set-model coder_m_medium sonnet`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, modelID := args[0], args[1]
			if !task.IsValidPosition(position) {
				return autoerrors.ErrConfigInvalid("position", position+" is not a selector position")
			}
			if modelID == "" {
				return autoerrors.ErrConfigInvalid("model_id", "must not be empty")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, cliLogger())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.SetModelConfig(cmd.Context(), position, modelID); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("Position %s now resolves to %s\n", position, modelID)
			}
			return nil
		},
	}
}
