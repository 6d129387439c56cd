package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halverson/autodev/internal/api"
	"github.com/halverson/autodev/internal/config"
	"github.com/halverson/autodev/internal/lock"
	"github.com/halverson/autodev/internal/runner"
)

// newServeCmd creates the serve command for the API server and dispatcher.
func newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and dispatcher",
		Long: `Start the autodev API server and the background dispatcher.

The server provides REST endpoints and a WebSocket stream for:
  • Task and job control (create, run, cancel, refresh)
  • Webhook ingress from the hosting provider
  • Model position configuration
  • Live state and audit events

The dispatcher polls for pending jobs and drives their member tasks
with bounded parallelism until each reaches a resting state.

Example:
  autodev serve              # Listen on the configured address
  autodev serve --port 3000  # Override the port`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			logger := cliLogger()

			// One dispatcher per working directory; a second one would
			// double-poll jobs and race the batch timers.
			guard := lock.NewPIDGuard(config.AutodevDir)
			if err := guard.Acquire(); err != nil {
				return err
			}
			defer guard.Release()

			stk, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			defer stk.close()

			disp := runner.NewDispatcher(stk.runner, stk.store, stk.batches, cfg, logger)
			server := api.New(stk.store, stk.runner, stk.ingress, stk.selector, cfg, stk.pub, logger)

			// Handle graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "\nShutting down...")
				cancel()
			}()

			go disp.Run(ctx)

			if !quiet {
				fmt.Printf("Starting API server on %s\n", cfg.Server.Addr())
				fmt.Println("Press Ctrl+C to stop")
			}

			return server.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "bind host (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "bind port (overrides config)")

	return cmd
}
