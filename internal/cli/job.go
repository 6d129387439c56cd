package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// newJobCmd groups the job subcommands.
func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and run batch jobs",
	}
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobRunCmd())
	return cmd
}

func newJobListCmd() *cobra.Command {
	var (
		statusFilter string
		repo         string
		limit        int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs",
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

			filter := store.JobFilter{Repo: repo, Limit: limit}
			if statusFilter != "" {
				filter.Status = task.JobStatus(strings.ToLower(statusFilter))
			}
			jobs, err := st.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(jobs)
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found. Create one with: autodev job create --repo <owner/repo> --issues 1,2,3")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tREPO\tTASKS\tPROGRESS\tCREATED")
			fmt.Fprintln(w, "──\t─────\t────\t─────\t────────\t───────")
			for _, j := range jobs {
				state := fmt.Sprintf("%s %s", jobStatusIcon(j.Status), j.Status)
				progress := fmt.Sprintf("%d ok / %d failed / %d total",
					j.Summary.Completed, j.Summary.Failed, j.Summary.Total)
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					j.ID, state, j.Repo, len(j.TaskIDs), progress,
					j.CreatedAt.Format("2006-01-02 15:04"))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (pending, running, completed, partial, failed, cancelled)")
	cmd.Flags().StringVar(&repo, "repo", "", "filter by repository (owner/name)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs to show")

	return cmd
}

func newJobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job and its member tasks",
		Args:  cobra.ExactArgs(1),
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

			j, err := st.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			members, err := st.ListTasks(cmd.Context(), store.TaskFilter{JobID: j.ID})
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{"job": j, "tasks": members})
			}

			fmt.Printf("%s Job %s\n", jobStatusIcon(j.Status), j.ID)
			fmt.Printf("\nStatus:    %s\n", j.Status)
			fmt.Printf("Repo:      %s\n", j.Repo)
			fmt.Printf("Progress:  %d completed, %d failed, %d in progress, %d pending (of %d)\n",
				j.Summary.Completed, j.Summary.Failed, j.Summary.InProgress,
				j.Summary.Pending, j.Summary.Total)
			if len(j.Summary.PRsCreated) > 0 {
				fmt.Println("\nPull requests:")
				for _, url := range j.Summary.PRsCreated {
					fmt.Printf("  %s\n", url)
				}
			}

			if len(members) > 0 {
				fmt.Println("\nMember tasks:")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATE\tISSUE\tTITLE")
				fmt.Fprintln(w, "──\t─────\t─────\t─────")
				for _, t := range members {
					state := fmt.Sprintf("%s %s", statusIcon(t.Status), t.Status)
					fmt.Fprintf(w, "%s\t%s\t#%d\t%s\n",
						t.ID, state, t.IssueNumber, truncate(t.Title, 40))
				}
				w.Flush()
			}
			return nil
		},
	}
}

func newJobCreateCmd() *cobra.Command {
	var (
		repo   string
		issues []int
	)

	cmd := &cobra.Command{
		Use:   "create --repo <owner/repo> --issues <n,n,...>",
		Short: "Create a job from a set of issues",
		Long: `Fetch the given issues and bundle them into one job. Issues that
already have a live task keep it; the job re-points the members at
itself so the whole set runs and reports together.

Example:
  autodev job create --repo acme/widgets --issues 12,14,15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				return fmt.Errorf("--repo is required")
			}
			if len(issues) == 0 {
				return fmt.Errorf("--issues is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stk, err := buildStack(cfg, cliLogger())
			if err != nil {
				return err
			}
			defer stk.close()

			j, err := stk.ingress.FormJob(cmd.Context(), repo, issues)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(j)
			}
			fmt.Printf("%s Job %s bundles %d task(s) for %s\n",
				jobStatusIcon(j.Status), j.ID, len(j.TaskIDs), j.Repo)
			fmt.Printf("Run it with: autodev job run %s\n", j.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repository the issues belong to (owner/name)")
	cmd.Flags().IntSliceVar(&issues, "issues", nil, "issue numbers to bundle")

	return cmd
}

func newJobRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job's member tasks",
		Long: `Run every member task of the job with bounded parallelism until
each reaches a resting state.

Example:
  autodev job run 7c1d9e2b-5a4f-4c3e-8b6a-1f0e9d8c7b6a`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stk, err := buildStack(cfg, cliLogger())
			if err != nil {
				return err
			}
			defer stk.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "\nStopping...")
				cancel()
			}()

			j, err := stk.runner.RunJob(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(j)
			}
			fmt.Printf("%s Job %s finished %s: %d completed, %d failed of %d\n",
				jobStatusIcon(j.Status), j.ID, j.Status,
				j.Summary.Completed, j.Summary.Failed, j.Summary.Total)

			if j.Status == task.JobFailed {
				return fmt.Errorf("job %s failed: no member task succeeded", j.ID)
			}
			return nil
		},
	}
}
