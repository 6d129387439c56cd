package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/halverson/autodev/internal/events"
	"github.com/halverson/autodev/internal/store"
	"github.com/halverson/autodev/internal/task"
)

// newTaskCmd groups the task subcommands.
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and drive tasks",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskRunCmd())
	cmd.AddCommand(newTaskEventsCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		statusFilter string
		repo         string
		limit        int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Long: `List tasks, newest first.

Example:
  autodev task list
  autodev task list --status waiting_human
  autodev task list --repo acme/widgets --limit 10`,
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

			filter := store.TaskFilter{Repo: repo, Limit: limit}
			if statusFilter != "" {
				filter.Status = task.Status(strings.ToUpper(statusFilter))
			}
			tasks, err := st.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found. Import one with: autodev task create <owner/repo> <issue>")
				return nil
			}

			// UUIDs eat 36 columns; give the title whatever is left.
			titleWidth := termWidth() - 80
			if titleWidth < 24 {
				titleWidth = 24
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tREPO\tISSUE\tTITLE")
			fmt.Fprintln(w, "──\t─────\t────\t─────\t─────")
			for _, t := range tasks {
				state := fmt.Sprintf("%s %s", statusIcon(t.Status), t.Status)
				fmt.Fprintf(w, "%s\t%s\t%s\t#%d\t%s\n",
					t.ID, state, t.Repo, t.IssueNumber, truncate(t.Title, titleWidth))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (e.g. coding, waiting_human)")
	cmd.Flags().StringVar(&repo, "repo", "", "filter by repository (owner/name)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks to show")

	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var showDiff bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task details",
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

			t, err := st.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(t)
			}

			fmt.Printf("%s %s\n", statusIcon(t.Status), t.Title)
			fmt.Printf("\nID:        %s\n", t.ID)
			fmt.Printf("Status:    %s\n", t.Status)
			fmt.Printf("Source:    %s#%d\n", t.Repo, t.IssueNumber)
			fmt.Printf("Attempts:  %d/%d\n", t.AttemptCount, t.MaxAttempts)
			if t.EstimatedComplexity != "" {
				fmt.Printf("Estimate:  %s complexity, %s effort\n", t.EstimatedComplexity, t.EstimatedEffort)
			}
			if t.BranchName != "" {
				fmt.Printf("Branch:    %s\n", t.BranchName)
			}
			if t.BatchID != "" {
				fmt.Printf("Batch:     %s\n", t.BatchID)
			}
			if t.JobID != "" {
				fmt.Printf("Job:       %s\n", t.JobID)
			}
			if t.PRURL != "" {
				fmt.Printf("PR:        %s\n", t.PRURL)
			}
			if t.LastError != "" {
				fmt.Printf("Error:     %s\n", t.LastError)
			}
			fmt.Printf("Created:   %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Updated:   %s\n", t.UpdatedAt.Format("2006-01-02 15:04:05"))

			if len(t.Plan) > 0 {
				fmt.Println("\nPlan:")
				for i, step := range t.Plan {
					fmt.Printf("  %d. %s\n", i+1, step)
				}
			}
			if len(t.DefinitionOfDone) > 0 {
				fmt.Println("\nDefinition of done:")
				for _, item := range t.DefinitionOfDone {
					fmt.Printf("  • %s\n", item)
				}
			}
			if len(t.TargetFiles) > 0 {
				fmt.Println("\nTarget files:")
				for _, f := range t.TargetFiles {
					fmt.Printf("  %s\n", f)
				}
			}
			if showDiff && t.CurrentDiff != "" {
				fmt.Println("\nDiff:")
				fmt.Println(t.CurrentDiff)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showDiff, "diff", false, "include the current diff")

	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <owner/repo> <issue-number>",
		Short: "Import an issue as a task",
		Long: `Fetch an issue from the hosting provider and create a task for it.

Re-creating is idempotent: if a live task already tracks the issue,
that task is returned instead of a duplicate.

Example:
  autodev task create acme/widgets 42`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueNumber, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("issue number must be an integer, got %q", args[1])
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

			t, err := stk.ingress.ImportIssue(cmd.Context(), args[0], issueNumber)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(t)
			}
			fmt.Printf("%s Task %s tracks %s#%d: %s\n",
				statusIcon(t.Status), t.ID, t.Repo, t.IssueNumber, t.Title)
			return nil
		},
	}
}

func newTaskRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Drive a task until it rests",
		Long: `Run the task's pipeline in the foreground until the task reaches
a resting state: a terminal status, or a suspension waiting on a
human, a batch, or CI.

Example:
  autodev task run 4f8b2c1a-0e6d-4e9a-9df1-3c2b6f7a8d90`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			stk, err := buildStack(cfg, cliLogger())
			if err != nil {
				return err
			}
			defer stk.close()

			// Ctrl+C cancels the run; the driver parks the task as FAILED.
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

			// Echo state transitions while the pipeline works.
			var progressDone chan struct{}
			var ch <-chan events.Event
			if !quiet && !jsonOut {
				ch = stk.pub.Subscribe(id)
				progressDone = make(chan struct{})
				go func() {
					defer close(progressDone)
					for ev := range ch {
						if ev.Type != events.EventState {
							continue
						}
						if sc, ok := ev.Data.(events.StateChange); ok {
							fmt.Printf("  %s -> %s\n", sc.From, sc.To)
						}
					}
				}()
			}

			t, err := stk.runner.RunTask(ctx, id)

			if ch != nil {
				stk.pub.Unsubscribe(id, ch)
				<-progressDone
			}
			if err != nil {
				return err
			}

			if t.Status == task.StatusFailed {
				if t.LastError != "" {
					return fmt.Errorf("task %s failed: %s", t.ID, t.LastError)
				}
				return fmt.Errorf("task %s failed", t.ID)
			}

			if jsonOut {
				return printJSON(t)
			}
			fmt.Printf("%s Task %s is now %s\n", statusIcon(t.Status), t.ID, t.Status)
			if t.PRURL != "" {
				fmt.Printf("   PR: %s\n", t.PRURL)
			}
			return nil
		},
	}
}

func newTaskEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show a task's audit trail",
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

			// Surface not-found before printing an empty trail.
			if _, err := st.GetTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			evs, err := st.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(evs)
			}
			if len(evs) == 0 {
				fmt.Println("No events recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if verbose {
				fmt.Fprintln(w, "TIME\tTYPE\tAGENT\tTOKENS\tDURATION\tSUMMARY")
				fmt.Fprintln(w, "────\t────\t─────\t──────\t────────\t───────")
			} else {
				fmt.Fprintln(w, "TIME\tTYPE\tAGENT\tSUMMARY")
				fmt.Fprintln(w, "────\t────\t─────\t───────")
			}
			for _, ev := range evs {
				agentName := ev.Agent
				if agentName == "" {
					agentName = "-"
				}
				when := ev.CreatedAt.Format("2006-01-02 15:04:05")
				if verbose {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\t%s\n",
						when, ev.Type, agentName, ev.TokensUsed, ev.DurationMS, ev.OutputSummary)
				} else {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						when, ev.Type, agentName, truncate(ev.OutputSummary, 60))
				}
			}
			w.Flush()
			return nil
		},
	}
}
