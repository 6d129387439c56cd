package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halverson/autodev/internal/jira"
)

// newImportCmd groups the import subcommands.
func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import issues from external trackers",
	}
	cmd.AddCommand(newImportJiraCmd())
	return cmd
}

func newImportJiraCmd() *cobra.Command {
	var (
		url     string
		email   string
		token   string
		project string
		repo    string
		jql     string
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "jira",
		Short: "Import Jira Cloud issues as tasks",
		Long: `Import issues from Jira Cloud into autodev as tasks.

Re-importing is idempotent: existing tasks are updated, not
duplicated, and tasks already past NEW are left alone.

Authentication requires a Jira Cloud API token:
  1. Generate at https://id.atlassian.com/manage-profile/security/api-tokens
  2. Set the AUTODEV_JIRA_TOKEN environment variable (recommended)
  3. Or pass --token

Connection settings can live in .autodev/config.yaml under 'jira':
  jira:
    url: "https://acme.atlassian.net"
    email: "bot@acme.com"

Examples:
  autodev import jira --project WID --repo acme/widgets
  autodev import jira --project WID --repo acme/widgets --jql "labels = auto-dev" --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tokenEnv := cfg.Jira.TokenEnv
			if tokenEnv == "" {
				tokenEnv = "AUTODEV_JIRA_TOKEN"
			}

			// Resolve auth: flags > env > config
			jiraURL := resolveString(url, "", cfg.Jira.URL)
			jiraEmail := resolveString(email, "AUTODEV_JIRA_EMAIL", cfg.Jira.Email)
			jiraToken := resolveString(token, tokenEnv, "")

			if jiraURL == "" {
				return fmt.Errorf("jira URL is required: use --url or set jira.url in config")
			}
			if jiraEmail == "" {
				return fmt.Errorf("jira email is required: use --email or set jira.email in config")
			}
			if jiraToken == "" {
				return fmt.Errorf("jira API token is required: set %s or use --token", tokenEnv)
			}
			if project == "" {
				return fmt.Errorf("--project is required")
			}
			if repo == "" {
				return fmt.Errorf("--repo is required")
			}

			client, err := jira.NewClient(jira.ClientConfig{
				BaseURL:  jiraURL,
				Email:    jiraEmail,
				APIToken: jiraToken,
			})
			if err != nil {
				return fmt.Errorf("create jira client: %w", err)
			}

			ctx := cmd.Context()
			if err := client.CheckAuth(ctx); err != nil {
				return fmt.Errorf("jira authentication failed: %w", err)
			}

			logger := cliLogger()
			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			importer := jira.NewImporter(client, st, jira.ImportConfig{
				Repo:        repo,
				Project:     project,
				JQL:         jql,
				MaxAttempts: cfg.MaxAttempts,
				DryRun:      dryRun,
			}, logger)

			result, err := importer.Run(ctx)
			if err != nil {
				return fmt.Errorf("jira import failed: %w", err)
			}

			printImportResult(result, dryRun)

			if len(result.Errors) > 0 {
				return fmt.Errorf("%d issue(s) failed to import", len(result.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Jira Cloud URL (e.g., https://acme.atlassian.net)")
	cmd.Flags().StringVar(&email, "email", "", "email for authentication (or AUTODEV_JIRA_EMAIL)")
	cmd.Flags().StringVar(&token, "token", "", "API token (or the configured token env var)")
	cmd.Flags().StringVar(&project, "project", "", "Jira project key to import from")
	cmd.Flags().StringVar(&repo, "repo", "", "repository the imported tasks will change (owner/name)")
	cmd.Flags().StringVar(&jql, "jql", "", "JQL query to narrow the selection")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview what would be imported")

	return cmd
}

func printImportResult(result *jira.ImportResult, dryRun bool) {
	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}

	fmt.Printf("%sJira import complete:\n", prefix)
	fmt.Printf("  Tasks: %d created, %d updated, %d skipped\n",
		result.Created, result.Updated, result.Skipped)

	if len(result.Errors) > 0 {
		fmt.Printf("  Errors: %d\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("    %s: %v\n", e.Key, e.Err)
		}
	}
}
