package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Review the issues raised by validation runs",
}

// -- issues list --

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		runID, _ := cmd.Flags().GetString("run")
		providerID, _ := cmd.Flags().GetString("provider")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.IssueFilter{
			RunID:      runID,
			ProviderID: providerID,
			Status:     model.IssueStatus(status),
			Limit:      limit,
		}
		if filter.Status != "" && filter.Status != model.IssueOpen && !filter.Status.Terminal() {
			return eris.Errorf("issues list: unknown status %q", status)
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		issues, err := env.Store.ListIssues(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "issues list")
		}
		if len(issues) == 0 {
			fmt.Fprintln(os.Stderr, "No issues found.")
			return nil
		}

		formatIssuesList(os.Stdout, issues)
		return nil
	},
}

// -- issues accept / reject --

var issuesAcceptCmd = &cobra.Command{
	Use:   "accept <issue-id>",
	Short: "Apply an open issue's suggested value to its provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Ledger.Accept(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "issues accept")
		}
		return printJSON(os.Stdout, res)
	},
}

var issuesRejectCmd = &cobra.Command{
	Use:   "reject <issue-id>",
	Short: "Dismiss an open issue without touching its provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Ledger.Reject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "issues reject")
		}
		return printJSON(os.Stdout, res)
	},
}

// -- issues accept-all / reject-all --

var issuesAcceptAllCmd = &cobra.Command{
	Use:   "accept-all <run-id>",
	Short: "Accept every open issue of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Ledger.AcceptAll(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "issues accept-all")
		}
		return printJSON(os.Stdout, res)
	},
}

var issuesRejectAllCmd = &cobra.Command{
	Use:   "reject-all <run-id>",
	Short: "Reject every open issue of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Ledger.RejectAll(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "issues reject-all")
		}
		return printJSON(os.Stdout, res)
	},
}

func init() {
	issuesListCmd.Flags().String("run", "", "filter by run ID")
	issuesListCmd.Flags().String("provider", "", "filter by provider ID")
	issuesListCmd.Flags().String("status", "", "filter by status (OPEN, ACCEPTED, REJECTED)")
	issuesListCmd.Flags().Int("limit", 100, "max number of issues to display")

	issuesCmd.AddCommand(issuesListCmd)
	issuesCmd.AddCommand(issuesAcceptCmd)
	issuesCmd.AddCommand(issuesRejectCmd)
	issuesCmd.AddCommand(issuesAcceptAllCmd)
	issuesCmd.AddCommand(issuesRejectAllCmd)
	rootCmd.AddCommand(issuesCmd)
}
