package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var executionsLimit int

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Inspect workflow executions",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted executions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer app.close()

		results, err := app.storage.ListResults(executionsLimit)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Workflow", "Status", "Started", "Duration"})
		for _, result := range results {
			t.AppendRow(table.Row{
				result.ID,
				result.WorkflowName,
				result.Status,
				result.StartedAt.Format("2006-01-02 15:04:05"),
				result.CompletedAt.Sub(result.StartedAt).Round(1e6),
			})
		}
		t.Render()
		return nil
	},
}

var executionsGetCmd = &cobra.Command{
	Use:   "get <execution-id>",
	Short: "Show one execution, including its progress events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer app.close()

		result, err := app.storage.GetResult(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var executionsCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Request cooperative cancellation of a running execution",
	Long: `Sets the cancellation flag of an execution running in this process. The
engine observes the flag between nodes; in-flight tool calls complete
normally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.tracker.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Printf("cancellation requested for %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(executionsCmd)
	executionsCmd.AddCommand(executionsListCmd, executionsGetCmd, executionsCancelCmd)
	executionsListCmd.Flags().IntVar(&executionsLimit, "limit", 20, "Maximum number of executions to list")
}
