package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"flotilla/internal/api"

	"github.com/spf13/cobra"
)

var runArgs []string

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Execute a workflow and stream its progress",
	Long: `Executes the named workflow from workflows/{templates,custom}. Parameters
are passed with repeated --arg key=value flags; values that parse as JSON are
passed typed, everything else as a string.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	app, err := newApplication(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer app.close()

	params, err := parseArgs(runArgs)
	if err != nil {
		return err
	}

	progress := func(event api.ProgressEvent) {
		fmt.Fprintf(os.Stderr, "%s  %-20s %s\n",
			event.Timestamp.Format("15:04:05"), event.NodeID, event.Status)
	}

	result, err := app.engine.Execute(cmd.Context(), args[0], params, progress)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if result.Status != api.ExecutionStatusCompleted {
		return fmt.Errorf("execution %s finished with status %s", result.ID, result.Status)
	}
	return nil
}

// parseArgs turns repeated key=value flags into workflow parameters. Values
// that parse as JSON keep their type.
func parseArgs(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --arg %q, expected key=value", pair)
		}
		var typed interface{}
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			params[key] = typed
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "Workflow parameter as key=value (repeatable)")
}
