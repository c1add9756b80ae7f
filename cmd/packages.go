package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"flotilla/internal/api"
	"flotilla/internal/registry"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	installVersion    string
	installLocalPath  string
	installNoRollback bool
	installConfig     []string

	removeForce bool

	searchType string
	searchTags []string

	listTransactions bool
)

// withSpinner runs a long package operation behind a terminal spinner.
func withSpinner(message string, op func() error) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	s.Start()
	err := op()
	s.Stop()
	return err
}

var installCmd = &cobra.Command{
	Use:   "install <package>",
	Short: "Install a package and its dependencies",
	Long: `Resolves the package from the configured registries (or from a local
mcp.json with --local-path), installs missing dependencies first and creates
the containers. Failures roll the declared state back unless --no-rollback.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		userConfig, err := parseConfigPairs(installConfig)
		if err != nil {
			return err
		}

		name := args[0]
		err = withSpinner("installing "+name, func() error {
			if installLocalPath != "" {
				return app.service.InstallFromLocalPath(cmd.Context(), installLocalPath, userConfig)
			}
			return app.service.Install(cmd.Context(), name, registry.InstallOptions{
				Version:    installVersion,
				NoRollback: installNoRollback,
				UserConfig: userConfig,
			})
		})
		if err != nil {
			return err
		}
		fmt.Printf("installed %s\n", name)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <package>",
	Short: "Remove an installed package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.service.Remove(cmd.Context(), args[0], registry.RemoveOptions{Force: removeForce}); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <package> [version]",
	Short: "Update an installed package to a new version",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		version := ""
		if len(args) == 2 {
			version = args[1]
		}
		if err := withSpinner("updating "+args[0], func() error {
			return app.service.Update(cmd.Context(), args[0], version)
		}); err != nil {
			return err
		}
		fmt.Printf("updated %s\n", args[0])
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <transaction-id>",
	Short: "Restore the state snapshot of a past transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		if err := withSpinner("rolling back "+args[0], func() error {
			return app.service.Rollback(cmd.Context(), args[0])
		}); err != nil {
			return err
		}
		fmt.Printf("rolled back %s\n", args[0])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the package index",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		filter := registry.SearchFilter{
			Type: api.PackageType(searchType),
			Tags: searchTags,
		}
		if len(args) == 1 {
			filter.Query = args[0]
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Name", "Version", "Type", "Registry", "Installed", "Description"})
		for _, result := range app.service.Search(filter) {
			installed := ""
			if result.Installed {
				installed = result.InstalledVersion
			}
			t.AppendRow(table.Row{
				result.Name, result.Version, result.Type, result.Registry, installed, result.Description,
			})
		}
		t.Render()
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages (or transactions with --transactions)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)

		if listTransactions {
			records, err := app.service.Transactions(20)
			if err != nil {
				return err
			}
			t.AppendHeader(table.Row{"ID", "Operation", "Package", "Version", "Status", "Started"})
			for _, record := range records {
				t.AppendRow(table.Row{
					record.ID, record.Operation, record.PackageName, record.Version,
					record.Status, record.StartedAt.Format("2006-01-02 15:04:05"),
				})
			}
			t.Render()
			return nil
		}

		t.AppendHeader(table.Row{"Name", "Version", "Type", "Installed", "From"})
		for _, rec := range app.manager.Installed() {
			t.AppendRow(table.Row{
				rec.Name, rec.Version, rec.Metadata.Type,
				rec.InstalledAt.Format("2006-01-02 15:04:05"), rec.InstalledFrom,
			})
		}
		t.SortBy([]table.SortBy{{Name: "Name", Mode: table.Asc}})
		t.Render()
		return nil
	},
}

func parseConfigPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --config %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(installCmd, removeCmd, updateCmd, rollbackCmd, searchCmd, listCmd)

	installCmd.Flags().StringVar(&installVersion, "version", "", "Exact version to install (default: first match)")
	installCmd.Flags().StringVar(&installLocalPath, "local-path", "", "Install from a local directory containing mcp.json")
	installCmd.Flags().BoolVar(&installNoRollback, "no-rollback", false, "Skip the pre-install snapshot")
	installCmd.Flags().StringArrayVar(&installConfig, "config", nil, "Package user config as key=value (repeatable)")

	removeCmd.Flags().BoolVar(&removeForce, "force", false, "Remove even when other packages depend on it")

	searchCmd.Flags().StringVar(&searchType, "type", "", "Filter by package type (mcp, agent, team, trigger)")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "Filter by tag (repeatable, all must match)")

	listCmd.Flags().BoolVar(&listTransactions, "transactions", false, "List the transaction history instead")
}
