package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <package>",
	Short: "Start an installed package's container",
	Long: `Starts the container of an installed package. When the runtime no longer
has the container (for example after a daemon reset), it is reconstructed
from the declared record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.manager.Start(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("started %s\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <package>",
	Short: "Stop an installed package's container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.manager.Stop(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("stopped %s\n", args[0])
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <package>",
	Short: "Restart an installed package's container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.manager.Restart(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("restarted %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
}
