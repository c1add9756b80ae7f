package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"flotilla/pkg/logging"

	"github.com/spf13/cobra"
)

var serveSkipRefresh bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator: reconcile containers, watch workflows, serve health",
	Long: `Reconciles installed packages against the container runtime, refreshes the
package index, watches the workflow directories for changes and then blocks
until interrupted. A small HTTP surface exposes health and the running
executions.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, false)
	if err != nil {
		return err
	}
	defer app.close()

	if app.service != nil && !serveSkipRefresh {
		if err := app.service.RefreshIndex(ctx, ""); err != nil {
			logging.Warn(cmdSubsystem, "Index refresh failed: %v", err)
		}
	}
	if err := app.loader.Watch(); err != nil {
		logging.Warn(cmdSubsystem, "Workflow watch unavailable: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/executions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(app.tracker.List())
	})

	server := &http.Server{Addr: app.cfg.ListenAddr(), Handler: mux}
	go func() {
		logging.Info(cmdSubsystem, "Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(cmdSubsystem, err, "HTTP server failed")
		}
	}()

	<-ctx.Done()
	logging.Info(cmdSubsystem, "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveSkipRefresh, "skip-refresh", false, "Skip the package index refresh on startup")
}
