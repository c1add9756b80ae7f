package cmd

import (
	"os"

	"flotilla/internal/config"
	"flotilla/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	rootConfigPath string
	rootDebug      bool
)

// rootCmd is the entry point of the flotilla CLI.
var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Agent-orchestration platform: workflows, tool servers and packages",
	Long: `flotilla executes workflow DAGs against MCP tool servers and manages
the packages (tool servers, agents, triggers) that provide them as containers.

Workflows live in workflows/{templates,custom}; packages are installed from
registries configured in configs/registries.conf.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logging.ParseLevel(loadedConfig().Logging.Level)
		if rootDebug {
			level = logging.LevelDebug
		}
		logging.Init(level, os.Stderr)
		return nil
	},
}

var cachedConfig *config.Config

// loadedConfig loads config.yaml once per invocation. Load errors fall back
// to the defaults so logging setup never blocks a command; the command itself
// re-reports the error.
func loadedConfig() config.Config {
	if cachedConfig != nil {
		return *cachedConfig
	}
	cfg, err := config.Load(configDir())
	if err != nil {
		cfg = config.Default()
	}
	cachedConfig = &cfg
	return cfg
}

func configDir() string {
	if rootConfigPath != "" {
		return rootConfigPath
	}
	return "."
}

// SetVersion injects the build version from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "flotilla version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config-path", "", "Directory containing config.yaml (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Enable debug logging")
}
