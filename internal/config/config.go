// Package config loads the application configuration from config.yaml and
// resolves the filesystem layout (configs/, workflows/, volumes/) against the
// base directory. APP_BASE_DIR overrides the configured base.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"flotilla/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	configSubsystem = "ConfigLoader"
	configFileName  = "config.yaml"

	// EnvBaseDir overrides the configured base directory.
	EnvBaseDir = "APP_BASE_DIR"
)

// ServerConfig configures the HTTP surface of the serve command.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// PathsConfig names the top-level directories. Relative entries resolve
// against BaseDir.
type PathsConfig struct {
	BaseDir      string `yaml:"base_dir,omitempty"`
	ConfigsDir   string `yaml:"configs_dir,omitempty"`
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`
	VolumesDir   string `yaml:"volumes_dir,omitempty"`
}

// Config is the top-level configuration of the orchestrator.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Paths   PathsConfig   `yaml:"paths"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Host: "localhost", Port: 8080},
		Logging: LoggingConfig{Level: "info"},
		Paths: PathsConfig{
			BaseDir:      ".",
			ConfigsDir:   "configs",
			WorkflowsDir: "workflows",
			VolumesDir:   "volumes",
		},
	}
}

// Load reads config.yaml from the given directory, layered over the defaults.
// A missing file yields the defaults. APP_BASE_DIR, when set, wins over the
// configured base directory.
func Load(configDir string) (Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info(configSubsystem, "No config.yaml at %s, using defaults", path)
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("malformed config %s: %w", path, err)
		}
		logging.Info(configSubsystem, "Loaded configuration from %s", path)
	}

	if base := os.Getenv(EnvBaseDir); base != "" {
		cfg.Paths.BaseDir = base
	}
	return cfg, nil
}

// resolve joins dir with the base directory unless dir is already absolute.
func (c Config) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.Paths.BaseDir, dir)
}

// ConfigsDir is the directory of registries.conf, the package index, the
// installed-packages state and the transaction log.
func (c Config) ConfigsDir() string { return c.resolve(c.Paths.ConfigsDir) }

// WorkflowsDir is the parent of the templates/ and custom/ workflow dirs.
func (c Config) WorkflowsDir() string { return c.resolve(c.Paths.WorkflowsDir) }

// VolumesDir holds execution results, progress streams and logs.
func (c Config) VolumesDir() string { return c.resolve(c.Paths.VolumesDir) }

// RegistriesConfPath is the INI registry configuration.
func (c Config) RegistriesConfPath() string {
	return filepath.Join(c.ConfigsDir(), "registries.conf")
}

// PackageIndexPath is the persisted package-index snapshot.
func (c Config) PackageIndexPath() string {
	return filepath.Join(c.ConfigsDir(), "package-index.json")
}

// InstalledPackagesPath is the declared-state document.
func (c Config) InstalledPackagesPath() string {
	return filepath.Join(c.ConfigsDir(), "installed-packages.json")
}

// TransactionsPath is the append-only transaction log.
func (c Config) TransactionsPath() string {
	return filepath.Join(c.ConfigsDir(), "transactions.jsonl")
}

// TemplateWorkflowsDir holds the shipped workflow documents.
func (c Config) TemplateWorkflowsDir() string {
	return filepath.Join(c.WorkflowsDir(), "templates")
}

// CustomWorkflowsDir holds user workflows; they shadow templates by name.
func (c Config) CustomWorkflowsDir() string {
	return filepath.Join(c.WorkflowsDir(), "custom")
}

// ListenAddr is the host:port the serve command binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
