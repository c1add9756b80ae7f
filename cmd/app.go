package cmd

import (
	"context"
	"path/filepath"

	"flotilla/internal/api"
	"flotilla/internal/config"
	"flotilla/internal/container"
	"flotilla/internal/registry"
	"flotilla/internal/session"
	"flotilla/internal/toolregistry"
	"flotilla/internal/workflow"
	"flotilla/pkg/logging"
)

const cmdSubsystem = "CLI"

// application wires the subsystems a command needs. Commands that only read
// workflows tolerate a missing Docker daemon; package commands require it.
type application struct {
	cfg        config.Config
	registries []api.RegistryConfig

	tools    *toolregistry.Registry
	sessions *session.Manager
	loader   *workflow.Loader
	storage  *workflow.Storage
	tracker  *workflow.Tracker
	engine   *workflow.Engine

	manager *container.Manager
	service *registry.Service
}

func newApplication(ctx context.Context, requireDocker bool) (*application, error) {
	cfg := loadedConfig()

	registries, err := registry.LoadRegistries(cfg.RegistriesConfPath())
	if err != nil {
		return nil, err
	}

	app := &application{
		cfg:        cfg,
		registries: registries,
		tools:      toolregistry.New(),
		sessions:   session.NewManager(),
		loader:     workflow.NewLoader(cfg.TemplateWorkflowsDir(), cfg.CustomWorkflowsDir()),
		storage:    workflow.NewStorage(cfg.VolumesDir()),
		tracker:    workflow.NewTracker(),
	}
	app.engine = workflow.NewEngine(app.loader, app.tools, app.sessions, app.storage, app.tracker)

	runtime, err := container.NewRuntime()
	if err != nil {
		if requireDocker {
			return nil, err
		}
		logging.Warn(cmdSubsystem, "Container runtime unavailable, tool servers will not resolve: %v", err)
		return app, nil
	}

	manager, err := container.NewManager(ctx, runtime, container.NewStateStore(cfg.InstalledPackagesPath()), app.tools)
	if err != nil {
		return nil, err
	}
	companion := filepath.Join(cfg.Paths.BaseDir, "installed-packages.json")
	if err := manager.Bootstrap(ctx, companion); err != nil {
		logging.Warn(cmdSubsystem, "Bootstrap from %s failed: %v", companion, err)
	}
	manager.Reconcile(ctx)
	app.manager = manager

	failover := registry.NewFailoverManager(registry.DefaultFailoverOptions())
	index := registry.NewIndex(cfg.PackageIndexPath(), nil, failover)
	tx := registry.NewTransactionLog(cfg.TransactionsPath())
	app.service = registry.NewService(registries, index, failover, tx, manager, registry.NewGPGVerifier())
	return app, nil
}

func (a *application) close() {
	if a.sessions != nil {
		_ = a.sessions.Close()
	}
	if a.loader != nil {
		_ = a.loader.Close()
	}
}
