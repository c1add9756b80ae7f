package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flotilla/internal/api"
	"flotilla/pkg/logging"
)

const serviceSubsystem = "RegistryService"

// ContainerManager is the slice of the container subsystem the service
// orchestrates: per-package container actions plus whole-document access to
// the declared state for snapshot and rollback.
type ContainerManager interface {
	Install(ctx context.Context, pkg api.PackageMetadata, opts InstallPackageOptions) error
	Uninstall(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error

	Installed() map[string]api.InstallationRecord
	IsInstalled(name, version string) bool

	// SnapshotState returns the raw declared-state document; RestoreState
	// rewrites it bit-for-bit and reloads the in-memory records.
	SnapshotState() (json.RawMessage, error)
	RestoreState(raw json.RawMessage) error

	// RunStates enumerates the current run state of every installed
	// package's container; ApplyRunState starts or stops one container back
	// to its recorded state.
	RunStates(ctx context.Context) []api.ContainerRunState
	ApplyRunState(ctx context.Context, state api.ContainerRunState) error
}

// InstallPackageOptions carries the per-package knobs passed down to the
// container manager.
type InstallPackageOptions struct {
	InstalledFrom string
	TransactionID string
	// UserConfig supplies the workflow or team binding required by trigger
	// packages.
	UserConfig map[string]string
}

// InstallOptions tunes one Service.Install invocation.
type InstallOptions struct {
	Version    string
	LocalPath  string
	NoRollback bool
	UserConfig map[string]string
}

// RemoveOptions tunes one Service.Remove invocation.
type RemoveOptions struct {
	Force      bool
	NoRollback bool
}

// Service composes the index, failover manager, resolver, transaction log,
// GPG verifier and container manager into the user-facing package
// operations.
type Service struct {
	registries []api.RegistryConfig
	index      *Index
	failover   *FailoverManager
	tx         *TransactionLog
	containers ContainerManager
	gpg        *GPGVerifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wires a service from its components.
func NewService(registries []api.RegistryConfig, index *Index, failover *FailoverManager, tx *TransactionLog, containers ContainerManager, gpg *GPGVerifier) *Service {
	return &Service{
		registries: registries,
		index:      index,
		failover:   failover,
		tx:         tx,
		containers: containers,
		gpg:        gpg,
		locks:      make(map[string]*sync.Mutex),
	}
}

// packageLock serialises concurrent operations on the same package.
func (s *Service) packageLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

// RefreshIndex refreshes the package index across all registries, or just
// the named one.
func (s *Service) RefreshIndex(ctx context.Context, only string) error {
	return s.index.Refresh(ctx, s.registries, only)
}

// Search queries the index, annotated with installation state.
func (s *Service) Search(filter SearchFilter) []api.SearchResult {
	return s.index.Search(filter, s.containers.Installed())
}

// Transactions returns the newest-first transaction history.
func (s *Service) Transactions(limit int) ([]api.TransactionRecord, error) {
	return s.tx.List(limit)
}

// Install resolves, verifies and installs a package and its missing
// dependencies, dependency-first, under a transaction with a pre-operation
// snapshot. Any failure restores the snapshot and marks the transaction
// rolled back.
func (s *Service) Install(ctx context.Context, name string, opts InstallOptions) error {
	lock := s.packageLock(name)
	lock.Lock()
	defer lock.Unlock()

	pkg, installedFrom, err := s.resolveMetadata(ctx, name, opts)
	if err != nil {
		return err
	}
	if s.containers.IsInstalled(pkg.Name, pkg.Version) {
		logging.Info(serviceSubsystem, "Package %s is already installed", pkg.Key())
		return nil
	}

	record, err := s.tx.Create(api.TransactionOpInstall, pkg.Name, pkg.Version)
	if err != nil {
		return err
	}

	if !opts.NoRollback {
		if err := s.snapshot(ctx, record); err != nil {
			return s.fail(record, fmt.Errorf("failed to snapshot state: %w", err))
		}
	}
	record.Status = api.TransactionStatusInProgress
	if err := s.tx.Append(record); err != nil {
		return err
	}

	if err := s.verifySignature(ctx, pkg, installedFrom); err != nil {
		return s.fail(record, err)
	}

	plan, err := Resolve(*pkg, s.containers.Installed(), s.index)
	if err != nil {
		return s.fail(record, err)
	}

	for _, planned := range plan {
		installOpts := InstallPackageOptions{
			InstalledFrom: installedFrom,
			TransactionID: record.ID,
		}
		if planned.Name == pkg.Name {
			installOpts.UserConfig = opts.UserConfig
		}
		if err := s.containers.Install(ctx, planned, installOpts); err != nil {
			return s.rollback(ctx, record, fmt.Errorf("install of %s failed: %w", planned.Key(), err))
		}
		if planned.Name != pkg.Name {
			record.DependenciesInstalled = append(record.DependenciesInstalled, planned.Key())
		}
	}

	return s.complete(record)
}

// Update reinstalls a package at a new version under the same snapshot and
// rollback structure as Install.
func (s *Service) Update(ctx context.Context, name, version string) error {
	lock := s.packageLock(name)
	lock.Lock()
	defer lock.Unlock()

	current, ok := s.containers.Installed()[name]
	if !ok {
		return api.NewNotFoundError("installed package", name)
	}
	pkg, installedFrom, err := s.index.GetPackageWithFailover(ctx, s.registries, name, version)
	if err != nil {
		return err
	}
	if pkg.Version == current.Version {
		logging.Info(serviceSubsystem, "Package %s is already at %s", name, pkg.Version)
		return nil
	}

	record, err := s.tx.Create(api.TransactionOpUpdate, pkg.Name, pkg.Version)
	if err != nil {
		return err
	}
	if err := s.snapshot(ctx, record); err != nil {
		return s.fail(record, fmt.Errorf("failed to snapshot state: %w", err))
	}
	record.Status = api.TransactionStatusInProgress
	if err := s.tx.Append(record); err != nil {
		return err
	}

	if err := s.verifySignature(ctx, pkg, installedFrom); err != nil {
		return s.fail(record, err)
	}

	err = s.containers.Install(ctx, *pkg, InstallPackageOptions{
		InstalledFrom: installedFrom,
		TransactionID: record.ID,
	})
	if err != nil {
		return s.rollback(ctx, record, fmt.Errorf("update of %s failed: %w", pkg.Key(), err))
	}
	return s.complete(record)
}

// Remove uninstalls a package. Unless force is set, removal is refused while
// another installed package depends on it.
func (s *Service) Remove(ctx context.Context, name string, opts RemoveOptions) error {
	lock := s.packageLock(name)
	lock.Lock()
	defer lock.Unlock()

	installed := s.containers.Installed()
	current, ok := installed[name]
	if !ok {
		return api.NewNotFoundError("installed package", name)
	}

	if !opts.Force {
		if dependents := reverseDependents(installed, name); len(dependents) > 0 {
			return fmt.Errorf("cannot remove %s: required by %v (use force to override)", name, dependents)
		}
	}

	record, err := s.tx.Create(api.TransactionOpRemove, name, current.Version)
	if err != nil {
		return err
	}
	if !opts.NoRollback {
		if err := s.snapshot(ctx, record); err != nil {
			return s.fail(record, fmt.Errorf("failed to snapshot state: %w", err))
		}
	}
	record.Status = api.TransactionStatusInProgress
	if err := s.tx.Append(record); err != nil {
		return err
	}

	if err := s.containers.Uninstall(ctx, name); err != nil {
		return s.rollback(ctx, record, fmt.Errorf("removal of %s failed: %w", name, err))
	}
	return s.complete(record)
}

// Rollback restores the snapshot of a previous transaction and appends a
// rollback record.
func (s *Service) Rollback(ctx context.Context, transactionID string) error {
	record, err := s.tx.Get(transactionID)
	if err != nil {
		return err
	}
	if record.BackupState == nil {
		return fmt.Errorf("transaction %s carries no backup state", transactionID)
	}

	rollbackRecord, err := s.tx.Create(api.TransactionOpRollback, record.PackageName, record.Version)
	if err != nil {
		return err
	}
	if err := s.restore(ctx, record.BackupState); err != nil {
		return s.fail(rollbackRecord, err)
	}
	return s.complete(rollbackRecord)
}

// InstallFromLocalPath installs a package from a directory containing an
// mcp.json manifest without touching any registry (air-gapped mode).
func (s *Service) InstallFromLocalPath(ctx context.Context, path string, userConfig map[string]string) error {
	pkg, err := readLocalManifest(path)
	if err != nil {
		return err
	}
	return s.Install(ctx, pkg.Name, InstallOptions{
		Version:    pkg.Version,
		LocalPath:  path,
		UserConfig: userConfig,
	})
}

// DiscoverLocalPackages enumerates the manifests of every enabled file://
// registry.
func (s *Service) DiscoverLocalPackages() ([]api.PackageMetadata, error) {
	var packages []api.PackageMetadata
	for _, reg := range s.registries {
		if !reg.Enabled || !reg.IsLocal() {
			continue
		}
		found, err := scanLocalRegistry(reg.LocalPath())
		if err != nil {
			logging.Warn(serviceSubsystem, "Failed to scan local registry %s: %v", reg.Name, err)
			continue
		}
		packages = append(packages, found...)
	}
	return packages, nil
}

func (s *Service) resolveMetadata(ctx context.Context, name string, opts InstallOptions) (*api.PackageMetadata, string, error) {
	if opts.LocalPath != "" {
		pkg, err := readLocalManifest(opts.LocalPath)
		if err != nil {
			return nil, "", err
		}
		return pkg, "local:" + opts.LocalPath, nil
	}
	return s.index.GetPackageWithFailover(ctx, s.registries, name, opts.Version)
}

// verifySignature runs the GPG check when the originating registry demands
// it. Local-path installs and registries without gpgcheck skip it.
func (s *Service) verifySignature(ctx context.Context, pkg *api.PackageMetadata, installedFrom string) error {
	var cfg *api.RegistryConfig
	for i := range s.registries {
		if s.registries[i].Name == installedFrom {
			cfg = &s.registries[i]
			break
		}
	}
	if cfg == nil || !cfg.GPGCheck {
		return nil
	}

	keyPath, err := GPGKeyPath(*cfg)
	if err != nil {
		return &api.SignatureVerificationError{Package: pkg.Name, Cause: err}
	}
	manifest, err := json.Marshal(pkg)
	if err != nil {
		return err
	}
	return s.gpg.Verify(ctx, pkg.Name, manifest, pkg.Signature, keyPath)
}

// snapshot captures the declared-state document and the container run states
// into the transaction's backup state.
func (s *Service) snapshot(ctx context.Context, record *api.TransactionRecord) error {
	declared, err := s.containers.SnapshotState()
	if err != nil {
		return err
	}
	record.BackupState = &api.BackupState{
		DeclaredState: declared,
		Containers:    s.containers.RunStates(ctx),
	}
	return nil
}

// restore rewrites the declared state bit-for-bit and re-applies each
// container's prior run state.
func (s *Service) restore(ctx context.Context, backup *api.BackupState) error {
	if err := s.containers.RestoreState(backup.DeclaredState); err != nil {
		return fmt.Errorf("failed to restore declared state: %w", err)
	}
	for _, state := range backup.Containers {
		if err := s.containers.ApplyRunState(ctx, state); err != nil {
			logging.Warn(serviceSubsystem, "Failed to restore run state of %s: %v", state.Name, err)
		}
	}
	return nil
}

func (s *Service) rollback(ctx context.Context, record *api.TransactionRecord, cause error) error {
	logging.Error(serviceSubsystem, cause, "Transaction %s failed, rolling back", record.ID)

	if record.BackupState != nil {
		if err := s.restore(ctx, record.BackupState); err != nil {
			logging.Error(serviceSubsystem, err, "Rollback of transaction %s failed", record.ID)
			return s.fail(record, fmt.Errorf("%v (rollback also failed: %w)", cause, err))
		}
		record.Status = api.TransactionStatusRolledBack
	} else {
		record.Status = api.TransactionStatusFailed
	}

	record.Error = api.SanitizeString(cause.Error())
	now := time.Now().UTC()
	record.CompletedAt = &now
	if err := s.tx.Append(record); err != nil {
		logging.Error(serviceSubsystem, err, "Failed to log rollback of %s", record.ID)
	}
	return cause
}

func (s *Service) fail(record *api.TransactionRecord, cause error) error {
	record.Status = api.TransactionStatusFailed
	record.Error = api.SanitizeString(cause.Error())
	now := time.Now().UTC()
	record.CompletedAt = &now
	if err := s.tx.Append(record); err != nil {
		logging.Error(serviceSubsystem, err, "Failed to log failure of %s", record.ID)
	}
	return cause
}

func (s *Service) complete(record *api.TransactionRecord) error {
	record.Status = api.TransactionStatusCompleted
	now := time.Now().UTC()
	record.CompletedAt = &now
	if err := s.tx.Append(record); err != nil {
		return err
	}
	logging.Info(serviceSubsystem, "Transaction %s (%s %s) completed", record.ID, record.Operation, record.PackageName)
	return nil
}

// reverseDependents lists the installed packages that declare name as a
// required dependency.
func reverseDependents(installed map[string]api.InstallationRecord, name string) []string {
	var dependents []string
	for owner, rec := range installed {
		if owner == name {
			continue
		}
		for _, dep := range rec.Metadata.Dependencies.All() {
			if dep.Name == name && !dep.Optional {
				dependents = append(dependents, owner)
				break
			}
		}
	}
	return dependents
}

func readLocalManifest(path string) (*api.PackageMetadata, error) {
	manifest := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		manifest = filepath.Join(path, "mcp.json")
	}
	raw, err := os.ReadFile(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var pkg api.PackageMetadata
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("malformed manifest %s: %w", manifest, err)
	}
	if pkg.Name == "" || pkg.Version == "" {
		return nil, fmt.Errorf("manifest %s is missing name or version", manifest)
	}
	if pkg.Type == "" {
		pkg.Type = api.PackageTypeMCP
	}
	return &pkg, nil
}
