package api

import (
	"encoding/json"
	"time"
)

// PackageType categorises installable packages.
type PackageType string

const (
	PackageTypeMCP     PackageType = "mcp"
	PackageTypeAgent   PackageType = "agent"
	PackageTypeTeam    PackageType = "team"
	PackageTypeTrigger PackageType = "trigger"
)

// DependencyRef names one exact-version dependency of a package.
type DependencyRef struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Optional bool   `json:"optional,omitempty"`
}

// PackageDependencies groups dependencies by resource kind.
type PackageDependencies struct {
	MCPs   []DependencyRef `json:"mcps,omitempty"`
	Agents []DependencyRef `json:"agents,omitempty"`
}

// All returns every dependency reference regardless of kind.
func (d PackageDependencies) All() []DependencyRef {
	refs := make([]DependencyRef, 0, len(d.MCPs)+len(d.Agents))
	refs = append(refs, d.MCPs...)
	refs = append(refs, d.Agents...)
	return refs
}

// BuildSpec describes how to build a package image locally.
type BuildSpec struct {
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"`
}

// DeploymentSpec translates a package into a container.
type DeploymentSpec struct {
	Image         string            `json:"image,omitempty"`
	Build         *BuildSpec        `json:"build,omitempty"`
	Ports         []string          `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	NetworkMode   string            `json:"network_mode,omitempty"`
	Restart       string            `json:"restart,omitempty"`
	CapAdd        []string          `json:"cap_add,omitempty"`
	ContainerName string            `json:"container_name,omitempty"`
}

// Checksums carries the artefact digests published with a package.
type Checksums struct {
	SHA256 string `json:"sha256,omitempty"`
	MD5    string `json:"md5,omitempty"`
}

// PackageMetadata is the manifest of one installable package (mcp.json).
// Dependency versions are exact semver strings; ranges are not supported.
type PackageMetadata struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Type         PackageType         `json:"type"`
	Publisher    string              `json:"publisher,omitempty"`
	Description  string              `json:"description,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	Dependencies PackageDependencies `json:"dependencies,omitempty"`
	Deployment   DeploymentSpec      `json:"deployment"`
	Checksums    Checksums           `json:"checksums,omitempty"`
	Signature    string              `json:"signature,omitempty"`
}

// Key returns the name@version identity used by the resolver and index.
func (p PackageMetadata) Key() string {
	return p.Name + "@" + p.Version
}

// InstallationRecord is the declarative record of one installed package.
// ContainerID and ContainerName are runtime state: reconciled from the
// container runtime at startup and never serialised, so the declared-state
// file stays portable across machines.
type InstallationRecord struct {
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	InstalledAt   time.Time       `json:"installed_at"`
	InstalledFrom string          `json:"installed_from"`
	TransactionID string          `json:"transaction_id"`
	Metadata      PackageMetadata `json:"metadata"`

	ContainerID   string `json:"-"`
	ContainerName string `json:"-"`
}

// TransactionOperation enumerates the package operations covered by the
// transaction log.
type TransactionOperation string

const (
	TransactionOpInstall  TransactionOperation = "install"
	TransactionOpUpdate   TransactionOperation = "update"
	TransactionOpRemove   TransactionOperation = "remove"
	TransactionOpRollback TransactionOperation = "rollback"
)

// TransactionStatus is the lifecycle state of a transaction record.
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusInProgress TransactionStatus = "in_progress"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusRolledBack TransactionStatus = "rolled_back"
)

// ContainerRunState snapshots whether a container was running before a
// transaction, so rollback can restore it.
type ContainerRunState struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// BackupState is the whole-document snapshot taken before a mutating package
// operation. Rollback restores the declared-state file bit-for-bit and
// re-applies each container's prior run state.
type BackupState struct {
	DeclaredState json.RawMessage     `json:"declared_state"`
	Containers    []ContainerRunState `json:"containers,omitempty"`
}

// TransactionRecord is one entry of the append-only transaction log. State
// changes are recorded by appending an updated copy; readers reconstruct the
// latest state by scanning forward.
type TransactionRecord struct {
	ID                    string               `json:"id"`
	Operation             TransactionOperation `json:"operation"`
	PackageName           string               `json:"package_name"`
	Version               string               `json:"version,omitempty"`
	Status                TransactionStatus    `json:"status"`
	StartedAt             time.Time            `json:"started_at"`
	CompletedAt           *time.Time           `json:"completed_at,omitempty"`
	Error                 string               `json:"error,omitempty"`
	DependenciesInstalled []string             `json:"dependencies_installed,omitempty"`
	BackupState           *BackupState         `json:"backup_state,omitempty"`
}

// RegistryConfig is one entry of registries.conf.
type RegistryConfig struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	Enabled    bool   `json:"enabled"`
	Priority   int    `json:"priority"`
	GPGCheck   bool   `json:"gpgcheck"`
	GPGKey     string `json:"gpgkey,omitempty"`
	TrustLevel string `json:"trust_level,omitempty"`
	Type       string `json:"type,omitempty"`
}

// IsLocal reports whether the registry is a file:// directory registry.
func (r RegistryConfig) IsLocal() bool {
	return len(r.URL) >= 7 && r.URL[:7] == "file://"
}

// LocalPath returns the filesystem path of a file:// registry.
func (r RegistryConfig) LocalPath() string {
	if !r.IsLocal() {
		return ""
	}
	return r.URL[7:]
}

// RegistryStatus is the derived health classification of a registry.
type RegistryStatus string

const (
	RegistryStatusHealthy     RegistryStatus = "healthy"
	RegistryStatusDegraded    RegistryStatus = "degraded"
	RegistryStatusFailing     RegistryStatus = "failing"
	RegistryStatusUnavailable RegistryStatus = "unavailable"
)

// SearchResult annotates an index entry with its origin registry and local
// installation state.
type SearchResult struct {
	PackageMetadata
	Registry         string `json:"registry"`
	Installed        bool   `json:"installed"`
	InstalledVersion string `json:"installed_version,omitempty"`
}
