package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"flotilla/internal/api"
	"flotilla/internal/registry"
	"flotilla/internal/toolregistry"
	"flotilla/pkg/logging"
)

const managerSubsystem = "ContainerManager"

const (
	envOrchestratorURL = "ORCHESTRATOR_URL"
	envOrchestratorWS  = "ORCHESTRATOR_WS"
	envNetworkOverride = "MCP_NETWORK"

	defaultNetwork = "bridge"
)

// ContainerRuntime is the slice of the Docker runtime the manager drives.
type ContainerRuntime interface {
	ImageExists(ctx context.Context, image string) bool
	PullImage(ctx context.Context, image string) error
	BuildImage(ctx context.Context, tag, contextDir, dockerfile string) error
	Run(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (ContainerInfo, error)
	ListByName(ctx context.Context, filter string) ([]string, error)
}

// Manager owns the installed-packages records, drives the container runtime
// and registers tool-server endpoints. It implements registry.ContainerManager.
type Manager struct {
	runtime ContainerRuntime
	state   *StateStore
	tools   *toolregistry.Registry

	// network is the network joined by created containers; hostMounts maps
	// this process's container-internal mount paths back to host paths, so
	// volume specs handed to the daemon are host-rooted.
	network    string
	hostMounts map[string]string

	mu      sync.RWMutex
	records map[string]api.InstallationRecord
}

// NewManager loads the declared state and detects the container network and
// host mount translation from the orchestrator's own container, when there is
// one.
func NewManager(ctx context.Context, runtime ContainerRuntime, state *StateStore, tools *toolregistry.Registry) (*Manager, error) {
	records, err := state.Load()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		runtime:    runtime,
		state:      state,
		tools:      tools,
		network:    defaultNetwork,
		hostMounts: make(map[string]string),
		records:    records,
	}
	m.detectEnvironment(ctx)
	return m, nil
}

// detectEnvironment resolves the target network (MCP_NETWORK wins, then the
// orchestrator's own network) and builds the container-to-host path mapping
// from this process's mounts.
func (m *Manager) detectEnvironment(ctx context.Context) {
	if network := os.Getenv(envNetworkOverride); network != "" {
		m.network = network
	}

	self := os.Getenv("HOSTNAME")
	if self == "" {
		return
	}
	info, err := m.runtime.Inspect(ctx, self)
	if err != nil {
		logging.Debug(managerSubsystem, "Not running in a container, using network %s", m.network)
		return
	}
	if m.network == defaultNetwork && info.Network != "" {
		m.network = info.Network
	}
	for _, mount := range info.Mounts {
		m.hostMounts[mount.Destination] = mount.Source
	}
	logging.Info(managerSubsystem, "Detected network %s and %d host mounts", m.network, len(m.hostMounts))
}

// Reconcile attaches runtime container ids to the in-memory records by
// querying the runtime for every declared package. The declared file is never
// touched: a stopped or missing container only clears the in-memory fields.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, rec := range m.records {
		containerName := m.containerName(rec.Metadata)
		info, err := m.runtime.Inspect(ctx, containerName)
		if err != nil || !info.Running {
			logging.Warn(managerSubsystem, "Container %s of package %s is not running", containerName, name)
			rec.ContainerID = ""
			rec.ContainerName = ""
			m.records[name] = rec
			continue
		}
		rec.ContainerID = info.ID
		rec.ContainerName = info.Name
		m.records[name] = rec
		m.registerEndpoint(rec.Metadata)
	}
}

// Bootstrap recreates the declared state from a companion document when the
// internal file is absent, matching declared packages to running containers
// by the {type}-{name} naming convention.
func (m *Manager) Bootstrap(ctx context.Context, companionPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.records) > 0 || m.state.Exists() {
		return nil
	}
	raw, err := os.ReadFile(companionPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc stateFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("malformed companion state %s: %w", companionPath, err)
	}

	for name, rec := range doc.Packages {
		containerName := m.containerName(rec.Metadata)
		info, inspectErr := m.runtime.Inspect(ctx, containerName)
		if inspectErr != nil {
			logging.Warn(managerSubsystem, "Skipping bootstrap of %s: no container %s", name, containerName)
			continue
		}
		rec.Name = name
		if rec.InstalledAt.IsZero() {
			rec.InstalledAt = time.Now().UTC()
		}
		if info.Running {
			rec.ContainerID = info.ID
			rec.ContainerName = info.Name
			m.registerEndpoint(rec.Metadata)
		}
		m.records[name] = rec
	}
	logging.Info(managerSubsystem, "Bootstrapped %d packages from %s", len(m.records), companionPath)
	return m.state.Save(m.records)
}

// Install materialises a package's deployment as a running container and
// records it in the declared state.
func (m *Manager) Install(ctx context.Context, pkg api.PackageMetadata, opts registry.InstallPackageOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[pkg.Name]; ok && rec.Version == pkg.Version {
		logging.Debug(managerSubsystem, "Package %s already installed", pkg.Key())
		return nil
	}

	image, err := m.ensureImage(ctx, pkg)
	if err != nil {
		return err
	}

	name := m.containerName(pkg)
	// Replace any leftover container with the target name.
	if _, inspectErr := m.runtime.Inspect(ctx, name); inspectErr == nil {
		_ = m.runtime.Stop(ctx, name)
		_ = m.runtime.Remove(ctx, name)
	}

	id, err := m.runtime.Run(ctx, m.containerSpec(pkg, image, name, opts.UserConfig))
	if err != nil {
		return err
	}

	m.records[pkg.Name] = api.InstallationRecord{
		Name:          pkg.Name,
		Version:       pkg.Version,
		InstalledAt:   time.Now().UTC(),
		InstalledFrom: opts.InstalledFrom,
		TransactionID: opts.TransactionID,
		Metadata:      pkg,
		ContainerID:   id,
		ContainerName: name,
	}
	if err := m.state.Save(m.records); err != nil {
		return err
	}
	m.registerEndpoint(pkg)
	return nil
}

// Uninstall stops and removes the package's container and deletes its
// declared record. Reverse-dependency checks belong to the composing service.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return api.NewNotFoundError("installed package", name)
	}
	containerName := m.containerName(rec.Metadata)
	_ = m.runtime.Stop(ctx, containerName)
	_ = m.runtime.Remove(ctx, containerName)

	delete(m.records, name)
	return m.state.Save(m.records)
}

// Start starts the package's container, reconstructing it from the declared
// record when the runtime no longer has it.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return api.NewNotFoundError("installed package", name)
	}
	pkg := rec.Metadata
	containerName := m.containerName(pkg)

	info, err := m.runtime.Inspect(ctx, containerName)
	switch {
	case err == nil && info.Running:
		logging.Debug(managerSubsystem, "Container %s already running", containerName)
	case err == nil:
		if startErr := m.runtime.Start(ctx, containerName); startErr != nil {
			return startErr
		}
	default:
		// The daemon lost the container. Rebuild it from the record.
		image, imageErr := m.ensureImage(ctx, pkg)
		if imageErr != nil {
			return fmt.Errorf("cannot reconstruct container %s: %w", containerName, imageErr)
		}
		id, runErr := m.runtime.Run(ctx, m.containerSpec(pkg, image, containerName, nil))
		if runErr != nil {
			return runErr
		}
		rec.ContainerID = id
	}

	rec.ContainerName = containerName
	m.records[name] = rec
	m.registerEndpoint(pkg)
	return nil
}

// Stop stops the package's container.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.RLock()
	rec, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return api.NewNotFoundError("installed package", name)
	}
	return m.runtime.Stop(ctx, m.containerName(rec.Metadata))
}

// Restart stops then starts the package's container.
func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name); err != nil {
		logging.Warn(managerSubsystem, "Stop of %s before restart failed: %v", name, err)
	}
	return m.Start(ctx, name)
}

// Installed returns a copy of the declared records.
func (m *Manager) Installed() map[string]api.InstallationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]api.InstallationRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// IsInstalled reports whether the package is installed at the given version,
// or at any version when version is empty.
func (m *Manager) IsInstalled(name, version string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return ok && (version == "" || rec.Version == version)
}

// SnapshotState returns the raw declared-state document.
func (m *Manager) SnapshotState() (json.RawMessage, error) {
	return m.state.Snapshot()
}

// RestoreState rewrites the declared-state file bit-for-bit and reloads the
// in-memory records. Runtime ids are re-attached by the next Reconcile.
func (m *Manager) RestoreState(raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.state.Restore(raw); err != nil {
		return err
	}
	records, err := m.state.Load()
	if err != nil {
		return err
	}
	m.records = records
	return nil
}

// RunStates reports the current run state of every installed package's
// container, sorted by container name.
func (m *Manager) RunStates(ctx context.Context) []api.ContainerRunState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]api.ContainerRunState, 0, len(m.records))
	for _, rec := range m.records {
		containerName := m.containerName(rec.Metadata)
		info, err := m.runtime.Inspect(ctx, containerName)
		states = append(states, api.ContainerRunState{
			Name:    containerName,
			Running: err == nil && info.Running,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// ApplyRunState starts or stops one container back to its recorded state.
func (m *Manager) ApplyRunState(ctx context.Context, state api.ContainerRunState) error {
	if state.Running {
		return m.runtime.Start(ctx, state.Name)
	}
	return m.runtime.Stop(ctx, state.Name)
}

// ensureImage resolves the image for a package: built packages get a local
// {type}-{name}:{version} tag built on demand, image packages are pulled.
func (m *Manager) ensureImage(ctx context.Context, pkg api.PackageMetadata) (string, error) {
	if build := pkg.Deployment.Build; build != nil {
		tag := fmt.Sprintf("%s-%s:%s", pkg.Type, nameSlug(pkg.Name), pkg.Version)
		if m.runtime.ImageExists(ctx, tag) {
			logging.Debug(managerSubsystem, "Image %s already built", tag)
			return tag, nil
		}
		if err := m.runtime.BuildImage(ctx, tag, build.Context, build.Dockerfile); err != nil {
			return "", err
		}
		return tag, nil
	}

	image := pkg.Deployment.Image
	if image == "" {
		return "", fmt.Errorf("package %s declares neither image nor build", pkg.Key())
	}
	if err := m.runtime.PullImage(ctx, image); err != nil {
		return "", err
	}
	return image, nil
}

// containerSpec resolves a deployment into a concrete container spec: port
// placeholders expanded, volumes host-rooted, trigger env injected.
func (m *Manager) containerSpec(pkg api.PackageMetadata, image, name string, userConfig map[string]string) ContainerSpec {
	deploy := pkg.Deployment

	ports := make([]string, 0, len(deploy.Ports))
	for _, port := range deploy.Ports {
		ports = append(ports, resolvePlaceholders(port))
	}
	volumes := make([]string, 0, len(deploy.Volumes))
	for _, vol := range deploy.Volumes {
		volumes = append(volumes, m.translateVolume(vol))
	}

	env := make(map[string]string, len(deploy.Environment)+4)
	for k, v := range deploy.Environment {
		env[k] = resolvePlaceholders(v)
	}
	if pkg.Type == api.PackageTypeTrigger {
		if id, ok := userConfig["workflow_id"]; ok {
			env["WORKFLOW_ID"] = id
		}
		if id, ok := userConfig["team_id"]; ok {
			env["TEAM_ID"] = id
		}
		if url := os.Getenv(envOrchestratorURL); url != "" {
			env[envOrchestratorURL] = url
		}
		if ws := os.Getenv(envOrchestratorWS); ws != "" {
			env[envOrchestratorWS] = ws
		}
	}

	return ContainerSpec{
		Name:        name,
		Image:       image,
		Network:     m.network,
		NetworkMode: deploy.NetworkMode,
		Ports:       ports,
		Volumes:     volumes,
		Env:         env,
		CapAdd:      deploy.CapAdd,
		Restart:     deploy.Restart,
	}
}

// registerEndpoint publishes an MCP package's endpoint to the tool registry.
// Stopped containers stay registered; their calls fail at the HTTP layer.
func (m *Manager) registerEndpoint(pkg api.PackageMetadata) {
	if m.tools == nil || pkg.Type != api.PackageTypeMCP {
		return
	}
	endpoint := m.endpoint(pkg)
	if endpoint == "" {
		logging.Debug(managerSubsystem, "Package %s declares no ports, not registering", pkg.Name)
		return
	}
	m.tools.Register(api.ToolServerInfo{
		Name:        pkg.Name,
		Endpoint:    endpoint,
		Description: pkg.Description,
		Version:     pkg.Version,
	})
	logging.Info(managerSubsystem, "Registered tool server %s at %s", pkg.Name, endpoint)
}

// endpoint derives the tool-server URL: host networking goes through
// host.docker.internal on the host port, everything else through
// container-name DNS on the container port.
func (m *Manager) endpoint(pkg api.PackageMetadata) string {
	if len(pkg.Deployment.Ports) == 0 {
		return ""
	}
	hostPort, containerPort := splitPort(resolvePlaceholders(pkg.Deployment.Ports[0]))
	if pkg.Deployment.NetworkMode == "host" {
		return fmt.Sprintf("http://host.docker.internal:%s", hostPort)
	}
	return fmt.Sprintf("http://%s:%s", m.containerName(pkg), containerPort)
}

// containerName applies the {type}-{name} convention unless the deployment
// names the container explicitly.
func (m *Manager) containerName(pkg api.PackageMetadata) string {
	if pkg.Deployment.ContainerName != "" {
		return pkg.Deployment.ContainerName
	}
	return fmt.Sprintf("%s-%s", pkg.Type, nameSlug(pkg.Name))
}

// translateVolume rewrites the host side of a volume spec through the
// detected mount mapping. When the orchestrator itself runs in a container,
// paths it sees are container-internal, but the daemon needs host paths.
func (m *Manager) translateVolume(vol string) string {
	parts := strings.SplitN(vol, ":", 2)
	if len(parts) != 2 {
		return vol
	}
	src := parts[0]
	best := ""
	for dest := range m.hostMounts {
		if strings.HasPrefix(src, dest) && len(dest) > len(best) {
			best = dest
		}
	}
	if best == "" {
		return vol
	}
	return m.hostMounts[best] + strings.TrimPrefix(src, best) + ":" + parts[1]
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// resolvePlaceholders expands ${VAR} and ${VAR:-default} references against
// the process environment.
func resolvePlaceholders(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		return groups[2]
	})
}

// splitPort splits "host:container" port specs; a bare port serves as both.
func splitPort(port string) (host, container string) {
	parts := strings.Split(port, ":")
	if len(parts) == 1 {
		return parts[0], parts[0]
	}
	return parts[0], parts[len(parts)-1]
}

func nameSlug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}
