package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"flotilla/internal/api"
	"flotilla/pkg/logging"
)

const dockerSubsystem = "Docker"

// execCommandContext is swapped in tests to fake the docker binary.
var execCommandContext = exec.CommandContext

// ContainerSpec is the fully resolved shape of one container to create:
// placeholders expanded, volume paths already host-rooted.
type ContainerSpec struct {
	Name        string
	Image       string
	Network     string
	NetworkMode string
	Ports       []string
	Volumes     []string
	Env         map[string]string
	CapAdd      []string
	Restart     string
}

// MountInfo is one bind mount of a running container.
type MountInfo struct {
	Source      string `json:"Source"`
	Destination string `json:"Destination"`
}

// ContainerInfo is the subset of docker inspect the manager needs.
type ContainerInfo struct {
	ID      string
	Name    string
	Running bool
	Network string
	Mounts  []MountInfo
}

// Runtime drives containers through the Docker CLI.
type Runtime struct{}

// NewRuntime verifies the docker binary and daemon are reachable.
func NewRuntime() (*Runtime, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker command not found in PATH: %w", err)
	}
	if err := execCommandContext(context.Background(), "docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return &Runtime{}, nil
}

// ImageExists reports whether the image tag is present locally.
func (r *Runtime) ImageExists(ctx context.Context, image string) bool {
	return execCommandContext(ctx, "docker", "image", "inspect", image).Run() == nil
}

// PullImage pulls an image unless it is already present.
func (r *Runtime) PullImage(ctx context.Context, image string) error {
	if r.ImageExists(ctx, image) {
		logging.Debug(dockerSubsystem, "Image %s already exists", image)
		return nil
	}
	logging.Info(dockerSubsystem, "Pulling image %s", image)
	if out, err := r.docker(ctx, "pull", image); err != nil {
		return &api.ContainerRuntimeError{Operation: "pull", Container: image, Output: out, Cause: err}
	}
	return nil
}

// BuildImage builds a local image tag from a build context.
func (r *Runtime) BuildImage(ctx context.Context, tag, contextDir, dockerfile string) error {
	args := []string{"build", "-t", tag}
	if dockerfile != "" {
		args = append(args, "-f", dockerfile)
	}
	args = append(args, contextDir)

	logging.Info(dockerSubsystem, "Building image %s from %s", tag, contextDir)
	if out, err := r.docker(ctx, args...); err != nil {
		return &api.ContainerRuntimeError{Operation: "build", Container: tag, Output: out, Cause: err}
	}
	return nil
}

// Run creates and starts a detached container, returning its id.
func (r *Runtime) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}

	switch {
	case spec.NetworkMode != "":
		args = append(args, "--network", spec.NetworkMode)
	case spec.Network != "":
		args = append(args, "--network", spec.Network)
	}
	for _, port := range spec.Ports {
		args = append(args, "-p", port)
	}
	for _, vol := range spec.Volumes {
		args = append(args, "-v", vol)
	}
	// Sorted so the issued command is deterministic.
	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	for _, capability := range spec.CapAdd {
		args = append(args, "--cap-add", capability)
	}
	if spec.Restart != "" {
		args = append(args, "--restart", spec.Restart)
	}
	args = append(args, spec.Image)

	logging.Debug(dockerSubsystem, "Creating container: docker %s", strings.Join(args, " "))
	out, err := r.docker(ctx, args...)
	if err != nil {
		return "", &api.ContainerRuntimeError{Operation: "create", Container: spec.Name, Output: out, Cause: err}
	}

	id := strings.TrimSpace(out)
	logging.Info(dockerSubsystem, "Started container %s with ID %s", spec.Name, shortID(id))
	return id, nil
}

// Start starts an existing container by name.
func (r *Runtime) Start(ctx context.Context, name string) error {
	if out, err := r.docker(ctx, "start", name); err != nil {
		return &api.ContainerRuntimeError{Operation: "start", Container: name, Output: out, Cause: err}
	}
	return nil
}

// Stop stops a running container by name.
func (r *Runtime) Stop(ctx context.Context, name string) error {
	logging.Info(dockerSubsystem, "Stopping container %s", name)
	if out, err := r.docker(ctx, "stop", name); err != nil {
		return &api.ContainerRuntimeError{Operation: "stop", Container: name, Output: out, Cause: err}
	}
	return nil
}

// Remove force-removes a container by name.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	logging.Debug(dockerSubsystem, "Removing container %s", name)
	if out, err := r.docker(ctx, "rm", "-f", name); err != nil {
		return &api.ContainerRuntimeError{Operation: "remove", Container: name, Output: out, Cause: err}
	}
	return nil
}

// inspectRecord mirrors the docker inspect JSON we consume.
type inspectRecord struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
	Mounts          []MountInfo `json:"Mounts"`
	NetworkSettings struct {
		Networks map[string]struct{} `json:"Networks"`
	} `json:"NetworkSettings"`
}

// Inspect returns the run state, network and mounts of a container.
func (r *Runtime) Inspect(ctx context.Context, name string) (ContainerInfo, error) {
	out, err := r.docker(ctx, "inspect", name)
	if err != nil {
		return ContainerInfo{}, &api.ContainerRuntimeError{Operation: "inspect", Container: name, Output: out, Cause: err}
	}

	var records []inspectRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil || len(records) == 0 {
		return ContainerInfo{}, &api.ContainerRuntimeError{
			Operation: "inspect", Container: name,
			Cause: fmt.Errorf("unexpected inspect output: %v", err),
		}
	}

	rec := records[0]
	info := ContainerInfo{
		ID:      rec.ID,
		Name:    strings.TrimPrefix(rec.Name, "/"),
		Running: rec.State.Running,
		Mounts:  rec.Mounts,
	}
	for network := range rec.NetworkSettings.Networks {
		info.Network = network
		break
	}
	return info, nil
}

// ListByName returns the names of all containers (running or not) whose name
// matches the filter.
func (r *Runtime) ListByName(ctx context.Context, filter string) ([]string, error) {
	out, err := r.docker(ctx, "ps", "-a", "--filter", "name="+filter, "--format", "{{.Names}}")
	if err != nil {
		return nil, &api.ContainerRuntimeError{Operation: "list", Output: out, Cause: err}
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (r *Runtime) docker(ctx context.Context, args ...string) (string, error) {
	cmd := execCommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
