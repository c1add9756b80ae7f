package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"flotilla/internal/api"
	"flotilla/pkg/logging"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"
)

const indexSubsystem = "PackageIndex"

// registryIndex is the cached package list of one registry.
type registryIndex struct {
	URL         string                `json:"url"`
	Packages    []api.PackageMetadata `json:"packages"`
	LastUpdated time.Time             `json:"last_updated"`
}

// indexData is the on-disk index snapshot.
type indexData struct {
	LastUpdated time.Time                 `json:"last_updated"`
	Registries  map[string]*registryIndex `json:"registries"`
}

// Index is the multi-registry package index. The snapshot lives at a JSON
// file on disk and is loaded lazily; Refresh replaces the entries of the
// registries that answered and keeps the rest.
type Index struct {
	path     string
	client   *http.Client
	failover *FailoverManager

	mu   sync.RWMutex
	data *indexData
}

// NewIndex creates an index persisted at path.
func NewIndex(path string, client *http.Client, failover *FailoverManager) *Index {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Index{path: path, client: client, failover: failover}
}

func (idx *Index) ensureLoaded() *indexData {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.data != nil {
		return idx.data
	}

	idx.data = &indexData{Registries: make(map[string]*registryIndex)}
	raw, err := os.ReadFile(idx.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn(indexSubsystem, "Failed to read index snapshot: %v", err)
		}
		return idx.data
	}
	if err := json.Unmarshal(raw, idx.data); err != nil {
		logging.Warn(indexSubsystem, "Discarding malformed index snapshot: %v", err)
		idx.data = &indexData{Registries: make(map[string]*registryIndex)}
	}
	if idx.data.Registries == nil {
		idx.data.Registries = make(map[string]*registryIndex)
	}
	return idx.data
}

// Refresh fetches the package lists of every enabled registry (or just the
// named one) in parallel. Registries that fail are kept at their previous
// contents; the refresh succeeds when at least one registry answered. If all
// fail the previous index is retained and an error is raised.
func (idx *Index) Refresh(ctx context.Context, registries []api.RegistryConfig, only string) error {
	idx.ensureLoaded()

	var targets []api.RegistryConfig
	for _, reg := range registries {
		if !reg.Enabled {
			continue
		}
		if only != "" && reg.Name != only {
			continue
		}
		targets = append(targets, reg)
	}
	if len(targets) == 0 {
		return fmt.Errorf("no enabled registries to refresh")
	}

	var (
		mu        sync.Mutex
		fetched   = make(map[string]*registryIndex)
		attempted []string
		lastErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, reg := range targets {
		reg := reg
		g.Go(func() error {
			err := idx.failover.Execute(gctx, reg, "refresh", func(ctx context.Context, reg api.RegistryConfig) error {
				packages, err := idx.fetch(ctx, reg)
				if err != nil {
					return err
				}
				mu.Lock()
				fetched[reg.Name] = &registryIndex{
					URL:         reg.URL,
					Packages:    packages,
					LastUpdated: time.Now().UTC(),
				}
				mu.Unlock()
				return nil
			})
			if err != nil {
				mu.Lock()
				attempted = append(attempted, reg.Name)
				lastErr = err
				mu.Unlock()
				logging.Warn(indexSubsystem, "Refresh of registry %s failed: %v", reg.Name, err)
			}
			// Per-registry failure must not abort the other fetches.
			return nil
		})
	}
	g.Wait()

	if len(fetched) == 0 {
		return &api.RegistryUnavailableError{Operation: "refresh", Attempted: attempted, LastError: lastErr}
	}

	idx.mu.Lock()
	for name, entry := range fetched {
		idx.data.Registries[name] = entry
	}
	idx.data.LastUpdated = time.Now().UTC()
	idx.mu.Unlock()

	if err := idx.persist(); err != nil {
		logging.Warn(indexSubsystem, "Failed to persist index snapshot: %v", err)
	}
	logging.Info(indexSubsystem, "Index refreshed: %d/%d registries answered", len(fetched), len(targets))
	return nil
}

func (idx *Index) fetch(ctx context.Context, reg api.RegistryConfig) ([]api.PackageMetadata, error) {
	if reg.IsLocal() {
		return scanLocalRegistry(reg.LocalPath())
	}
	return idx.fetchHTTP(ctx, reg)
}

func (idx *Index) fetchHTTP(ctx context.Context, reg api.RegistryConfig) ([]api.PackageMetadata, error) {
	url := strings.TrimSuffix(reg.URL, "/") + "/api/v2/packages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := idx.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("registry %s returned %d: %s", reg.Name, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var packages []api.PackageMetadata
	if err := json.NewDecoder(resp.Body).Decode(&packages); err != nil {
		return nil, fmt.Errorf("malformed package list from %s: %w", reg.Name, err)
	}
	return validPackages(reg.Name, packages), nil
}

// scanLocalRegistry enumerates the immediate subdirectories of a file://
// registry and parses each mcp.json found.
func scanLocalRegistry(dir string) ([]api.PackageMetadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var packages []api.PackageMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(dir, entry.Name(), "mcp.json")
		raw, err := os.ReadFile(manifest)
		if err != nil {
			continue
		}
		var pkg api.PackageMetadata
		if err := json.Unmarshal(raw, &pkg); err != nil {
			logging.Warn(indexSubsystem, "Skipping malformed manifest %s: %v", manifest, err)
			continue
		}
		if pkg.Type == "" {
			pkg.Type = api.PackageTypeMCP
		}
		packages = append(packages, pkg)
	}
	return validPackages(dir, packages), nil
}

// validPackages drops entries whose version is not an exact semver string.
func validPackages(source string, packages []api.PackageMetadata) []api.PackageMetadata {
	valid := packages[:0]
	for _, pkg := range packages {
		if pkg.Name == "" {
			continue
		}
		if _, err := semver.StrictNewVersion(pkg.Version); err != nil {
			logging.Warn(indexSubsystem, "Skipping %s from %s: invalid version %q", pkg.Name, source, pkg.Version)
			continue
		}
		valid = append(valid, pkg)
	}
	return valid
}

func (idx *Index) persist() error {
	idx.mu.RLock()
	raw, err := json.MarshalIndent(idx.data, "", "  ")
	idx.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(idx.path, raw, 0o644)
}

// GetPackage returns the first index entry matching name (and version, when
// given) along with the registry it came from.
func (idx *Index) GetPackage(name, version string) (*api.PackageMetadata, string, error) {
	data := idx.ensureLoaded()

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for regName, entry := range data.Registries {
		for i := range entry.Packages {
			pkg := entry.Packages[i]
			if pkg.Name != name {
				continue
			}
			if version != "" && pkg.Version != version {
				continue
			}
			return &pkg, regName, nil
		}
	}
	return nil, "", api.NewNotFoundError("package", name)
}

// GetPackageWithFailover tries the local index first and falls back to a live
// lookup across the registries.
func (idx *Index) GetPackageWithFailover(ctx context.Context, registries []api.RegistryConfig, name, version string) (*api.PackageMetadata, string, error) {
	if pkg, reg, err := idx.GetPackage(name, version); err == nil {
		return pkg, reg, nil
	}

	var (
		found   *api.PackageMetadata
		foundIn string
	)
	err := idx.failover.ExecuteWithFailover(ctx, registries, "lookup", func(ctx context.Context, reg api.RegistryConfig) error {
		packages, err := idx.fetch(ctx, reg)
		if err != nil {
			return err
		}
		for i := range packages {
			if packages[i].Name != name {
				continue
			}
			if version != "" && packages[i].Version != version {
				continue
			}
			found = &packages[i]
			foundIn = reg.Name
			return nil
		}
		return api.NewNotFoundError("package", name)
	})
	if err != nil {
		return nil, "", err
	}
	return found, foundIn, nil
}

// SearchFilter narrows a Search.
type SearchFilter struct {
	Query string
	Type  api.PackageType
	Tags  []string
}

// Search filters the index by substring, type and tag intersection, and
// annotates each hit with the local installation state.
func (idx *Index) Search(filter SearchFilter, installed map[string]api.InstallationRecord) []api.SearchResult {
	data := idx.ensureLoaded()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	query := strings.ToLower(filter.Query)
	var results []api.SearchResult
	for regName, entry := range data.Registries {
		for _, pkg := range entry.Packages {
			if query != "" &&
				!strings.Contains(strings.ToLower(pkg.Name), query) &&
				!strings.Contains(strings.ToLower(pkg.Description), query) {
				continue
			}
			if filter.Type != "" && pkg.Type != filter.Type {
				continue
			}
			if !hasAllTags(pkg.Tags, filter.Tags) {
				continue
			}

			result := api.SearchResult{PackageMetadata: pkg, Registry: regName}
			if rec, ok := installed[pkg.Name]; ok {
				result.Installed = true
				result.InstalledVersion = rec.Version
			}
			results = append(results, result)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Name != results[j].Name {
			return results[i].Name < results[j].Name
		}
		return results[i].Registry < results[j].Registry
	})
	return results
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// LastUpdated returns the timestamp of the newest successful refresh.
func (idx *Index) LastUpdated() time.Time {
	data := idx.ensureLoaded()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return data.LastUpdated
}
