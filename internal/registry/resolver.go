package registry

import (
	"flotilla/internal/api"
	"flotilla/pkg/logging"
)

// PackageLookup is the index slice the resolver needs.
type PackageLookup interface {
	GetPackage(name, version string) (*api.PackageMetadata, string, error)
}

// Resolve returns the transitive closure of packages that must be installed
// for root, dependency-first and deduplicated by name@version. Dependencies
// already present in the installed records are skipped; versions are matched
// exactly. A cycle on the in-progress path fails with
// CircularDependencyError, a missing required dependency with
// DependencyNotFoundError.
func Resolve(root api.PackageMetadata, installed map[string]api.InstallationRecord, index PackageLookup) ([]api.PackageMetadata, error) {
	r := &resolver{
		installed: installed,
		index:     index,
		visited:   make(map[string]bool),
		onPath:    make(map[string]bool),
	}
	if err := r.visit(root, nil); err != nil {
		return nil, err
	}
	return r.order, nil
}

type resolver struct {
	installed map[string]api.InstallationRecord
	index     PackageLookup

	visited map[string]bool
	onPath  map[string]bool
	order   []api.PackageMetadata
}

func (r *resolver) visit(pkg api.PackageMetadata, chain []string) error {
	key := pkg.Key()
	if r.onPath[key] {
		return &api.CircularDependencyError{Chain: append(chain, key)}
	}
	if r.visited[key] {
		return nil
	}

	r.onPath[key] = true
	chain = append(chain, key)

	for _, dep := range pkg.Dependencies.All() {
		if dep.Optional {
			logging.Debug("DependencyResolver", "Skipping optional dependency %s@%s of %s", dep.Name, dep.Version, pkg.Name)
			continue
		}
		if rec, ok := r.installed[dep.Name]; ok && rec.Version == dep.Version {
			continue
		}

		depPkg, _, err := r.index.GetPackage(dep.Name, dep.Version)
		if err != nil {
			return &api.DependencyNotFoundError{Name: dep.Name, Version: dep.Version, Wanter: pkg.Name}
		}
		if err := r.visit(*depPkg, chain); err != nil {
			return err
		}
	}

	delete(r.onPath, key)
	r.visited[key] = true
	r.order = append(r.order, pkg)
	return nil
}
