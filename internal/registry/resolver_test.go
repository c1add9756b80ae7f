package registry

import (
	"testing"

	"flotilla/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapLookup is an in-memory PackageLookup keyed by name@version.
type mapLookup map[string]api.PackageMetadata

func (m mapLookup) GetPackage(name, version string) (*api.PackageMetadata, string, error) {
	if version != "" {
		if pkg, ok := m[name+"@"+version]; ok {
			return &pkg, "test", nil
		}
		return nil, "", api.NewNotFoundError("package", name)
	}
	for _, pkg := range m {
		if pkg.Name == name {
			p := pkg
			return &p, "test", nil
		}
	}
	return nil, "", api.NewNotFoundError("package", name)
}

func withDeps(name, version string, deps ...api.DependencyRef) api.PackageMetadata {
	return api.PackageMetadata{
		Name:         name,
		Version:      version,
		Type:         api.PackageTypeMCP,
		Dependencies: api.PackageDependencies{MCPs: deps},
	}
}

func keys(plan []api.PackageMetadata) []string {
	out := make([]string, len(plan))
	for i, p := range plan {
		out[i] = p.Key()
	}
	return out
}

func TestResolveDependencyFirstOrder(t *testing.T) {
	index := mapLookup{
		"a@1.0.0": withDeps("a", "1.0.0", api.DependencyRef{Name: "b", Version: "1.0.0"}),
		"b@1.0.0": withDeps("b", "1.0.0", api.DependencyRef{Name: "c", Version: "1.0.0"}),
		"c@1.0.0": withDeps("c", "1.0.0"),
	}

	plan, err := Resolve(index["a@1.0.0"], nil, index)
	require.NoError(t, err)
	assert.Equal(t, []string{"c@1.0.0", "b@1.0.0", "a@1.0.0"}, keys(plan))
}

func TestResolveDeduplicatesSharedDependency(t *testing.T) {
	shared := api.DependencyRef{Name: "base", Version: "1.0.0"}
	index := mapLookup{
		"root@1.0.0": withDeps("root", "1.0.0",
			api.DependencyRef{Name: "left", Version: "1.0.0"},
			api.DependencyRef{Name: "right", Version: "1.0.0"}),
		"left@1.0.0":  withDeps("left", "1.0.0", shared),
		"right@1.0.0": withDeps("right", "1.0.0", shared),
		"base@1.0.0":  withDeps("base", "1.0.0"),
	}

	plan, err := Resolve(index["root@1.0.0"], nil, index)
	require.NoError(t, err)
	assert.Equal(t, []string{"base@1.0.0", "left@1.0.0", "right@1.0.0", "root@1.0.0"}, keys(plan))
}

func TestResolveSkipsInstalled(t *testing.T) {
	index := mapLookup{
		"a@1.0.0": withDeps("a", "1.0.0", api.DependencyRef{Name: "b", Version: "1.0.0"}),
		"b@1.0.0": withDeps("b", "1.0.0"),
	}
	installed := map[string]api.InstallationRecord{
		"b": {Name: "b", Version: "1.0.0"},
	}

	plan, err := Resolve(index["a@1.0.0"], installed, index)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@1.0.0"}, keys(plan))
}

func TestResolveInstalledOtherVersionStillResolves(t *testing.T) {
	index := mapLookup{
		"a@1.0.0": withDeps("a", "1.0.0", api.DependencyRef{Name: "b", Version: "2.0.0"}),
		"b@2.0.0": withDeps("b", "2.0.0"),
	}
	installed := map[string]api.InstallationRecord{
		"b": {Name: "b", Version: "1.0.0"},
	}

	plan, err := Resolve(index["a@1.0.0"], installed, index)
	require.NoError(t, err)
	assert.Equal(t, []string{"b@2.0.0", "a@1.0.0"}, keys(plan))
}

func TestResolveSkipsOptional(t *testing.T) {
	index := mapLookup{
		"a@1.0.0": withDeps("a", "1.0.0", api.DependencyRef{Name: "extra", Version: "1.0.0", Optional: true}),
	}

	plan, err := Resolve(index["a@1.0.0"], nil, index)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@1.0.0"}, keys(plan))
}

func TestResolveCycle(t *testing.T) {
	index := mapLookup{
		"a@1.0.0": withDeps("a", "1.0.0", api.DependencyRef{Name: "b", Version: "1.0.0"}),
		"b@1.0.0": withDeps("b", "1.0.0", api.DependencyRef{Name: "a", Version: "1.0.0"}),
	}

	_, err := Resolve(index["a@1.0.0"], nil, index)
	require.Error(t, err)
	assert.True(t, api.IsCircularDependency(err))
	var cycle *api.CircularDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a@1.0.0", "b@1.0.0", "a@1.0.0"}, cycle.Chain)
}

func TestResolveMissingRequiredDependency(t *testing.T) {
	index := mapLookup{
		"a@1.0.0": withDeps("a", "1.0.0", api.DependencyRef{Name: "ghost", Version: "1.0.0"}),
	}

	_, err := Resolve(index["a@1.0.0"], nil, index)
	require.Error(t, err)
	assert.True(t, api.IsDependencyNotFound(err))
	var missing *api.DependencyNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ghost", missing.Name)
	assert.Equal(t, "a", missing.Wanter)
}
