// Package toolregistry maps tool-server names to their endpoints.
//
// The container manager populates the registry at startup from running
// containers and on every successful install or start. Unregistration is
// deliberately not exposed: a stopped container stays registered and its tool
// calls fail at the HTTP layer, which keeps the registry a monotonic record of
// what has been provisioned.
package toolregistry

import (
	"sort"
	"sync"

	"flotilla/internal/api"
	"flotilla/pkg/logging"
)

// Registry is the process-wide tool-server name to endpoint mapping.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]api.ToolServerInfo
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{servers: make(map[string]api.ToolServerInfo)}
}

// Register adds or replaces a tool server entry.
func (r *Registry) Register(info api.ToolServerInfo) {
	r.mu.Lock()
	r.servers[info.Name] = info
	r.mu.Unlock()
	logging.Debug("ToolRegistry", "Registered tool server %s at %s", info.Name, info.Endpoint)
}

// Get returns the entry for a tool server name.
func (r *Registry) Get(name string) (api.ToolServerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.servers[name]
	if !ok {
		return api.ToolServerInfo{}, api.NewNotFoundError("tool server", name)
	}
	return info, nil
}

// ListAll returns every registered tool server, sorted by name for stable
// output.
func (r *Registry) ListAll() []api.ToolServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]api.ToolServerInfo, 0, len(r.servers))
	for _, info := range r.servers {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
