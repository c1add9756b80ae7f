package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"flotilla/internal/api"
	"flotilla/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

const loaderSubsystem = "WorkflowLoader"

// Loader reads workflow definitions from the templates and custom
// directories. Custom definitions shadow templates of the same name. The
// cache is invalidated whenever a watched directory changes, so edits are
// picked up on the next Get without a restart.
type Loader struct {
	templatesDir string
	customDir    string

	mu     sync.RWMutex
	cache  map[string]*api.WorkflowDefinition
	loaded bool

	watcher *fsnotify.Watcher
}

// NewLoader creates a loader over the two workflow directories.
func NewLoader(templatesDir, customDir string) *Loader {
	return &Loader{
		templatesDir: templatesDir,
		customDir:    customDir,
		cache:        make(map[string]*api.WorkflowDefinition),
	}
}

// Get returns the definition with the given name. The returned definition is
// shared and must be treated as immutable.
func (l *Loader) Get(name string) (*api.WorkflowDefinition, error) {
	if err := l.ensureLoaded(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.cache[name]
	if !ok {
		return nil, api.NewNotFoundError("workflow", name)
	}
	return def, nil
}

// List returns the names of all loaded workflows, sorted.
func (l *Loader) List() ([]string, error) {
	if err := l.ensureLoaded(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.cache))
	for name := range l.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Save writes a custom workflow definition to disk under its slug-normalised
// filename and invalidates the cache.
func (l *Loader) Save(def *api.WorkflowDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	if err := os.MkdirAll(l.customDir, 0o755); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(l.customDir, Slugify(def.Name)+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return err
	}

	l.invalidate()
	logging.Info(loaderSubsystem, "Saved workflow %s to %s", def.Name, filepath.Base(path))
	return nil
}

// Watch starts a filesystem watcher over both workflow directories. Any
// change invalidates the cache. Close stops the watcher.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create workflow watcher: %w", err)
	}
	l.watcher = watcher

	for _, dir := range []string{l.templatesDir, l.customDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return err
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					logging.Debug(loaderSubsystem, "Workflow directory changed (%s), invalidating cache", ev.Name)
					l.invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn(loaderSubsystem, "Workflow watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the filesystem watcher if one was started.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Loader) invalidate() {
	l.mu.Lock()
	l.loaded = false
	l.mu.Unlock()
}

func (l *Loader) ensureLoaded() error {
	l.mu.RLock()
	loaded := l.loaded
	l.mu.RUnlock()
	if loaded {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}

	cache := make(map[string]*api.WorkflowDefinition)
	// Templates first so custom definitions shadow them.
	for _, dir := range []string{l.templatesDir, l.customDir} {
		if dir == "" {
			continue
		}
		if err := loadDir(dir, cache); err != nil {
			return err
		}
	}

	l.cache = cache
	l.loaded = true
	logging.Debug(loaderSubsystem, "Loaded %d workflow definitions", len(cache))
	return nil
}

func loadDir(dir string, cache map[string]*api.WorkflowDefinition) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var def api.WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			logging.Warn(loaderSubsystem, "Skipping malformed workflow file %s: %v", entry.Name(), err)
			continue
		}
		if err := Validate(&def); err != nil {
			logging.Warn(loaderSubsystem, "Skipping invalid workflow %s: %v", entry.Name(), err)
			continue
		}
		cache[def.Name] = &def
	}
	return nil
}

// Validate performs structural validation: a non-empty name, unique node ids,
// edges referencing existing nodes, branch and try_catch references resolving,
// and an acyclic graph.
func Validate(def *api.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(def.Nodes) == 0 {
		return fmt.Errorf("workflow %q has no nodes", def.Name)
	}

	ids := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow %q contains a node without an id", def.Name)
		}
		if ids[n.ID] {
			return fmt.Errorf("workflow %q has duplicate node id %q", def.Name, n.ID)
		}
		ids[n.ID] = true
	}

	for _, e := range def.Edges {
		if !ids[e.Source] {
			return fmt.Errorf("workflow %q edge references unknown source %q", def.Name, e.Source)
		}
		if !ids[e.Target] {
			return fmt.Errorf("workflow %q edge references unknown target %q", def.Name, e.Target)
		}
	}

	for _, n := range def.Nodes {
		switch n.Type {
		case api.NodeTypeIf:
			for _, ref := range []string{n.If.TrueBranch, n.If.FalseBranch} {
				if ref != "" && !ids[ref] {
					return fmt.Errorf("workflow %q node %q references unknown branch %q", def.Name, n.ID, ref)
				}
			}
		case api.NodeTypeTryCatch:
			if n.TryCatch.TryNode == "" {
				return fmt.Errorf("workflow %q node %q has no try_node", def.Name, n.ID)
			}
			for _, ref := range []string{n.TryCatch.TryNode, n.TryCatch.CatchNode, n.TryCatch.FinallyNode} {
				if ref != "" && !ids[ref] {
					return fmt.Errorf("workflow %q node %q references unknown node %q", def.Name, n.ID, ref)
				}
			}
		}
	}

	if _, err := topoSort(def); err != nil {
		return err
	}
	return nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify normalises a workflow name into a filesystem-safe filename stem.
func Slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}
