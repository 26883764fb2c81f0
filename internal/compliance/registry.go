package compliance

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"acme/pkg/logging"
)

// PluginFactory produces a fresh plugin instance. Built-in modules
// register their factories at init time; there is no dynamic code
// loading. Hot reload swaps registry entries under the registry lock
// and merges runtime state.
type PluginFactory func() Plugin

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]PluginFactory)
)

// RegisterPlugin adds a plugin factory to the compile-time registration
// table. It panics on duplicate identifiers, which is a programming
// error.
func RegisterPlugin(identifier string, factory PluginFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[identifier]; dup {
		panic(fmt.Sprintf("compliance: plugin %q registered twice", identifier))
	}
	factories[identifier] = factory
}

// RegisteredPlugins lists the identifiers in the registration table.
func RegisteredPlugins() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	ids := make([]string, 0, len(factories))
	for id := range factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EventFunc lets the registry report load/unload events without
// depending on the sink implementation.
type EventFunc func(kind string, payload map[string]interface{})

// LoadReport summarizes a registry load batch. A single failing module
// never fails the batch.
type LoadReport struct {
	Loaded   []string
	Replaced []string
	Failed   map[string]error
}

// Registry maps module identifiers to live modules and owns their
// persisted state paths. All mutation happens under the registry lock.
type Registry struct {
	mu          sync.Mutex
	modules     map[string]*Module
	manifestDir string
	stateDir    string
	emit        EventFunc
}

// NewRegistry creates a registry rooted at the given manifest and state
// directories. Either may be empty for degraded mode without
// persistence.
func NewRegistry(manifestDir, stateDir string, emit EventFunc) *Registry {
	return &Registry{
		modules:     make(map[string]*Module),
		manifestDir: manifestDir,
		stateDir:    stateDir,
		emit:        emit,
	}
}

// Load instantiates every registered plugin, allocates its state and
// manifest paths, restores settings and state from disk, and installs
// it in the registry. Replacing an existing entry preserves its runtime
// state keys (hot replace). Individual failures are reported and
// counted but never abort the batch.
func (r *Registry) Load(sendEvents bool) LoadReport {
	factoriesMu.RLock()
	table := make(map[string]PluginFactory, len(factories))
	for id, f := range factories {
		table[id] = f
	}
	factoriesMu.RUnlock()

	report := LoadReport{Failed: make(map[string]error)}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		plugin := table[id]()
		if plugin.Identifier() != id {
			report.Failed[id] = fmt.Errorf("plugin reports identifier %q, registered as %q", plugin.Identifier(), id)
			continue
		}

		manifestPath, statePath, err := r.allocatePaths(plugin)
		if err != nil {
			report.Failed[id] = err
			logging.Error("Registry", err, "Failed to allocate paths for module %s", id)
			continue
		}

		mod := NewModule(plugin, manifestPath, statePath)
		if err := mod.Load(); err != nil {
			report.Failed[id] = err
			logging.Error("Registry", err, "Failed to load module %s", id)
			continue
		}

		if existing, ok := r.modules[id]; ok {
			mod.MergeRuntimeState(existing)
			report.Replaced = append(report.Replaced, id)
		} else {
			report.Loaded = append(report.Loaded, id)
		}
		r.modules[id] = mod

		if sendEvents && r.emit != nil {
			r.emit("ComplianceModuleLoaded", map[string]interface{}{
				"identifier": id,
				"version":    mod.Version(),
			})
		}
	}

	logging.Info("Registry", "Module load complete: %d loaded, %d replaced, %d failed",
		len(report.Loaded), len(report.Replaced), len(report.Failed))
	return report
}

// allocatePaths decides between a single file and a dedicated directory
// for a module's manifest and state, creating directories as needed.
func (r *Registry) allocatePaths(plugin Plugin) (manifestPath, statePath string, err error) {
	needsStateDir, needsManifestDir := false, false
	if dl, ok := plugin.(DirLayout); ok {
		needsStateDir = dl.NeedsStateDir()
		needsManifestDir = dl.NeedsManifestDir()
	}

	id := plugin.Identifier()
	if r.manifestDir != "" {
		if needsManifestDir {
			manifestPath = filepath.Join(r.manifestDir, id)
			if err := os.MkdirAll(manifestPath, 0o755); err != nil {
				return "", "", fmt.Errorf("failed to create manifest dir for %s: %w", id, err)
			}
			manifestPath = filepath.Join(manifestPath, "manifest.json")
		} else {
			manifestPath = filepath.Join(r.manifestDir, id+".json")
		}
	}
	if r.stateDir != "" {
		if needsStateDir {
			statePath = filepath.Join(r.stateDir, id)
			if err := os.MkdirAll(statePath, 0o755); err != nil {
				return "", "", fmt.Errorf("failed to create state dir for %s: %w", id, err)
			}
			statePath = filepath.Join(statePath, "state.json")
		} else {
			statePath = filepath.Join(r.stateDir, id+".json")
		}
	}
	return manifestPath, statePath, nil
}

// ManifestPath returns where a module's settings manifest belongs,
// whether or not the module is currently loaded. The configuration pull
// writes fetched manifests here before reloading the registry.
func (r *Registry) ManifestPath(identifier string) string {
	r.mu.Lock()
	if mod, ok := r.modules[identifier]; ok && mod.manifestPath != "" {
		r.mu.Unlock()
		return mod.manifestPath
	}
	r.mu.Unlock()

	if r.manifestDir == "" {
		return ""
	}
	factoriesMu.RLock()
	factory, known := factories[identifier]
	factoriesMu.RUnlock()
	if known {
		if dl, ok := factory().(DirLayout); ok && dl.NeedsManifestDir() {
			return filepath.Join(r.manifestDir, identifier, "manifest.json")
		}
	}
	return filepath.Join(r.manifestDir, identifier+".json")
}

// Unload removes a module from the registry.
func (r *Registry) Unload(identifier string, sendEvents bool) error {
	r.mu.Lock()
	_, ok := r.modules[identifier]
	if ok {
		delete(r.modules, identifier)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("module %s not loaded", identifier)
	}
	if sendEvents && r.emit != nil {
		r.emit("ComplianceModuleUnloaded", map[string]interface{}{"identifier": identifier})
	}
	return nil
}

// Get returns a module by identifier.
func (r *Registry) Get(identifier string) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[identifier]
	return mod, ok
}

// IsLoaded reports whether a module is present.
func (r *Registry) IsLoaded(identifier string) bool {
	_, ok := r.Get(identifier)
	return ok
}

// List returns all modules ordered by priority, then identifier.
// Lower priority runs first.
func (r *Registry) List() []*Module {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Module, 0, len(r.modules))
	for _, mod := range r.modules {
		out = append(out, mod)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Settings().Priority, out[j].Settings().Priority
		if pi != pj {
			return pi < pj
		}
		return out[i].Identifier() < out[j].Identifier()
	})
	return out
}
