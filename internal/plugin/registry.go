// Package plugin resolves a rule's plugin reference to a runtime
// approval strategy. The stable contract is the Plugin interface;
// loading mechanisms (in-process registration, JavaScript files, Rego
// policies) are factories behind it.
package plugin

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/logger"
)

// BuiltinPrefix marks plugin paths that must be pre-registered rather
// than loaded from disk.
const BuiltinPrefix = "builtin:"

// Plugin is an approval strategy consulted for events matched by a
// plugin rule.
type Plugin interface {
	Evaluate(ctx context.Context, ev *event.ToolCallEvent) (*event.ApprovalResponse, error)
}

// Factory constructs a plugin from a file path.
type Factory func(path string) (Plugin, error)

// Registry is a name-keyed cache of loaded approval strategies.
type Registry struct {
	mu        sync.Mutex
	plugins   map[string]Plugin
	factories map[string]Factory // keyed by file extension
}

// NewRegistry creates a registry with the default file factories
// (.js via the embedded JavaScript runtime, .rego via OPA).
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		factories: map[string]Factory{
			".js":   NewJSPlugin,
			".rego": NewRegoPlugin,
		},
	}
}

// Register pre-seeds the cache under the given name. Built-ins are
// registered this way so that static and dynamic references resolve to
// the same instance.
func (r *Registry) Register(name string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = p
}

// Get returns the cached plugin for name, if any.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Load resolves name to a plugin instance. A cache hit returns
// immediately; otherwise path is resolved against baseDir (unless
// absolute) and loaded through the factory matching its extension.
// Every failure returns (nil, false) rather than an error: a missing
// or broken plugin is a policy configuration problem, not a fault.
func (r *Registry) Load(name, path, baseDir string) (Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.plugins[name]; ok {
		return p, true
	}

	if path == "" {
		logger.Warn().Str("plugin", name).Msg("Plugin has no path and is not registered")
		return nil, false
	}

	if strings.HasPrefix(path, BuiltinPrefix) {
		// Built-ins are only ever pre-registered; reaching here means
		// the referenced built-in does not exist.
		logger.Warn().Str("plugin", name).Str("path", path).Msg("Unknown builtin plugin")
		return nil, false
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	factory, ok := r.factories[strings.ToLower(filepath.Ext(path))]
	if !ok {
		logger.Warn().Str("plugin", name).Str("path", path).Msg("No loader for plugin file type")
		return nil, false
	}

	p, err := factory(path)
	if err != nil {
		logger.Warn().Err(err).Str("plugin", name).Str("path", path).Msg("Failed to load plugin")
		return nil, false
	}

	r.plugins[name] = p
	logger.Debug().Str("plugin", name).Str("path", path).Msg("Loaded plugin")
	return p, true
}
