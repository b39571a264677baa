package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPluginNotFound is returned for unknown plugin names
var ErrPluginNotFound = errors.New("plugin not found")

// Registry is the registry of all plugins
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string // registration order
	deps    *PluginDependencies

	// bgCtx is the parent of background tasks started after boot
	bgCtx context.Context
}

// NewRegistry creates a new plugin registry
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		order:   make([]string, 0),
		bgCtx:   context.Background(),
	}
}

// SetDependencies sets the dependencies for all plugins
func (r *Registry) SetDependencies(deps *PluginDependencies) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps = deps
}

// Deps returns the plugin dependencies
func (r *Registry) Deps() *PluginDependencies {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deps
}

// Register registers a plugin in the registry
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin cannot be nil")
	}

	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %s is already registered", name)
	}

	r.plugins[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get returns a plugin by name
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[name]
	return p, ok
}

// All returns all registered plugins in registration order
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.plugins[name])
	}
	return result
}

// Enabled returns only enabled plugins
func (r *Registry) Enabled() []Plugin {
	result := make([]Plugin, 0)
	for _, p := range r.All() {
		if p.IsEnabled() {
			result = append(result, p)
		}
	}
	return result
}

// Count returns the total number of registered plugins
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

func (r *Registry) logf(format string, v ...interface{}) {
	if r.deps != nil && r.deps.Logger != nil {
		r.deps.Logger.Printf(format, v...)
	}
}

// InitAll initializes all enabled plugins.
// Already initialized plugins are stopped again on error.
func (r *Registry) InitAll(ctx context.Context, deps *PluginDependencies) error {
	r.SetDependencies(deps)

	enabled := r.Enabled()
	initialized := make([]Plugin, 0, len(enabled))

	for _, p := range enabled {
		if err := p.Init(ctx, deps); err != nil {
			r.rollback(ctx, initialized)
			return fmt.Errorf("failed to init plugin %s: %w", p.Name(), err)
		}
		initialized = append(initialized, p)
	}
	return nil
}

// StartAll starts all enabled plugins.
// Already started plugins are stopped again on error.
func (r *Registry) StartAll(ctx context.Context) error {
	enabled := r.Enabled()
	started := make([]Plugin, 0, len(enabled))

	for _, p := range enabled {
		if err := p.Start(ctx); err != nil {
			r.rollback(ctx, started)
			return fmt.Errorf("failed to start plugin %s: %w", p.Name(), err)
		}
		started = append(started, p)
	}
	return nil
}

func (r *Registry) rollback(ctx context.Context, done []Plugin) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := done[i].Stop(ctx); err != nil {
			r.logf("Error stopping plugin %s during rollback: %v", done[i].Name(), err)
		}
	}
}

// StartBackgroundTasksAll starts background tasks of enabled plugins.
// ctx also becomes the parent for plugins enabled later at runtime.
func (r *Registry) StartBackgroundTasksAll(ctx context.Context) error {
	r.mu.Lock()
	r.bgCtx = ctx
	r.mu.Unlock()

	for _, p := range r.Enabled() {
		if runner, ok := p.(BackgroundTaskRunner); ok {
			if err := runner.StartBackgroundTasks(ctx); err != nil {
				return fmt.Errorf("failed to start background tasks for plugin %s: %w", p.Name(), err)
			}
		}
	}
	return nil
}

// StopAll stops all enabled plugins in reverse order
func (r *Registry) StopAll(ctx context.Context) error {
	enabled := r.Enabled()

	var errs []error
	for i := len(enabled) - 1; i >= 0; i-- {
		if err := enabled[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", enabled[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// GetInfo returns information about a plugin
func (r *Registry) GetInfo(name string) (*PluginInfo, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return info(p), nil
}

// ListInfo returns information about all plugins
func (r *Registry) ListInfo() []*PluginInfo {
	all := r.All()
	result := make([]*PluginInfo, 0, len(all))
	for _, p := range all {
		result = append(result, info(p))
	}
	return result
}

func info(p Plugin) *PluginInfo {
	enabled := p.IsEnabled()
	status := "stopped"
	if enabled {
		status = "running"
	}
	return &PluginInfo{
		Name:        p.Name(),
		Description: p.Description(),
		Version:     p.Version(),
		Enabled:     enabled,
		Status:      status,
	}
}

// EnablePlugin persists the enabled flag, then initializes and starts the plugin
func (r *Registry) EnablePlugin(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	plugin, ok := r.plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if plugin.IsEnabled() {
		return nil
	}
	if r.deps == nil || r.deps.Storage == nil {
		return fmt.Errorf("plugin registry has no storage")
	}

	if err := r.deps.Storage.EnablePlugin(name); err != nil {
		return fmt.Errorf("failed to enable plugin %s: %w", name, err)
	}
	if err := plugin.Init(ctx, r.deps); err != nil {
		_ = r.deps.Storage.DisablePlugin(name)
		return fmt.Errorf("failed to init plugin %s: %w", name, err)
	}
	if err := plugin.Start(ctx); err != nil {
		_ = r.deps.Storage.DisablePlugin(name)
		return fmt.Errorf("failed to start plugin %s: %w", name, err)
	}
	if runner, ok := plugin.(BackgroundTaskRunner); ok {
		if err := runner.StartBackgroundTasks(r.bgCtx); err != nil {
			return fmt.Errorf("failed to start background tasks for plugin %s: %w", name, err)
		}
	}
	return nil
}

// DisablePlugin stops the plugin and persists the disabled flag
func (r *Registry) DisablePlugin(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	plugin, ok := r.plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if !plugin.IsEnabled() {
		return nil
	}

	if err := plugin.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop plugin %s: %w", name, err)
	}
	if r.deps != nil && r.deps.Storage != nil {
		if err := r.deps.Storage.DisablePlugin(name); err != nil {
			return fmt.Errorf("failed to disable plugin %s: %w", name, err)
		}
	}
	return nil
}
