package plugins

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"tsbridge/internal/config"
	"tsbridge/internal/events"
	"tsbridge/internal/host"
	"tsbridge/internal/metrics"
	"tsbridge/internal/mqtt"
	"tsbridge/internal/storage"
	"tsbridge/internal/thingspeak"
)

// Plugin is the base interface for all plugins
type Plugin interface {
	// Name returns the unique plugin name (lowercase, no spaces)
	Name() string

	Description() string

	// Version returns the plugin version (semver)
	Version() string

	// Init is called during startup before Start
	Init(ctx context.Context, deps *PluginDependencies) error

	// Start is called after all plugins were initialized
	Start(ctx context.Context) error

	// Stop is called during shutdown
	Stop(ctx context.Context) error

	// Routes returns the plugin's HTTP routes, nil if none
	Routes() []Route

	IsEnabled() bool
}

// BackgroundTaskRunner is implemented by plugins with periodic work.
// The context is cancelled when the plugin should stop its tasks.
type BackgroundTaskRunner interface {
	StartBackgroundTasks(ctx context.Context) error
}

// PluginDependencies contains dependencies available to plugins
type PluginDependencies struct {
	Config     *config.Config
	EventStore *events.Store
	Logger     *log.Logger
	Storage    storage.Storage

	// Registry holds device states and variables that channels read from
	Registry *host.Memory

	// ThingSpeak is the remote service client
	ThingSpeak *thingspeak.Client

	// Metrics can be nil when metrics are disabled
	Metrics *metrics.Metrics

	// MQTT services (nil if MQTT is not configured)
	MQTTClient    *mqtt.Client
	MQTTPublisher *mqtt.Publisher
	MQTTDiscovery *mqtt.DiscoveryManager
}

// Route represents a plugin's HTTP route
type Route struct {
	// Method is the HTTP method (GET, POST, DELETE, PUT, PATCH)
	Method string

	// Path is the chi route pattern, by convention below /api/plugins/{plugin-name}/
	Path string

	Handler http.HandlerFunc

	RequireAuth bool

	// RequireAdmin additionally rejects read-only users
	RequireAdmin bool
}

// PluginInfo contains plugin information for API responses
type PluginInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Enabled     bool   `json:"enabled"`
	Status      string `json:"status"` // "running", "stopped"
}

// BasePlugin is a base structure that plugins can embed
type BasePlugin struct {
	name        string
	description string
	version     string
	deps        *PluginDependencies
	logger      *log.Logger
}

// NewBasePlugin creates a new BasePlugin
func NewBasePlugin(name, description, version string) *BasePlugin {
	return &BasePlugin{
		name:        name,
		description: description,
		version:     version,
	}
}

// Name implements Plugin.Name
func (p *BasePlugin) Name() string {
	return p.name
}

// Description implements Plugin.Description
func (p *BasePlugin) Description() string {
	return p.description
}

// Version implements Plugin.Version
func (p *BasePlugin) Version() string {
	return p.version
}

// SetDependencies sets the plugin's dependencies
func (p *BasePlugin) SetDependencies(deps *PluginDependencies) {
	p.deps = deps
	p.logger = deps.Logger
}

// Deps returns the plugin's dependencies
func (p *BasePlugin) Deps() *PluginDependencies {
	return p.deps
}

// Logger returns the plugin's logger
func (p *BasePlugin) Logger() *log.Logger {
	return p.logger
}

// Logf logs with the plugin name as prefix
func (p *BasePlugin) Logf(format string, v ...interface{}) {
	if p.logger != nil {
		p.logger.Printf("["+p.name+"] "+format, v...)
	}
}

// IsEnabled reads the enabled flag from storage
func (p *BasePlugin) IsEnabled() bool {
	if p.deps == nil || p.deps.Storage == nil {
		return false
	}
	enabled, err := p.deps.Storage.IsPluginEnabled(p.name)
	if err != nil {
		return false
	}
	return enabled
}

// WriteJSON is a shared helper function for writing JSON responses
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: Failed to encode JSON response: %v", err)
	}
}

// WriteError writes {"error": msg}
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// RunPeriodic runs task immediately and then every interval until ctx is cancelled
//
//	go RunPeriodic(ctx, 30*time.Second, p.Logger(), p.Name(), func(ctx context.Context) error {
//	    return p.checkStatus()
//	})
func RunPeriodic(ctx context.Context, interval time.Duration, logger *log.Logger, pluginName string, task func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := task(ctx); err != nil && logger != nil {
		logger.Printf("[%s] Background task error: %v", pluginName, err)
	}

	for {
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Printf("[%s] Background task stopped", pluginName)
			}
			return
		case <-ticker.C:
			if err := task(ctx); err != nil && logger != nil {
				logger.Printf("[%s] Background task error: %v", pluginName, err)
			}
		}
	}
}

// RunOnce runs task once after delay, unless ctx is cancelled first
func RunOnce(ctx context.Context, delay time.Duration, logger *log.Logger, pluginName string, task func(context.Context) error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if logger != nil {
			logger.Printf("[%s] Delayed task cancelled", pluginName)
		}
		return
	case <-timer.C:
		if err := task(ctx); err != nil && logger != nil {
			logger.Printf("[%s] Delayed task error: %v", pluginName, err)
		}
	}
}
