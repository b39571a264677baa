// Package hwmon samples host temperature sensors into the device registry
package hwmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"tsbridge/internal/mqtt"
	"tsbridge/internal/plugins"
	"tsbridge/internal/storage"
	"tsbridge/internal/value"
)

const (
	PluginName = "hwmon"

	DefaultUpdateInterval = 30 // seconds
	DefaultDeviceID       = "host"

	minUpdateInterval = 5
	maxUpdateInterval = 300

	keyUpdateInterval = "updateInterval"
	keyDeviceID       = "deviceId"

	deviceName = "Host sensors"
)

// Reading is one temperature input
type Reading struct {
	Label string  `json:"label"`
	State string  `json:"state"`
	Temp  float64 `json:"temp"`
}

// Plugin writes hwmon temperatures as states of one registry device
type Plugin struct {
	*plugins.BasePlugin

	mu         sync.RWMutex
	readings   []Reading
	lastUpdate time.Time
	interval   time.Duration
	deviceID   string
	named      bool

	// root is the sysfs hwmon class directory
	root string

	bgMutex  sync.Mutex
	bgParent context.Context
	bgCancel context.CancelFunc
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{
		BasePlugin: plugins.NewBasePlugin(PluginName, "Host temperature sensors as registry states", "1.0.0"),
		interval:   DefaultUpdateInterval * time.Second,
		deviceID:   DefaultDeviceID,
		root:       "/sys/class/hwmon",
	}
}

// Init loads the settings
func (p *Plugin) Init(ctx context.Context, deps *plugins.PluginDependencies) error {
	p.SetDependencies(deps)

	if deps.Registry == nil {
		return errors.New("device registry is required")
	}
	p.loadSettings(deps.Storage)

	p.Logf("Plugin initialized (device %s)", p.DeviceID())
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.Logf("Plugin started")
	return nil
}

// Stop cancels the sampling loop
func (p *Plugin) Stop(ctx context.Context) error {
	p.bgMutex.Lock()
	if p.bgCancel != nil {
		p.bgCancel()
		p.bgCancel = nil
	}
	p.bgMutex.Unlock()

	p.Logf("Plugin stopped")
	return nil
}

// Routes returns the plugin's HTTP routes
func (p *Plugin) Routes() []plugins.Route {
	return []plugins.Route{
		{Method: "GET", Path: "/api/plugins/hwmon/data", Handler: p.handleGetData, RequireAuth: true},
		{Method: "GET", Path: "/api/plugins/hwmon/settings", Handler: p.handleGetSettings, RequireAuth: true},
		{Method: "POST", Path: "/api/plugins/hwmon/settings", Handler: p.handleUpdateSettings, RequireAuth: true, RequireAdmin: true},
	}
}

// StartBackgroundTasks starts periodic sampling
func (p *Plugin) StartBackgroundTasks(ctx context.Context) error {
	p.bgMutex.Lock()
	p.bgParent = ctx
	p.bgMutex.Unlock()

	p.restartLoop()
	return nil
}

// restartLoop (re)starts sampling with the current interval
func (p *Plugin) restartLoop() {
	interval := p.Interval()

	p.bgMutex.Lock()
	defer p.bgMutex.Unlock()

	if p.bgParent == nil {
		return
	}
	if p.bgCancel != nil {
		p.bgCancel()
	}

	var ctx context.Context
	ctx, p.bgCancel = context.WithCancel(p.bgParent)

	p.Logf("Starting sensor sampling (interval %v)", interval)
	go plugins.RunPeriodic(ctx, interval, p.Logger(), p.Name(), p.update)
}

func (p *Plugin) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

func (p *Plugin) DeviceID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deviceID
}

// Readings returns the last sample and its time
func (p *Plugin) Readings() ([]Reading, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Reading, len(p.readings))
	copy(out, p.readings)
	return out, p.lastUpdate
}

// update samples all sensors and writes them to the registry
func (p *Plugin) update(ctx context.Context) error {
	readings := readTemperatures(p.root)
	deviceID := p.DeviceID()
	registry := p.Deps().Registry

	var errs []error
	for _, r := range readings {
		if err := registry.SetState(deviceID, r.State, value.Number(r.Temp)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.State, err))
		}
	}

	p.mu.Lock()
	p.readings = readings
	p.lastUpdate = time.Now()
	named := p.named
	p.named = p.named || len(readings) > 0
	p.mu.Unlock()

	if !named && len(readings) > 0 {
		if err := registry.SetDeviceName(deviceID, deviceName); err != nil {
			errs = append(errs, err)
		}
	}

	p.Logf("Sampled %d sensors", len(readings))
	return errors.Join(errs...)
}

// loadSettings reads stored settings, saving defaults on first run
func (p *Plugin) loadSettings(store storage.Storage) {
	if store == nil {
		return
	}

	interval, err := store.GetInt(p.Name(), keyUpdateInterval)
	switch {
	case err == nil && interval >= minUpdateInterval && interval <= maxUpdateInterval:
		p.mu.Lock()
		p.interval = time.Duration(interval) * time.Second
		p.mu.Unlock()
	case errors.Is(err, storage.ErrNotFound):
		_ = store.SetInt(p.Name(), keyUpdateInterval, DefaultUpdateInterval)
	}

	deviceID, err := store.GetString(p.Name(), keyDeviceID)
	switch {
	case err == nil && deviceID != "":
		p.mu.Lock()
		p.deviceID = deviceID
		p.mu.Unlock()
	case errors.Is(err, storage.ErrNotFound):
		_ = store.SetString(p.Name(), keyDeviceID, DefaultDeviceID)
	}
}

// FriendlyName turns chip names without a label into readable ones.
// clusterN_thermal becomes CPU Cluster N+1, coreN becomes CPU Core N+1.
func FriendlyName(chip string) string {
	if strings.HasPrefix(chip, "cluster") && strings.HasSuffix(chip, "_thermal") {
		num := strings.TrimSuffix(strings.TrimPrefix(chip, "cluster"), "_thermal")
		if n, err := strconv.Atoi(num); err == nil {
			return "CPU Cluster " + strconv.Itoa(n+1)
		}
	}
	if rest, ok := strings.CutPrefix(chip, "core"); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return "CPU Core " + strconv.Itoa(n+1)
		}
	}
	return chip
}

// readTemperatures reads every temp*_input below root.
// Duplicate state names get a numeric suffix in directory order.
func readTemperatures(root string) []Reading {
	readings := []Reading{}
	seen := make(map[string]int)

	entries, err := os.ReadDir(root)
	if err != nil {
		return readings
	}

	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())

		nameBytes, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		chip := strings.TrimSpace(string(nameBytes))

		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, f := range files {
			if !strings.HasPrefix(f.Name(), "temp") || !strings.HasSuffix(f.Name(), "_input") {
				continue
			}

			raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
			if err != nil {
				continue
			}
			milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
			if err != nil {
				continue
			}

			label := FriendlyName(chip)
			labelFile := strings.Replace(f.Name(), "_input", "_label", 1)
			if b, err := os.ReadFile(filepath.Join(dir, labelFile)); err == nil {
				label = strings.TrimSpace(string(b))
			}

			state := mqtt.SanitizeID(label)
			seen[state]++
			if n := seen[state]; n > 1 {
				state += "_" + strconv.Itoa(n)
			}

			readings = append(readings, Reading{
				Label: label,
				State: state,
				Temp:  float64(milli) / 1000.0,
			})
		}
	}

	return readings
}
