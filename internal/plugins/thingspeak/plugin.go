// Package thingspeak is the plugin that uploads registry values to ThingSpeak channels
package thingspeak

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tsbridge/internal/channels"
	"tsbridge/internal/events"
	"tsbridge/internal/mqtt"
	"tsbridge/internal/plugins"
	"tsbridge/internal/storage"
	tsapi "tsbridge/internal/thingspeak"
)

const (
	// PluginName is the storage namespace and route prefix of the plugin
	PluginName = "thingspeak"

	// DefaultHistoryLimit is the number of upload records kept
	DefaultHistoryLimit = 1000

	availabilityTopic = "bridge/availability"
)

// Plugin runs the upload scheduler as a background task
type Plugin struct {
	*plugins.BasePlugin

	mu        sync.RWMutex
	settings  Settings
	store     *channels.StorageStore
	scheduler *channels.Scheduler
	client    *tsapi.Client

	historyLimit int

	bgMutex  sync.Mutex
	bgParent context.Context
	bgCancel context.CancelFunc

	skipMu   sync.Mutex
	lastSkip map[string]string
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{
		BasePlugin:   plugins.NewBasePlugin(PluginName, "Uploads device states and variables to ThingSpeak", "2.0.0"),
		settings:     DefaultSettings(),
		historyLimit: DefaultHistoryLimit,
		lastSkip:     make(map[string]string),
	}
}

// Init loads settings and builds the scheduler
func (p *Plugin) Init(ctx context.Context, deps *plugins.PluginDependencies) error {
	p.SetDependencies(deps)

	if deps.Storage == nil {
		return errors.New("storage is required")
	}
	if deps.Registry == nil {
		return errors.New("device registry is required")
	}

	settings, err := loadSettings(deps.Storage, p.Name())
	if err != nil {
		p.Logf("%v", err)
	}

	p.client = deps.ThingSpeak
	if p.client == nil {
		host := ""
		if deps.Config != nil {
			host = deps.Config.ThingSpeakHost()
		}
		p.client = tsapi.NewClient(host, tsapi.WithTimeout(MaxRequestTimeout))
	}

	var uploader channels.Uploader = p.client
	if deps.Metrics != nil {
		uploader = deps.Metrics.InstrumentUploader(uploader)
	}

	p.store = channels.NewStorageStore(deps.Storage, p.Name(), p.Logger())
	p.scheduler = channels.NewScheduler(p.store, deps.Registry, uploader, p.Logger(),
		channels.WithSettings(settings.Scheduler()),
		channels.WithObserver(p.onResult),
		channels.WithReportHook(p.recordSweep),
	)

	p.mu.Lock()
	p.settings = settings
	p.mu.Unlock()

	if settings.DebugLevel >= 3 {
		p.Logf("Debug level 3 logs full upload parameters including write keys")
	}

	if settings.MQTTEnabled {
		p.connectMQTT()
	}

	p.Logf("Plugin initialized (interval %ds, host %s)", settings.UploadInterval, p.client.Host())
	return nil
}

// Start publishes the current channel states
func (p *Plugin) Start(ctx context.Context) error {
	if p.mqttActive() {
		p.publishAll()
	}
	p.Logf("Plugin started")
	return nil
}

// Stop cancels the upload loop and announces the bridge offline
func (p *Plugin) Stop(ctx context.Context) error {
	p.bgMutex.Lock()
	if p.bgCancel != nil {
		p.bgCancel()
		p.bgCancel = nil
	}
	p.bgMutex.Unlock()

	if p.mqttActive() {
		deps := p.Deps()
		if err := deps.MQTTClient.PublishWithQoS(availabilityTopic, 1, true, "offline"); err != nil {
			p.Logf("Failed to publish availability: %v", err)
		}
	}

	p.Logf("Plugin stopped")
	return nil
}

// Store returns the channel store, nil before Init
func (p *Plugin) Store() *channels.StorageStore {
	return p.store
}

// Scheduler returns the scheduler, nil before Init
func (p *Plugin) Scheduler() *channels.Scheduler {
	return p.scheduler
}

// Settings returns the current preferences
func (p *Plugin) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// StartBackgroundTasks starts the upload loop
func (p *Plugin) StartBackgroundTasks(ctx context.Context) error {
	p.bgMutex.Lock()
	p.bgParent = ctx
	p.bgMutex.Unlock()

	p.startLoop()
	return nil
}

// startLoop runs the scheduler loop, which follows the tick setting by itself
func (p *Plugin) startLoop() {
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

	p.Logf("Starting upload loop (tick %v)", p.scheduler.Settings().Tick)
	go p.scheduler.Run(ctx, 0)
}

// RunSweep runs one pass now. force uploads every eligible channel regardless of its interval.
func (p *Plugin) RunSweep(ctx context.Context, force bool) channels.SweepReport {
	if force {
		p.scheduler.TriggerUploadNow()
	}
	return p.scheduler.RunSweep(ctx)
}

func (p *Plugin) sweep(ctx context.Context) error {
	return p.scheduler.RunSweep(ctx).Err
}

// recordSweep records metrics and skip events after every scheduler pass
func (p *Plugin) recordSweep(report channels.SweepReport) {
	deps := p.Deps()

	if deps.Metrics != nil {
		deps.Metrics.ObserveSweep()
	}

	attempted := false
	for _, res := range report.Results {
		switch res.Outcome {
		case channels.OutcomeSkipped:
			p.recordSkip(res)
		case channels.OutcomeUploaded, channels.OutcomeFailed:
			attempted = true
		}
	}

	if attempted {
		p.updateHealthGauge()
	}
}

// recordSkip logs an event once per channel and reason
func (p *Plugin) recordSkip(res channels.Result) {
	deps := p.Deps()
	if deps.Metrics != nil {
		deps.Metrics.ObserveSkip(skipLabel(res.Reason))
	}

	p.skipMu.Lock()
	seen := p.lastSkip[res.ChannelID] == res.Reason
	p.lastSkip[res.ChannelID] = res.Reason
	p.skipMu.Unlock()

	if !seen && deps.EventStore != nil {
		deps.EventStore.AddChannel(events.EventChannelSkipped, events.SystemUser, res.ChannelID, false, res.Reason)
	}
}

func skipLabel(reason string) string {
	switch reason {
	case channels.ErrDisabled.Error():
		return "disabled"
	case channels.ErrNotConfigured.Error():
		return "not_configured"
	case channels.ErrMissingKey.Error():
		return "missing_key"
	default:
		return "other"
	}
}

// onResult is called by the scheduler for every channel it tried to upload
func (p *Plugin) onResult(ch *channels.Channel, st *channels.ChannelState, res channels.Result) {
	deps := p.Deps()

	p.skipMu.Lock()
	delete(p.lastSkip, ch.ID)
	p.skipMu.Unlock()

	p.appendHistory(ch, res)

	if deps.EventStore != nil {
		if res.KeyRepaired {
			deps.EventStore.AddChannel(events.EventKeyRepaired, events.SystemUser, ch.ID, true, "write key trimmed")
		}
		if res.Outcome == channels.OutcomeUploaded {
			deps.EventStore.AddChannel(events.EventUploadSuccess, events.SystemUser, ch.ID, true, fmt.Sprintf("entry %d", res.EntryID))
		} else {
			deps.EventStore.AddChannel(events.EventUploadFailed, events.SystemUser, ch.ID, false, res.Reason)
		}
	}

	if deps.Metrics != nil {
		if res.KeyRepaired {
			deps.Metrics.ObserveKeyRepair()
		}
		if res.Outcome == channels.OutcomeUploaded {
			deps.Metrics.ObserveSuccess(ch.ID, res.EntryID, st.LastSuccess)
		}
	}

	if p.mqttActive() {
		if err := deps.MQTTPublisher.PublishChannelStatus(channelStatus(ch, st)); err != nil {
			p.Logf("Failed to publish channel %s: %v", ch.Name, err)
		}
	}
}

func (p *Plugin) appendHistory(ch *channels.Channel, res channels.Result) {
	store := p.Deps().Storage
	rec := storage.UploadRecord{
		ID:          uuid.NewString(),
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		Result:      string(res.Outcome),
		Reason:      res.Reason,
		EntryID:     res.EntryID,
		Duration:    res.Duration,
		Timestamp:   time.Now(),
	}
	if err := store.AppendUpload(rec); err != nil {
		p.Logf("Failed to record upload history: %v", err)
		return
	}
	if err := store.TrimUploads(p.historyLimit); err != nil {
		p.Logf("Failed to trim upload history: %v", err)
	}
}

func (p *Plugin) updateHealthGauge() {
	deps := p.Deps()
	if deps.Metrics == nil {
		return
	}
	chs, err := p.store.ListChannels()
	if err != nil {
		return
	}
	healthy := 0
	for _, ch := range chs {
		if st, err := p.store.GetState(ch.ID); err == nil && st.Health == channels.HealthSuccess {
			healthy++
		}
	}
	deps.Metrics.SetHealthy(healthy)
}

// MQTT

func (p *Plugin) mqttActive() bool {
	deps := p.Deps()
	if deps == nil || deps.MQTTClient == nil || deps.MQTTPublisher == nil {
		return false
	}
	return p.Settings().MQTTEnabled && deps.MQTTClient.IsConnected()
}

func (p *Plugin) connectMQTT() {
	deps := p.Deps()
	if deps.MQTTClient == nil {
		p.Logf("MQTT publishing is enabled but no broker is configured")
		return
	}
	if err := deps.MQTTClient.Connect(); err != nil {
		p.Logf("Failed to connect to MQTT: %v", err)
		return
	}
	if err := deps.MQTTClient.PublishWithQoS(availabilityTopic, 1, true, "online"); err != nil {
		p.Logf("Failed to publish availability: %v", err)
	}
}

// publishAll publishes every channel and refreshes discovery when the channel set changed
func (p *Plugin) publishAll() {
	deps := p.Deps()
	chs, err := p.store.ListChannels()
	if err != nil {
		p.Logf("Failed to list channels for MQTT: %v", err)
		return
	}

	ids := make([]string, 0, len(chs))
	var entities []*mqtt.EntityConfig
	for _, ch := range chs {
		ids = append(ids, ch.ID)
		entities = append(entities, mqtt.ChannelEntities(deps.MQTTPublisher, ch.ID, ch.Name)...)

		st, err := p.store.GetState(ch.ID)
		if err != nil {
			continue
		}
		if err := deps.MQTTPublisher.PublishChannelStatus(channelStatus(ch, st)); err != nil {
			p.Logf("Failed to publish channel %s: %v", ch.Name, err)
		}
	}

	if deps.MQTTDiscovery != nil && deps.MQTTDiscovery.ShouldRepublish(ids) {
		deps.MQTTDiscovery.Publish(ids, entities)
	}
}

// forgetChannel drops everything published for a deleted channel
func (p *Plugin) forgetChannel(ch *channels.Channel) {
	deps := p.Deps()
	if deps.Metrics != nil {
		deps.Metrics.ForgetChannel(ch.ID)
	}
	if p.mqttActive() {
		deps.MQTTPublisher.ClearChannel(ch.ID)
		if deps.MQTTDiscovery != nil {
			deps.MQTTDiscovery.Remove(mqtt.ChannelEntities(deps.MQTTPublisher, ch.ID, ch.Name))
		}
		p.publishAll()
	}
}

func channelStatus(ch *channels.Channel, st *channels.ChannelState) *mqtt.ChannelStatus {
	status := &mqtt.ChannelStatus{
		ID:        ch.ID,
		Name:      ch.Name,
		Enabled:   ch.Enabled,
		Healthy:   st.Health != channels.HealthFailed,
		Health:    string(st.Health),
		Status:    displayStatus(ch, st),
		EntryID:   st.EntryID,
		LastError: st.LastError,
	}
	if !st.LastSuccess.IsZero() {
		t := st.LastSuccess
		status.LastSuccess = &t
	}
	if !st.LastAttempt.IsZero() {
		t := st.LastAttempt
		status.LastAttempt = &t
	}
	return status
}

// displayStatus is the health display, or enabled/disabled before the first attempt
func displayStatus(ch *channels.Channel, st *channels.ChannelState) string {
	if st.HealthDisplay != "" {
		return st.HealthDisplay
	}
	if ch.Enabled {
		return channels.DisplayEnabled
	}
	return channels.DisplayDisabled
}
