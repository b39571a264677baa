package mqtt

import (
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"

	"tsbridge/internal/storage"
)

const discoveryRoot = "homeassistant"

// DiscoveryManager publishes Home Assistant MQTT discovery configs
type DiscoveryManager struct {
	transport  Transport
	logger     *log.Logger
	storage    storage.Storage
	pluginName string

	configs   map[string][]byte
	configsMu sync.RWMutex

	mu        sync.Mutex
	published string // fingerprint of the channel set last announced
}

// NewDiscoveryManager creates a new DiscoveryManager instance
func NewDiscoveryManager(t Transport, logger *log.Logger, store storage.Storage, pluginName string) *DiscoveryManager {
	return &DiscoveryManager{
		transport:  t,
		logger:     logger,
		storage:    store,
		pluginName: pluginName,
		configs:    make(map[string][]byte),
	}
}

// ChannelEntities returns the health binary sensor and entry id sensor for a channel
func ChannelEntities(p *Publisher, id, name string) []*EntityConfig {
	objectID := SanitizeID(id)
	device := &DeviceInfo{
		Identifiers:  []string{"tsbridge_" + objectID},
		Name:         "ThingSpeak " + name,
		Model:        "ThingSpeak channel",
		Manufacturer: "tsbridge",
	}
	return []*EntityConfig{
		{
			ObjectID:        objectID + "_health",
			Kind:            EntityBinarySensor,
			Name:            name + " upload problem",
			StateTopic:      p.ChannelTopic(id, "health"),
			AttributesTopic: p.ChannelTopic(id, "state"),
			DeviceClass:     "problem",
			Device:          device,
		},
		{
			ObjectID:      objectID + "_entry_id",
			Kind:          EntitySensor,
			Name:          name + " entry id",
			StateTopic:    p.ChannelTopic(id, "state"),
			ValueTemplate: "{{ value_json.entry_id }}",
			StateClass:    "total_increasing",
			Icon:          "mdi:counter",
			Device:        device,
		},
	}
}

// ShouldRepublish reports whether the channel set differs from the last announcement
func (d *DiscoveryManager) ShouldRepublish(channelIDs []string) bool {
	fp := fingerprint(channelIDs)

	d.mu.Lock()
	defer d.mu.Unlock()
	if fp == d.published {
		return false
	}
	if d.published == "" && d.storage != nil {
		if stored, err := d.storage.GetString(d.pluginName, "discoveryFingerprint"); err == nil && stored == fp {
			d.published = fp
			return false
		}
	}
	return true
}

// Publish announces entities and records the channel set they belong to
func (d *DiscoveryManager) Publish(channelIDs []string, entities []*EntityConfig) {
	for _, e := range entities {
		if err := d.publishEntity(e); err != nil {
			d.logf("Failed to publish discovery for %s: %v", e.ObjectID, err)
		}
	}

	fp := fingerprint(channelIDs)
	d.mu.Lock()
	d.published = fp
	d.mu.Unlock()

	if d.storage != nil {
		if err := d.storage.SetString(d.pluginName, "discoveryFingerprint", fp); err != nil {
			d.logf("Failed to store discovery state: %v", err)
		}
	}
	d.logf("Published MQTT discovery config for %d entities", len(entities))
}

// Remove retracts entities by publishing empty retained configs
func (d *DiscoveryManager) Remove(entities []*EntityConfig) {
	for _, e := range entities {
		if err := d.transport.PublishRaw(configTopic(e), []byte{}, true); err != nil {
			d.logf("Failed to remove discovery for %s: %v", e.ObjectID, err)
		}
		d.configsMu.Lock()
		delete(d.configs, e.ObjectID)
		d.configsMu.Unlock()
	}
}

func (d *DiscoveryManager) publishEntity(e *EntityConfig) error {
	payload, err := d.config(e)
	if err != nil {
		return err
	}
	return d.transport.PublishRaw(configTopic(e), payload, true)
}

func configTopic(e *EntityConfig) string {
	return discoveryRoot + "/" + string(e.Kind) + "/tsbridge/" + e.ObjectID + "/config"
}

func (d *DiscoveryManager) config(e *EntityConfig) ([]byte, error) {
	d.configsMu.RLock()
	if cfg, ok := d.configs[e.ObjectID]; ok {
		d.configsMu.RUnlock()
		return cfg, nil
	}
	d.configsMu.RUnlock()

	cfg, err := json.Marshal(buildDiscoveryConfig(d.transport.Prefix(), e))
	if err != nil {
		return nil, err
	}

	d.configsMu.Lock()
	d.configs[e.ObjectID] = cfg
	d.configsMu.Unlock()
	return cfg, nil
}

func buildDiscoveryConfig(prefix string, e *EntityConfig) map[string]interface{} {
	topic := func(t string) string {
		if prefix == "" {
			return t
		}
		return prefix + "/" + t
	}

	cfg := map[string]interface{}{
		"name":        e.Name,
		"unique_id":   "tsbridge_" + e.ObjectID,
		"object_id":   "tsbridge_" + e.ObjectID,
		"state_topic": topic(e.StateTopic),
	}
	if e.AttributesTopic != "" {
		cfg["json_attributes_topic"] = topic(e.AttributesTopic)
	}
	if e.ValueTemplate != "" {
		cfg["value_template"] = e.ValueTemplate
	}
	if e.DeviceClass != "" {
		cfg["device_class"] = e.DeviceClass
	}
	if e.StateClass != "" {
		cfg["state_class"] = e.StateClass
	}
	if e.Icon != "" {
		cfg["icon"] = e.Icon
	}
	if e.Kind == EntityBinarySensor {
		cfg["payload_on"] = healthProblem
		cfg["payload_off"] = healthOK
	}
	if e.Device != nil {
		cfg["device"] = e.Device
	}
	return cfg
}

func fingerprint(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func (d *DiscoveryManager) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf("["+d.pluginName+"] "+format, args...)
	}
}
