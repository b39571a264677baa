package mqtt

import "time"

// Transport is the publishing side of Client
type Transport interface {
	PublishWithQoS(topic string, qos byte, retained bool, payload interface{}) error
	PublishRaw(topic string, payload interface{}, retained bool) error
	Prefix() string
}

// ChannelStatus is what gets published for one upload channel
type ChannelStatus struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Healthy     bool       `json:"healthy"`
	Health      string     `json:"health"`
	Status      string     `json:"status"`
	EntryID     int64      `json:"entry_id"`
	LastError   string     `json:"last_error,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

// EntityKind is a Home Assistant entity platform
type EntityKind string

const (
	EntitySensor       EntityKind = "sensor"
	EntityBinarySensor EntityKind = "binary_sensor"
)

// EntityConfig describes one Home Assistant discovery entity
type EntityConfig struct {
	ObjectID        string
	Kind            EntityKind
	Name            string
	StateTopic      string // relative to the prefix
	AttributesTopic string // relative to the prefix
	ValueTemplate   string
	DeviceClass     string
	StateClass      string
	Icon            string
	Device          *DeviceInfo
}

// DeviceInfo groups entities in Home Assistant
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
}
