// Package channels holds the channel model and the upload scheduler
package channels

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tsbridge/internal/thingspeak"
)

// CurrentSchemaVersion is the version written by SaveChannel
const CurrentSchemaVersion = 2

// Interval limits for the per-channel override
const (
	MinInterval = 15 * time.Second
	MaxInterval = 24 * time.Hour
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrInvalidChannel  = errors.New("invalid channel")

	// Skip reasons
	ErrDisabled      = errors.New("channel is disabled")
	ErrNotConfigured = errors.New("channel is not configured")
	ErrMissingKey    = errors.New("channel has no write key")
)

// BindingKind selects the source of a field
type BindingKind string

const (
	BindingNone        BindingKind = "none"
	BindingDeviceState BindingKind = "device"
	BindingVariable    BindingKind = "variable"
)

// legacyNone is how old records mark an empty selector
const legacyNone = "None"

// FieldBinding points one channel field at a registry item
type FieldBinding struct {
	Kind       BindingKind `json:"kind" yaml:"kind"`
	DeviceID   string      `json:"deviceId,omitempty" yaml:"device,omitempty"`
	State      string      `json:"state,omitempty" yaml:"state,omitempty"`
	VariableID string      `json:"variableId,omitempty" yaml:"variable,omitempty"`
}

// Bound reports whether the binding refers to a source item
func (b FieldBinding) Bound() bool {
	switch b.Kind {
	case BindingDeviceState:
		return b.DeviceID != "" && b.State != ""
	case BindingVariable:
		return b.VariableID != ""
	default:
		return false
	}
}

// String renders the binding for logs
func (b FieldBinding) String() string {
	switch b.Kind {
	case BindingDeviceState:
		return "device " + b.DeviceID + "." + b.State
	case BindingVariable:
		return "variable " + b.VariableID
	default:
		return "unbound"
	}
}

func (b FieldBinding) validate() error {
	switch b.Kind {
	case BindingNone, "":
		return nil
	case BindingDeviceState:
		if b.DeviceID == "" || b.State == "" {
			return errors.New("device binding needs a device id and a state")
		}
	case BindingVariable:
		if b.VariableID == "" {
			return errors.New("variable binding needs a variable id")
		}
	default:
		return fmt.Errorf("unknown binding kind %q", b.Kind)
	}
	return nil
}

// Geo overrides the process-wide location for one channel
type Geo struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Elevation int     `json:"elevation" yaml:"elevation"`
}

// Channel is one configured upload target
type Channel struct {
	ID         string                             `json:"id" yaml:"id,omitempty"`
	Name       string                             `json:"name" yaml:"name"`
	Enabled    bool                               `json:"enabled" yaml:"enabled"`
	Configured bool                               `json:"configured" yaml:"-"`
	WriteKey   string                             `json:"writeKey" yaml:"writeKey"`
	Fields     [thingspeak.MaxFields]FieldBinding `json:"fields" yaml:"fields"`

	// Interval overrides the process-wide interval, 0 inherits it
	Interval time.Duration `json:"interval" yaml:"interval,omitempty"`

	// Host is an alternate host:port of a compatible service
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Geo  *Geo   `json:"geo,omitempty" yaml:"geo,omitempty"`

	Twitter string `json:"twitter,omitempty" yaml:"twitter,omitempty"`
	Tweet   string `json:"tweet,omitempty" yaml:"tweet,omitempty"`

	SchemaVersion int `json:"schemaVersion" yaml:"-"`
}

// BoundFields counts fields that refer to a source item
func (c *Channel) BoundFields() int {
	n := 0
	for _, b := range c.Fields {
		if b.Bound() {
			n++
		}
	}
	return n
}

// Eligible returns the reason a due channel cannot be uploaded, nil if it can
func (c *Channel) Eligible() error {
	if !c.Enabled {
		return ErrDisabled
	}
	if !c.Configured || c.BoundFields() == 0 {
		return ErrNotConfigured
	}
	if strings.TrimSpace(c.WriteKey) == "" {
		return ErrMissingKey
	}
	return nil
}

// Validate checks a channel before it is saved
func (c *Channel) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidChannel)
	}
	if c.Interval != 0 && (c.Interval < MinInterval || c.Interval > MaxInterval) {
		return fmt.Errorf("%w: interval must be between %s and %s", ErrInvalidChannel, MinInterval, MaxInterval)
	}
	for i, b := range c.Fields {
		if err := b.validate(); err != nil {
			return fmt.Errorf("%w: field%d: %v", ErrInvalidChannel, i+1, err)
		}
	}
	if c.Geo != nil {
		if c.Geo.Latitude < -90 || c.Geo.Latitude > 90 {
			return fmt.Errorf("%w: latitude out of range", ErrInvalidChannel)
		}
		if c.Geo.Longitude < -180 || c.Geo.Longitude > 180 {
			return fmt.Errorf("%w: longitude out of range", ErrInvalidChannel)
		}
	}
	return nil
}

// Migrate upgrades an older record in place and reports whether anything changed.
// Version 0 and 1 records carry no binding kinds and use "None" for empty selectors.
func (c *Channel) Migrate() bool {
	if c.SchemaVersion >= CurrentSchemaVersion {
		return false
	}

	for i := range c.Fields {
		b := &c.Fields[i]
		if b.DeviceID == legacyNone {
			b.DeviceID = ""
		}
		if b.State == legacyNone {
			b.State = ""
		}
		if b.VariableID == legacyNone {
			b.VariableID = ""
		}
		if b.Kind == "" {
			switch {
			case b.DeviceID != "" && b.State != "":
				b.Kind = BindingDeviceState
			case b.VariableID != "":
				b.Kind = BindingVariable
			default:
				b.Kind = BindingNone
			}
		}
	}

	// per-channel intervals did not exist before version 2
	if c.SchemaVersion < 2 {
		c.Interval = 0
	}

	c.SchemaVersion = CurrentSchemaVersion
	return true
}

// Health is the outcome of the last upload attempt
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthSuccess Health = "success"
	HealthFailed  Health = "failed"
)

// Health display strings
const (
	DisplayOK       = "ok"
	DisplayNoComm   = "no comm"
	DisplayTimeout  = "timeout"
	DisplayRejected = "rejected"
	DisplayError    = "error"
	DisplayEnabled  = "enabled"
	DisplayDisabled = "disabled"
)

// UnknownTime is shown when the service did not report a usable timestamp
const UnknownTime = "Unknown"

// ChannelState is written back after every upload attempt
type ChannelState struct {
	Health          Health                       `json:"health"`
	HealthDisplay   string                       `json:"healthDisplay"`
	LastError       string                       `json:"lastError,omitempty"`
	RemoteChannelID int64                        `json:"remoteChannelId"`
	EntryID         int64                        `json:"entryId"`
	Status          string                       `json:"status"`
	Latitude        float64                      `json:"latitude"`
	Longitude       float64                      `json:"longitude"`
	Elevation       float64                      `json:"elevation"`
	Fields          [thingspeak.MaxFields]string `json:"fields"`
	CreatedAt       string                       `json:"createdAt"`
	LastSuccess     time.Time                    `json:"lastSuccess"`
	LastAttempt     time.Time                    `json:"lastAttempt"`
}

// NewChannelState returns the state of a channel that never uploaded
func NewChannelState() *ChannelState {
	return &ChannelState{Health: HealthUnknown}
}
