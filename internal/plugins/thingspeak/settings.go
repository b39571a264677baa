package thingspeak

import (
	"errors"
	"fmt"
	"time"

	"tsbridge/internal/channels"
	"tsbridge/internal/storage"
)

// Settings are the plugin preferences, stored per key in the plugin bucket
type Settings struct {
	UploadInterval int     `json:"uploadInterval"` // seconds
	RequestTimeout int     `json:"requestTimeout"` // seconds
	TickInterval   int     `json:"tickInterval"`   // seconds
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Elevation      int     `json:"elevation"`
	TimeZone       string  `json:"timeZone"` // IANA name, empty for local time
	DebugLevel     int     `json:"debugLevel"`
	MQTTEnabled    bool    `json:"mqttEnabled"`
}

const (
	keyUploadInterval = "uploadInterval"
	keyRequestTimeout = "requestTimeout"
	keyTickInterval   = "tickInterval"
	keyLatitude       = "latitude"
	keyLongitude      = "longitude"
	keyElevation      = "elevation"
	keyTimeZone       = "timeZone"
	keyDebugLevel     = "debugLevel"
	keyMQTTEnabled    = "mqttEnabled"
)

// MaxRequestTimeout bounds requestTimeout and client calls made without a deadline
const MaxRequestTimeout = 60 * time.Second

// DefaultSettings returns the settings of a fresh install
func DefaultSettings() Settings {
	return Settings{
		UploadInterval: 900,
		RequestTimeout: 10,
		TickInterval:   2,
		DebugLevel:     1,
	}
}

// Validate checks ranges and the time zone name
func (s Settings) Validate() error {
	switch {
	case s.UploadInterval < 15 || s.UploadInterval > 86400:
		return errors.New("upload interval must be between 15 and 86400 seconds")
	case s.RequestTimeout < 1 || s.RequestTimeout > int(MaxRequestTimeout/time.Second):
		return errors.New("request timeout must be between 1 and 60 seconds")
	case s.TickInterval < 1 || s.TickInterval > 5:
		return errors.New("tick interval must be between 1 and 5 seconds")
	case s.Latitude < -90 || s.Latitude > 90:
		return errors.New("latitude must be between -90 and 90")
	case s.Longitude < -180 || s.Longitude > 180:
		return errors.New("longitude must be between -180 and 180")
	case s.DebugLevel < 1 || s.DebugLevel > 3:
		return errors.New("debug level must be 1, 2 or 3")
	}
	if _, err := s.location(); err != nil {
		return err
	}
	return nil
}

func (s Settings) location() (*time.Location, error) {
	if s.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q", s.TimeZone)
	}
	return loc, nil
}

// Scheduler converts the preferences into scheduler settings
func (s Settings) Scheduler() channels.Settings {
	loc, err := s.location()
	if err != nil {
		loc = time.Local
	}
	return channels.Settings{
		Interval:   time.Duration(s.UploadInterval) * time.Second,
		Timeout:    time.Duration(s.RequestTimeout) * time.Second,
		Tick:       time.Duration(s.TickInterval) * time.Second,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Elevation:  s.Elevation,
		Location:   loc,
		DebugLevel: s.DebugLevel,
	}
}

// loadSettings reads stored preferences. Missing or invalid ones fall back to defaults.
func loadSettings(store storage.Storage, ns string) (Settings, error) {
	s := DefaultSettings()
	if store == nil {
		return s, nil
	}

	intKey := func(key string, dst *int) error {
		v, err := store.GetInt(ns, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		*dst = v
		return nil
	}
	floatKey := func(key string, dst *float64) error {
		err := store.GetJSON(ns, key, dst)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	for _, err := range []error{
		intKey(keyUploadInterval, &s.UploadInterval),
		intKey(keyRequestTimeout, &s.RequestTimeout),
		intKey(keyTickInterval, &s.TickInterval),
		intKey(keyElevation, &s.Elevation),
		intKey(keyDebugLevel, &s.DebugLevel),
		floatKey(keyLatitude, &s.Latitude),
		floatKey(keyLongitude, &s.Longitude),
	} {
		if err != nil {
			return DefaultSettings(), err
		}
	}

	if tz, err := store.GetString(ns, keyTimeZone); err == nil {
		s.TimeZone = tz
	}
	if on, err := store.GetBool(ns, keyMQTTEnabled); err == nil {
		s.MQTTEnabled = on
	}

	if err := s.Validate(); err != nil {
		return DefaultSettings(), fmt.Errorf("stored settings are invalid, using defaults: %w", err)
	}
	return s, nil
}

// saveSettings writes every preference
func saveSettings(store storage.Storage, ns string, s Settings) error {
	writes := []func() error{
		func() error { return store.SetInt(ns, keyUploadInterval, s.UploadInterval) },
		func() error { return store.SetInt(ns, keyRequestTimeout, s.RequestTimeout) },
		func() error { return store.SetInt(ns, keyTickInterval, s.TickInterval) },
		func() error { return store.SetInt(ns, keyElevation, s.Elevation) },
		func() error { return store.SetInt(ns, keyDebugLevel, s.DebugLevel) },
		func() error { return store.SetJSON(ns, keyLatitude, s.Latitude) },
		func() error { return store.SetJSON(ns, keyLongitude, s.Longitude) },
		func() error { return store.SetString(ns, keyTimeZone, s.TimeZone) },
		func() error { return store.SetBool(ns, keyMQTTEnabled, s.MQTTEnabled) },
	}
	for _, w := range writes {
		if err := w(); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
	}
	return nil
}
