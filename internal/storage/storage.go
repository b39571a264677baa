package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrPluginNotFound is returned when a plugin has no stored configuration
	ErrPluginNotFound = errors.New("plugin not found")
)

// PluginConfig is the persisted enable flag of a plugin
type PluginConfig struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name"`
}

// UploadRecord is one entry of the upload history
type UploadRecord struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channelId"`
	ChannelName string        `json:"channelName"`
	Result      string        `json:"result"`
	Reason      string        `json:"reason,omitempty"`
	EntryID     int64         `json:"entryId,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Storage keeps plugin configuration, per-plugin data and the upload history
type Storage interface {
	EnablePlugin(name string) error
	DisablePlugin(name string) error

	// IsPluginEnabled reports false for plugins that were never configured
	IsPluginEnabled(name string) (bool, error)
	ListAllPlugins() (map[string]*PluginConfig, error)

	// Get returns ErrNotFound if the key doesn't exist
	Get(pluginName, key string) ([]byte, error)
	GetString(pluginName, key string) (string, error)
	GetInt(pluginName, key string) (int, error)
	GetBool(pluginName, key string) (bool, error)
	GetJSON(pluginName, key string, v interface{}) error

	Set(pluginName, key string, value []byte) error
	SetString(pluginName, key string, value string) error
	SetInt(pluginName, key string, value int) error
	SetBool(pluginName, key string, value bool) error
	SetJSON(pluginName, key string, v interface{}) error

	Delete(pluginName, key string) error

	// List returns all keys of a plugin, an empty map when it has none
	List(pluginName string) (map[string][]byte, error)

	// AppendUpload adds a record to the upload history
	AppendUpload(rec UploadRecord) error

	// RecentUploads returns up to limit records, oldest first.
	// An empty channelID matches every channel.
	RecentUploads(channelID string, limit int) ([]UploadRecord, error)

	// TrimUploads drops the oldest records beyond max
	TrimUploads(max int) error

	Close() error
}
