package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// configBucket holds one PluginConfig per plugin name
	configBucket = "_config"

	// dataBucket holds a nested bucket per plugin
	dataBucket = "_data"

	// uploadsBucket holds upload records keyed by time
	uploadsBucket = "_uploads"
)

// BoltStorage is the bbolt implementation of Storage
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage opens (or creates) the database file at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{configBucket, dataBucket, uploadsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Plugin configuration

func (s *BoltStorage) EnablePlugin(name string) error {
	return s.setPluginEnabled(name, true)
}

func (s *BoltStorage) DisablePlugin(name string) error {
	return s.setPluginEnabled(name, false)
}

func (s *BoltStorage) setPluginEnabled(name string, enabled bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(configBucket))

		data, err := json.Marshal(PluginConfig{Name: name, Enabled: enabled})
		if err != nil {
			return fmt.Errorf("failed to marshal plugin config: %w", err)
		}
		return bucket.Put([]byte(name), data)
	})
}

// IsPluginEnabled checks if a plugin is enabled
func (s *BoltStorage) IsPluginEnabled(name string) (bool, error) {
	var cfg PluginConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(configBucket)).Get([]byte(name))
		if data == nil {
			return ErrPluginNotFound
		}
		return json.Unmarshal(data, &cfg)
	})
	if err == ErrPluginNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read plugin config: %w", err)
	}
	return cfg.Enabled, nil
}

// ListAllPlugins returns every stored plugin configuration
func (s *BoltStorage) ListAllPlugins() (map[string]*PluginConfig, error) {
	configs := make(map[string]*PluginConfig)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(configBucket)).ForEach(func(k, v []byte) error {
			cfg := &PluginConfig{}
			if err := json.Unmarshal(v, cfg); err != nil {
				return fmt.Errorf("failed to unmarshal plugin config %s: %w", k, err)
			}
			configs[string(k)] = cfg
			return nil
		})
	})
	return configs, err
}

// Plugin data

// Get retrieves a copy of the value stored under key
func (s *BoltStorage) Get(pluginName, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket)).Bucket([]byte(pluginName))
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStorage) GetString(pluginName, key string) (string, error) {
	data, err := s.Get(pluginName, key)
	return string(data), err
}

func (s *BoltStorage) GetInt(pluginName, key string) (int, error) {
	data, err := s.Get(pluginName, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to parse int %s/%s: %w", pluginName, key, err)
	}
	return v, nil
}

func (s *BoltStorage) GetBool(pluginName, key string) (bool, error) {
	data, err := s.Get(pluginName, key)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(string(data))
	if err != nil {
		return false, fmt.Errorf("failed to parse bool %s/%s: %w", pluginName, key, err)
	}
	return v, nil
}

func (s *BoltStorage) GetJSON(pluginName, key string, v interface{}) error {
	data, err := s.Get(pluginName, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", pluginName, key, err)
	}
	return nil
}

// Set stores value under key, creating the plugin bucket on first use
func (s *BoltStorage) Set(pluginName, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(dataBucket)).CreateBucketIfNotExists([]byte(pluginName))
		if err != nil {
			return fmt.Errorf("failed to create plugin bucket: %w", err)
		}
		return bucket.Put([]byte(key), value)
	})
}

func (s *BoltStorage) SetString(pluginName, key string, value string) error {
	return s.Set(pluginName, key, []byte(value))
}

func (s *BoltStorage) SetInt(pluginName, key string, value int) error {
	return s.Set(pluginName, key, []byte(strconv.Itoa(value)))
}

func (s *BoltStorage) SetBool(pluginName, key string, value bool) error {
	return s.Set(pluginName, key, []byte(strconv.FormatBool(value)))
}

func (s *BoltStorage) SetJSON(pluginName, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", pluginName, key, err)
	}
	return s.Set(pluginName, key, data)
}

// Delete removes key, ErrNotFound when the plugin has no data
func (s *BoltStorage) Delete(pluginName, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket)).Bucket([]byte(pluginName))
		if bucket == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(key))
	})
}

// List returns copies of all keys and values of a plugin
func (s *BoltStorage) List(pluginName string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket)).Bucket([]byte(pluginName))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return result, err
}

// Upload history

// uploadKey sorts records by time, the id keeps keys unique within one nanosecond
func uploadKey(rec UploadRecord) []byte {
	return []byte(fmt.Sprintf("%020d-%s", rec.Timestamp.UnixNano(), rec.ID))
}

// AppendUpload stores rec in the upload history
func (s *BoltStorage) AppendUpload(rec UploadRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal upload record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(uploadsBucket)).Put(uploadKey(rec), data)
	})
}

// RecentUploads walks the history backwards and returns the newest matches in ascending order
func (s *BoltStorage) RecentUploads(channelID string, limit int) ([]UploadRecord, error) {
	var records []UploadRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(uploadsBucket)).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(records) < limit); k, v = c.Prev() {
			var rec UploadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // skip corrupted entries
			}
			if channelID != "" && rec.ChannelID != channelID {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// TrimUploads keeps only the newest max records
func (s *BoltStorage) TrimUploads(max int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(uploadsBucket))

		count := 0
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}

		excess := count - max
		if excess <= 0 {
			return nil
		}

		var stale [][]byte
		for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete old upload record: %w", err)
			}
		}
		return nil
	})
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
