// Package host keeps the device and variable registry the bridge reads from
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"tsbridge/internal/storage"
	"tsbridge/internal/value"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrStateNotFound    = errors.New("device state not found")
	ErrVariableNotFound = errors.New("variable not found")
)

const (
	// storageNamespace is the storage plugin name used for registry entries
	storageNamespace = "_host"
	devicePrefix     = "device/"
	variablePrefix   = "variable/"

	// legacySnapshotKey held the whole registry in one value. Load migrates it.
	legacySnapshotKey = "snapshot"

	// uiSuffix marks display-only companion states
	uiSuffix = ".ui"
)

// Registry is the read side used by the upload scheduler
type Registry interface {
	GetState(deviceID, state string) (value.Value, error)
	GetVariable(id string) (value.Value, error)
}

// Device is a registry device with its named states
type Device struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	States  map[string]value.Value `json:"states"`
	Updated time.Time              `json:"updated"`
}

// Variable is a named registry value
type Variable struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Value   value.Value `json:"value"`
	Updated time.Time   `json:"updated"`
}

// DeviceInfo lists a device for channel configuration
type DeviceInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	States []string `json:"states"`
}

type snapshot struct {
	Devices   map[string]*Device   `json:"devices"`
	Variables map[string]*Variable `json:"variables"`
}

// Memory is the in-memory registry. Each device and variable is persisted
// under its own key so a write costs one entry, not the whole registry.
type Memory struct {
	mu        sync.RWMutex
	writeMu   sync.Mutex // orders writers so entries reach storage in change order
	devices   map[string]*Device
	variables map[string]*Variable

	store  storage.Storage
	logger *log.Logger
	now    func() time.Time
}

// NewMemory creates an empty registry. store may be nil for a volatile registry.
func NewMemory(store storage.Storage, logger *log.Logger) *Memory {
	if logger == nil {
		logger = log.Default()
	}
	return &Memory{
		devices:   make(map[string]*Device),
		variables: make(map[string]*Variable),
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// Load restores the persisted registry
func (m *Memory) Load() error {
	if m.store == nil {
		return nil
	}

	entries, err := m.store.List(storageNamespace)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	devices := make(map[string]*Device)
	variables := make(map[string]*Variable)
	legacy := false
	for key, data := range entries {
		switch {
		case key == legacySnapshotKey:
			var snap snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("failed to load registry snapshot: %w", err)
			}
			// per-entry keys are newer than the snapshot and always win
			for id, d := range snap.Devices {
				if _, ok := devices[id]; !ok {
					devices[id] = d
				}
			}
			for id, v := range snap.Variables {
				if _, ok := variables[id]; !ok {
					variables[id] = v
				}
			}
			legacy = true
		case strings.HasPrefix(key, devicePrefix):
			var d Device
			if err := json.Unmarshal(data, &d); err != nil {
				m.logger.Printf("[host] Skipping unreadable device %s: %v", key, err)
				continue
			}
			devices[strings.TrimPrefix(key, devicePrefix)] = &d
		case strings.HasPrefix(key, variablePrefix):
			var v Variable
			if err := json.Unmarshal(data, &v); err != nil {
				m.logger.Printf("[host] Skipping unreadable variable %s: %v", key, err)
				continue
			}
			variables[strings.TrimPrefix(key, variablePrefix)] = &v
		}
	}
	for _, d := range devices {
		if d.States == nil {
			d.States = make(map[string]value.Value)
		}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.devices = devices
	m.variables = variables
	m.mu.Unlock()

	if legacy {
		if err := m.migrateSnapshot(devices, variables); err != nil {
			return err
		}
	}

	m.logger.Printf("[host] Registry restored: %d devices, %d variables", len(devices), len(variables))
	return nil
}

// migrateSnapshot rewrites a legacy snapshot as per-entry keys. Caller holds writeMu.
func (m *Memory) migrateSnapshot(devices map[string]*Device, variables map[string]*Variable) error {
	for id, d := range devices {
		if err := m.store.SetJSON(storageNamespace, devicePrefix+id, d); err != nil {
			return fmt.Errorf("failed to migrate registry snapshot: %w", err)
		}
	}
	for id, v := range variables {
		if err := m.store.SetJSON(storageNamespace, variablePrefix+id, v); err != nil {
			return fmt.Errorf("failed to migrate registry snapshot: %w", err)
		}
	}
	if err := m.store.Delete(storageNamespace, legacySnapshotKey); err != nil {
		return fmt.Errorf("failed to migrate registry snapshot: %w", err)
	}
	m.logger.Printf("[host] Registry snapshot migrated to %d entries", len(devices)+len(variables))
	return nil
}

// GetState returns the current value of a device state
func (m *Memory) GetState(deviceID, state string) (value.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return value.Unresolved(), fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	v, ok := d.States[state]
	if !ok {
		return value.Unresolved(), fmt.Errorf("%w: %s.%s", ErrStateNotFound, deviceID, state)
	}
	return v, nil
}

// GetVariable returns the current value of a variable
func (m *Memory) GetVariable(id string) (value.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vr, ok := m.variables[id]
	if !ok {
		return value.Unresolved(), fmt.Errorf("%w: %s", ErrVariableNotFound, id)
	}
	return vr.Value, nil
}

// SetState writes a device state, creating the device on first write
func (m *Memory) SetState(deviceID, state string, v value.Value) error {
	if deviceID == "" || state == "" {
		return errors.New("device id and state name are required")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	d, ok := m.devices[deviceID]
	if !ok {
		d = &Device{ID: deviceID, Name: deviceID, States: make(map[string]value.Value)}
		m.devices[deviceID] = d
	}
	d.States[state] = v
	d.Updated = m.now()
	cp := copyDevice(d)
	m.mu.Unlock()

	return m.persist(devicePrefix+deviceID, cp)
}

// SetDeviceName renames an existing device
func (m *Memory) SetDeviceName(deviceID, name string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	d, ok := m.devices[deviceID]
	var cp *Device
	if ok {
		d.Name = name
		cp = copyDevice(d)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return m.persist(devicePrefix+deviceID, cp)
}

// SetVariable writes a variable, creating it on first write
func (m *Memory) SetVariable(id string, v value.Value) error {
	if id == "" {
		return errors.New("variable id is required")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	vr, ok := m.variables[id]
	if !ok {
		vr = &Variable{ID: id, Name: id}
		m.variables[id] = vr
	}
	vr.Value = v
	vr.Updated = m.now()
	cp := *vr
	m.mu.Unlock()

	return m.persist(variablePrefix+id, &cp)
}

// RemoveDevice drops a device and all its states
func (m *Memory) RemoveDevice(deviceID string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	_, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return m.forget(devicePrefix + deviceID)
}

// RemoveVariable drops a variable
func (m *Memory) RemoveVariable(id string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	_, ok := m.variables[id]
	delete(m.variables, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrVariableNotFound, id)
	}
	return m.forget(variablePrefix + id)
}

// Devices lists devices sorted by name. Display-only ".ui" states are hidden.
func (m *Memory) Devices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		info := DeviceInfo{ID: d.ID, Name: d.Name, States: []string{}}
		for name := range d.States {
			if strings.HasSuffix(name, uiSuffix) {
				continue
			}
			info.States = append(info.States, name)
		}
		sort.Strings(info.States)
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Device returns a copy of one device including its values
func (m *Memory) Device(deviceID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return copyDevice(d), nil
}

func copyDevice(d *Device) *Device {
	cp := *d
	cp.States = make(map[string]value.Value, len(d.States))
	for k, v := range d.States {
		cp.States[k] = v
	}
	return &cp
}

// Variables lists variables sorted by name
func (m *Memory) Variables() []Variable {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Variable, 0, len(m.variables))
	for _, v := range m.variables {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// persist writes one entry. Callers hold writeMu and pass a copy.
func (m *Memory) persist(key string, entry interface{}) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SetJSON(storageNamespace, key, entry); err != nil {
		m.logger.Printf("[host] Failed to persist %s: %v", key, err)
		return fmt.Errorf("failed to persist registry entry %s: %w", key, err)
	}
	return nil
}

func (m *Memory) forget(key string) error {
	if m.store == nil {
		return nil
	}
	err := m.store.Delete(storageNamespace, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Printf("[host] Failed to delete %s: %v", key, err)
		return fmt.Errorf("failed to delete registry entry %s: %w", key, err)
	}
	return nil
}
