package hwmon

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tsbridge/internal/plugins"
)

// Settings is the request and response body of the settings endpoint
type Settings struct {
	UpdateInterval int    `json:"updateInterval"` // seconds
	DeviceID       string `json:"deviceId"`
}

// DataResponse is the last sample
type DataResponse struct {
	DeviceID string    `json:"deviceId"`
	Readings []Reading `json:"readings"`
	Updated  time.Time `json:"updated"`
}

func (p *Plugin) handleGetData(w http.ResponseWriter, r *http.Request) {
	readings, updated := p.Readings()
	plugins.WriteJSON(w, http.StatusOK, DataResponse{
		DeviceID: p.DeviceID(),
		Readings: readings,
		Updated:  updated,
	})
}

func (p *Plugin) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	plugins.WriteJSON(w, http.StatusOK, Settings{
		UpdateInterval: int(p.Interval() / time.Second),
		DeviceID:       p.DeviceID(),
	})
}

func (p *Plugin) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		req.DeviceID = DefaultDeviceID
	}
	if req.UpdateInterval < minUpdateInterval || req.UpdateInterval > maxUpdateInterval {
		plugins.WriteError(w, http.StatusBadRequest, "Update interval must be between 5 and 300 seconds")
		return
	}

	store := p.Deps().Storage
	if err := store.SetInt(p.Name(), keyUpdateInterval, req.UpdateInterval); err != nil {
		p.Logf("Failed to save settings: %v", err)
		plugins.WriteError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}
	if err := store.SetString(p.Name(), keyDeviceID, req.DeviceID); err != nil {
		p.Logf("Failed to save settings: %v", err)
		plugins.WriteError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	interval := time.Duration(req.UpdateInterval) * time.Second

	p.mu.Lock()
	changed := p.interval != interval
	if p.deviceID != req.DeviceID {
		p.deviceID = req.DeviceID
		p.named = false
	}
	p.interval = interval
	p.mu.Unlock()

	if changed {
		p.restartLoop()
	}

	p.Logf("Settings updated: interval %v, device %s", interval, req.DeviceID)
	plugins.WriteJSON(w, http.StatusOK, req)
}
