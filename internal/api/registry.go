package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tsbridge/internal/host"
	"tsbridge/internal/value"
)

// RegistryHandler exposes the device and variable registry
type RegistryHandler struct {
	registry *host.Memory
}

// NewRegistryHandler creates new registry handler
func NewRegistryHandler(registry *host.Memory) *RegistryHandler {
	return &RegistryHandler{registry: registry}
}

// ValueRequest is the body of the state and variable writes
type ValueRequest struct {
	Value interface{} `json:"value"`
}

func decodeValue(w http.ResponseWriter, r *http.Request) (value.Value, bool) {
	var req ValueRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return value.Value{}, false
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return value.Value{}, false
	}
	return value.FromAny(req.Value), true
}

func registryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, host.ErrDeviceNotFound), errors.Is(err, host.ErrVariableNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ListDevices handles GET /api/devices
func (h *RegistryHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Devices())
}

// GetDevice handles GET /api/devices/{id}
func (h *RegistryHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.Device(chi.URLParam(r, "id"))
	if err != nil {
		registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RenameDevice handles PUT /api/devices/{id}
func (h *RegistryHandler) RenameDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.registry.SetDeviceName(chi.URLParam(r, "id"), strings.TrimSpace(req.Name)); err != nil {
		registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteDevice handles DELETE /api/devices/{id}
func (h *RegistryHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.RemoveDevice(chi.URLParam(r, "id")); err != nil {
		registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SetState handles PUT /api/devices/{id}/states/{state}
func (h *RegistryHandler) SetState(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if err := h.registry.SetState(chi.URLParam(r, "id"), chi.URLParam(r, "state"), v); err != nil {
		registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": v})
}

// ListVariables handles GET /api/variables
func (h *RegistryHandler) ListVariables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Variables())
}

// SetVariable handles PUT /api/variables/{id}
func (h *RegistryHandler) SetVariable(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if err := h.registry.SetVariable(chi.URLParam(r, "id"), v); err != nil {
		registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": v})
}

// DeleteVariable handles DELETE /api/variables/{id}
func (h *RegistryHandler) DeleteVariable(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.RemoveVariable(chi.URLParam(r, "id")); err != nil {
		registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
