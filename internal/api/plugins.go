package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tsbridge/internal/auth"
	"tsbridge/internal/events"
	"tsbridge/internal/plugins"
)

// PluginHandler manages plugins
type PluginHandler struct {
	registry   *plugins.Registry
	eventStore *events.Store
}

// NewPluginHandler creates new plugin handler
func NewPluginHandler(registry *plugins.Registry, eventStore *events.Store) *PluginHandler {
	return &PluginHandler{registry: registry, eventStore: eventStore}
}

// List handles GET /api/plugins
func (h *PluginHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeJSON(w, http.StatusOK, []*plugins.PluginInfo{})
		return
	}
	writeJSON(w, http.StatusOK, h.registry.ListInfo())
}

// Get handles GET /api/plugins/{name}
func (h *PluginHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, http.StatusNotFound, "Plugin not found")
		return
	}
	info, err := h.registry.GetInfo(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Plugin not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Enable handles POST /api/plugins/{name}/enable
func (h *PluginHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

// Disable handles POST /api/plugins/{name}/disable
func (h *PluginHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

func (h *PluginHandler) toggle(w http.ResponseWriter, r *http.Request, enable bool) {
	if h.registry == nil {
		writeError(w, http.StatusNotFound, "Plugin not found")
		return
	}

	name := chi.URLParam(r, "name")
	eventType := events.EventPluginDisable
	var err error
	if enable {
		eventType = events.EventPluginEnable
		err = h.registry.EnablePlugin(r.Context(), name)
	} else {
		err = h.registry.DisablePlugin(r.Context(), name)
	}

	username := auth.UsernameFromContext(r.Context())
	if errors.Is(err, plugins.ErrPluginNotFound) {
		writeError(w, http.StatusNotFound, "Plugin not found")
		return
	}
	if err != nil {
		h.eventStore.Add(eventType, username, getClientIP(r), false, err.Error())
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.eventStore.Add(eventType, username, getClientIP(r), true, name)
	info, _ := h.registry.GetInfo(name)
	writeJSON(w, http.StatusOK, info)
}
