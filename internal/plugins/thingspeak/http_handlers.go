package thingspeak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tsbridge/internal/auth"
	"tsbridge/internal/channels"
	"tsbridge/internal/events"
	"tsbridge/internal/plugins"
	tsapi "tsbridge/internal/thingspeak"
)

const routePrefix = "/api/plugins/" + PluginName

// Routes returns the plugin's HTTP routes
func (p *Plugin) Routes() []plugins.Route {
	read := func(method, path string, h http.HandlerFunc) plugins.Route {
		return plugins.Route{Method: method, Path: routePrefix + path, Handler: h, RequireAuth: true}
	}
	write := func(method, path string, h http.HandlerFunc) plugins.Route {
		return plugins.Route{Method: method, Path: routePrefix + path, Handler: h, RequireAuth: true, RequireAdmin: true}
	}

	return []plugins.Route{
		read(http.MethodGet, "/channels", p.handleListChannels),
		write(http.MethodPost, "/channels", p.handleCreateChannel),
		write(http.MethodPost, "/channels/enable-all", p.handleSetAllEnabled(true)),
		write(http.MethodPost, "/channels/disable-all", p.handleSetAllEnabled(false)),
		read(http.MethodGet, "/channels/{id}", p.handleGetChannel),
		write(http.MethodPut, "/channels/{id}", p.handleUpdateChannel),
		write(http.MethodDelete, "/channels/{id}", p.handleDeleteChannel),
		write(http.MethodPost, "/channels/{id}/enable", p.handleSetEnabled(true)),
		write(http.MethodPost, "/channels/{id}/disable", p.handleSetEnabled(false)),

		read(http.MethodGet, "/status", p.handleStatus),
		write(http.MethodPost, "/upload-now", p.handleUploadNow),
		read(http.MethodGet, "/settings", p.handleGetSettings),
		write(http.MethodPost, "/settings", p.handleUpdateSettings),
		read(http.MethodGet, "/history", p.handleHistory),

		read(http.MethodGet, "/remote/channels", p.handleListRemote),
		write(http.MethodPost, "/remote/channels", p.handleCreateRemote),
		write(http.MethodPut, "/remote/channels/{id}", p.handleUpdateRemote),
		write(http.MethodDelete, "/remote/channels/{id}", p.handleDeleteRemote),
		write(http.MethodDelete, "/remote/channels/{id}/feeds", p.handleClearRemote),
	}
}

// ChannelRequest is the editable part of a channel. Interval is in seconds.
type ChannelRequest struct {
	Name     string                                 `json:"name"`
	Enabled  bool                                   `json:"enabled"`
	WriteKey string                                 `json:"writeKey"`
	Fields   [tsapi.MaxFields]channels.FieldBinding `json:"fields"`
	Interval int                                    `json:"interval"`
	Host     string                                 `json:"host,omitempty"`
	Geo      *channels.Geo                          `json:"geo,omitempty"`
	Twitter  string                                 `json:"twitter,omitempty"`
	Tweet    string                                 `json:"tweet,omitempty"`
}

func (req *ChannelRequest) apply(ch *channels.Channel) {
	ch.Name = strings.TrimSpace(req.Name)
	ch.Enabled = req.Enabled
	ch.WriteKey = req.WriteKey
	ch.Fields = req.Fields
	for i := range ch.Fields {
		if ch.Fields[i].Kind == "" {
			ch.Fields[i].Kind = channels.BindingNone
		}
	}
	ch.Interval = time.Duration(req.Interval) * time.Second
	ch.Host = strings.TrimSpace(req.Host)
	ch.Geo = req.Geo
	ch.Twitter = req.Twitter
	ch.Tweet = req.Tweet
	ch.Configured = true
}

// ChannelView is a channel with its upload state
type ChannelView struct {
	ID         string                                 `json:"id"`
	Name       string                                 `json:"name"`
	Enabled    bool                                   `json:"enabled"`
	Configured bool                                   `json:"configured"`
	WriteKey   string                                 `json:"writeKey"`
	Fields     [tsapi.MaxFields]channels.FieldBinding `json:"fields"`
	Interval   int                                    `json:"interval"`
	Host       string                                 `json:"host,omitempty"`
	Geo        *channels.Geo                          `json:"geo,omitempty"`
	Twitter    string                                 `json:"twitter,omitempty"`
	Tweet      string                                 `json:"tweet,omitempty"`
	Status     string                                 `json:"status"`
	Phase      channels.Phase                         `json:"phase"`
	State      *channels.ChannelState                 `json:"state"`
}

func (p *Plugin) view(ch *channels.Channel, phases map[string]channels.Phase) ChannelView {
	st, err := p.store.GetState(ch.ID)
	if err != nil {
		st = channels.NewChannelState()
	}
	phase, ok := phases[ch.ID]
	if !ok {
		phase = channels.PhaseIdle
	}
	return ChannelView{
		ID:         ch.ID,
		Name:       ch.Name,
		Enabled:    ch.Enabled,
		Configured: ch.Configured,
		WriteKey:   ch.WriteKey,
		Fields:     ch.Fields,
		Interval:   int(ch.Interval / time.Second),
		Host:       ch.Host,
		Geo:        ch.Geo,
		Twitter:    ch.Twitter,
		Tweet:      ch.Tweet,
		Status:     displayStatus(ch, st),
		Phase:      phase,
		State:      st,
	}
}

func (p *Plugin) event(r *http.Request, t events.EventType, channelID string, success bool, details string) {
	if es := p.Deps().EventStore; es != nil {
		es.AddChannel(t, auth.UsernameFromContext(r.Context()), channelID, success, details)
	}
}

// channelError maps store errors to HTTP answers
func channelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, channels.ErrChannelNotFound):
		plugins.WriteError(w, http.StatusNotFound, "Channel not found")
	case errors.Is(err, channels.ErrInvalidChannel):
		plugins.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		plugins.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func (p *Plugin) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chs, err := p.store.ListChannels()
	if err != nil {
		channelError(w, err)
		return
	}
	phases := p.scheduler.Phases()
	views := make([]ChannelView, 0, len(chs))
	for _, ch := range chs {
		views = append(views, p.view(ch, phases))
	}
	plugins.WriteJSON(w, http.StatusOK, views)
}

func (p *Plugin) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := p.store.GetChannel(chi.URLParam(r, "id"))
	if err != nil {
		channelError(w, err)
		return
	}
	plugins.WriteJSON(w, http.StatusOK, p.view(ch, p.scheduler.Phases()))
}

func (p *Plugin) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ch := &channels.Channel{}
	req.apply(ch)
	if err := p.store.CreateChannel(ch); err != nil {
		channelError(w, err)
		return
	}

	p.event(r, events.EventChannelCreate, ch.ID, true, ch.Name)
	p.Logf("Channel %s created", ch.Name)
	if p.mqttActive() {
		p.publishAll()
	}
	plugins.WriteJSON(w, http.StatusCreated, p.view(ch, nil))
}

func (p *Plugin) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := p.store.GetChannel(chi.URLParam(r, "id"))
	if err != nil {
		channelError(w, err)
		return
	}

	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	renamed := ch.Name != strings.TrimSpace(req.Name)
	req.apply(ch)
	if err := ch.Validate(); err != nil {
		channelError(w, err)
		return
	}
	if err := p.store.SaveChannel(ch); err != nil {
		channelError(w, err)
		return
	}

	p.event(r, events.EventChannelUpdate, ch.ID, true, ch.Name)
	if renamed && p.mqttActive() {
		p.publishAll()
	}
	plugins.WriteJSON(w, http.StatusOK, p.view(ch, p.scheduler.Phases()))
}

func (p *Plugin) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := p.store.GetChannel(chi.URLParam(r, "id"))
	if err != nil {
		channelError(w, err)
		return
	}
	if err := p.store.DeleteChannel(ch.ID); err != nil {
		channelError(w, err)
		return
	}

	p.forgetChannel(ch)
	p.event(r, events.EventChannelDelete, ch.ID, true, ch.Name)
	p.Logf("Channel %s deleted", ch.Name)
	plugins.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (p *Plugin) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := p.store.GetChannel(chi.URLParam(r, "id"))
		if err != nil {
			channelError(w, err)
			return
		}
		ch.Enabled = enabled
		if err := p.store.SaveChannel(ch); err != nil {
			channelError(w, err)
			return
		}

		p.event(r, enableEvent(enabled), ch.ID, true, ch.Name)
		p.publishOne(ch)
		plugins.WriteJSON(w, http.StatusOK, p.view(ch, p.scheduler.Phases()))
	}
}

// handleSetAllEnabled switches every channel on or off at once
func (p *Plugin) handleSetAllEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chs, err := p.store.ListChannels()
		if err != nil {
			channelError(w, err)
			return
		}

		changed := 0
		for _, ch := range chs {
			if ch.Enabled == enabled {
				continue
			}
			ch.Enabled = enabled
			if err := p.store.SaveChannel(ch); err != nil {
				channelError(w, err)
				return
			}
			changed++
			p.publishOne(ch)
		}

		p.event(r, enableEvent(enabled), "", true, fmt.Sprintf("%d channels", changed))
		plugins.WriteJSON(w, http.StatusOK, map[string]int{"changed": changed})
	}
}

func enableEvent(enabled bool) events.EventType {
	if enabled {
		return events.EventChannelEnable
	}
	return events.EventChannelDisable
}

func (p *Plugin) publishOne(ch *channels.Channel) {
	if !p.mqttActive() {
		return
	}
	st, err := p.store.GetState(ch.ID)
	if err != nil {
		return
	}
	if err := p.Deps().MQTTPublisher.PublishChannelStatus(channelStatus(ch, st)); err != nil {
		p.Logf("Failed to publish channel %s: %v", ch.Name, err)
	}
}

// StatusResponse summarizes the bridge
type StatusResponse struct {
	Host      string                    `json:"host"`
	Triggered bool                      `json:"uploadNowPending"`
	Settings  Settings                  `json:"settings"`
	Channels  int                       `json:"channels"`
	Healthy   int                       `json:"healthy"`
	Failed    int                       `json:"failed"`
	Phases    map[string]channels.Phase `json:"phases"`
	MQTT      MQTTStatus                `json:"mqtt"`
}

// MQTTStatus reports the broker connection
type MQTTStatus struct {
	Enabled    bool   `json:"enabled"`
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	Prefix     string `json:"prefix,omitempty"`
}

func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	chs, err := p.store.ListChannels()
	if err != nil {
		channelError(w, err)
		return
	}

	resp := StatusResponse{
		Host:      p.client.Host(),
		Triggered: p.scheduler.Triggered(),
		Settings:  p.Settings(),
		Channels:  len(chs),
		Phases:    p.scheduler.Phases(),
	}
	for _, ch := range chs {
		st, err := p.store.GetState(ch.ID)
		if err != nil {
			continue
		}
		switch st.Health {
		case channels.HealthSuccess:
			resp.Healthy++
		case channels.HealthFailed:
			resp.Failed++
		}
	}

	deps := p.Deps()
	resp.MQTT.Enabled = resp.Settings.MQTTEnabled
	if deps.MQTTClient != nil {
		resp.MQTT.Configured = true
		resp.MQTT.Connected = deps.MQTTClient.IsConnected()
		resp.MQTT.Prefix = deps.MQTTClient.Prefix()
	}

	plugins.WriteJSON(w, http.StatusOK, resp)
}

func (p *Plugin) handleUploadNow(w http.ResponseWriter, r *http.Request) {
	p.scheduler.TriggerUploadNow()
	p.event(r, events.EventUploadNow, "", true, "")
	p.Logf("Manual upload requested by %s", auth.UsernameFromContext(r.Context()))
	plugins.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "Upload scheduled for the next tick"})
}

func (p *Plugin) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	plugins.WriteJSON(w, http.StatusOK, p.Settings())
}

func (p *Plugin) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.Validate(); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	deps := p.Deps()
	if err := saveSettings(deps.Storage, p.Name(), s); err != nil {
		p.Logf("%v", err)
		plugins.WriteError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	old := p.Settings()
	p.mu.Lock()
	p.settings = s
	p.mu.Unlock()
	p.scheduler.SetSettings(s.Scheduler())

	if s.MQTTEnabled != old.MQTTEnabled {
		p.toggleMQTT(s.MQTTEnabled)
	}
	if s.DebugLevel >= 3 && old.DebugLevel < 3 {
		p.Logf("Debug level 3 logs full upload parameters including write keys")
	}

	p.event(r, events.EventSettingsUpdate, "", true, "")
	plugins.WriteJSON(w, http.StatusOK, s)
}

func (p *Plugin) toggleMQTT(enabled bool) {
	deps := p.Deps()
	if deps.MQTTClient == nil {
		return
	}
	if enabled {
		p.connectMQTT()
		if p.mqttActive() {
			p.publishAll()
		}
		return
	}
	if deps.MQTTClient.IsConnected() {
		if err := deps.MQTTClient.PublishWithQoS(availabilityTopic, 1, true, "offline"); err != nil {
			p.Logf("Failed to publish availability: %v", err)
		}
	}
}

func (p *Plugin) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= p.historyLimit {
		limit = l
	}

	records, err := p.Deps().Storage.RecentUploads(r.URL.Query().Get("channel"), limit)
	if err != nil {
		plugins.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	plugins.WriteJSON(w, http.StatusOK, map[string]interface{}{"uploads": records})
}

// Remote channel management

// RemoteChannelRequest creates or updates a remote channel.
// LinkChannelID stores the write key of a new remote channel in that local channel.
type RemoteChannelRequest struct {
	tsapi.ChannelSettings
	LinkChannelID string `json:"linkChannelId,omitempty"`
}

// remoteCall checks the account key and bounds the request by the configured timeout
func (p *Plugin) remoteCall(w http.ResponseWriter, r *http.Request) (context.Context, context.CancelFunc, string, bool) {
	deps := p.Deps()
	key := ""
	if deps.Config != nil {
		key = deps.Config.ThingSpeakUserKey()
	}
	if key == "" {
		plugins.WriteError(w, http.StatusBadRequest, "ThingSpeak user API key is not configured")
		return nil, nil, "", false
	}
	timeout := time.Duration(p.Settings().RequestTimeout) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	return ctx, cancel, key, true
}

func remoteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid remote channel id")
		return 0, false
	}
	return id, true
}

// remoteError maps a service error to an HTTP answer
func remoteError(w http.ResponseWriter, err error) {
	var tsErr *tsapi.Error
	if errors.As(err, &tsErr) {
		switch tsErr.Kind {
		case tsapi.KindRejected:
			status := http.StatusBadGateway
			if tsErr.StatusCode == http.StatusNotFound {
				status = http.StatusNotFound
			}
			plugins.WriteError(w, status, tsErr.Reason)
			return
		case tsapi.KindTimeout:
			plugins.WriteError(w, http.StatusGatewayTimeout, tsErr.Reason)
			return
		case tsapi.KindNoConnectivity:
			plugins.WriteError(w, http.StatusServiceUnavailable, tsErr.Reason)
			return
		}
	}
	plugins.WriteError(w, http.StatusBadGateway, err.Error())
}

func (p *Plugin) handleListRemote(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, key, ok := p.remoteCall(w, r)
	if !ok {
		return
	}
	defer cancel()

	list, err := p.client.ListChannels(ctx, key)
	if err != nil {
		remoteError(w, err)
		return
	}
	plugins.WriteJSON(w, http.StatusOK, list)
}

func (p *Plugin) handleCreateRemote(w http.ResponseWriter, r *http.Request) {
	var req RemoteChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		plugins.WriteError(w, http.StatusBadRequest, "Name is required")
		return
	}

	var local *channels.Channel
	if req.LinkChannelID != "" {
		ch, err := p.store.GetChannel(req.LinkChannelID)
		if err != nil {
			channelError(w, err)
			return
		}
		local = ch
	}

	ctx, cancel, key, ok := p.remoteCall(w, r)
	if !ok {
		return
	}
	defer cancel()

	rc, err := p.client.CreateChannel(ctx, key, &req.ChannelSettings)
	if err != nil {
		p.event(r, events.EventRemoteChannelCreate, req.LinkChannelID, false, err.Error())
		remoteError(w, err)
		return
	}

	if local != nil && rc.WriteKey() != "" {
		local.WriteKey = rc.WriteKey()
		if err := p.store.SaveChannel(local); err != nil {
			channelError(w, err)
			return
		}
	}

	p.event(r, events.EventRemoteChannelCreate, req.LinkChannelID, true, fmt.Sprintf("remote channel %d", rc.ID))
	plugins.WriteJSON(w, http.StatusCreated, rc)
}

func (p *Plugin) handleUpdateRemote(w http.ResponseWriter, r *http.Request) {
	id, ok := remoteID(w, r)
	if !ok {
		return
	}
	var req RemoteChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		plugins.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel, key, ok := p.remoteCall(w, r)
	if !ok {
		return
	}
	defer cancel()

	rc, err := p.client.UpdateChannel(ctx, key, id, &req.ChannelSettings)
	if err != nil {
		remoteError(w, err)
		return
	}
	p.event(r, events.EventRemoteChannelUpdate, "", true, fmt.Sprintf("remote channel %d", id))
	plugins.WriteJSON(w, http.StatusOK, rc)
}

func (p *Plugin) handleDeleteRemote(w http.ResponseWriter, r *http.Request) {
	id, ok := remoteID(w, r)
	if !ok {
		return
	}
	ctx, cancel, key, ok := p.remoteCall(w, r)
	if !ok {
		return
	}
	defer cancel()

	if err := p.client.DeleteChannel(ctx, key, id); err != nil {
		remoteError(w, err)
		return
	}
	p.event(r, events.EventRemoteChannelDelete, "", true, fmt.Sprintf("remote channel %d", id))
	plugins.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (p *Plugin) handleClearRemote(w http.ResponseWriter, r *http.Request) {
	id, ok := remoteID(w, r)
	if !ok {
		return
	}
	ctx, cancel, key, ok := p.remoteCall(w, r)
	if !ok {
		return
	}
	defer cancel()

	if err := p.client.ClearChannel(ctx, key, id); err != nil {
		remoteError(w, err)
		return
	}
	p.event(r, events.EventRemoteChannelClear, "", true, fmt.Sprintf("remote channel %d", id))
	plugins.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
