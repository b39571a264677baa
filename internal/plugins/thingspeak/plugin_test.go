package thingspeak

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsbridge/internal/channels"
	"tsbridge/internal/config"
	"tsbridge/internal/events"
	"tsbridge/internal/host"
	"tsbridge/internal/metrics"
	"tsbridge/internal/plugins"
	"tsbridge/internal/storage"
	tsapi "tsbridge/internal/thingspeak"
	"tsbridge/internal/value"
)

const testWriteKey = "ABCDEFGHIJKLMNOP"

// upstream fakes the service and records the requests it saw
type upstream struct {
	mu      sync.Mutex
	updates []string
	remote  []string
	delay   time.Duration
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	u.mu.Lock()
	delay := u.delay
	u.mu.Unlock()
	time.Sleep(delay)

	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case r.URL.Path == "/update.json":
		u.updates = append(u.updates, r.URL.RawQuery)
		w.Write([]byte(`{"channel_id":7,"entry_id":42,"created_at":"2024-06-01T12:00:00Z","field1":"21.5"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/channels.json":
		u.remote = append(u.remote, "list")
		w.Write([]byte(`[{"id":11,"name":"Garden"}]`))
	case r.Method == http.MethodPost && r.URL.Path == "/channels.json":
		u.remote = append(u.remote, "create:"+r.Form.Get("name"))
		w.Write([]byte(`{"id":12,"name":"` + r.Form.Get("name") + `","api_keys":[{"api_key":"NEWWRITEKEY12345","write_flag":true}]}`))
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/channels/99"):
		u.remote = append(u.remote, "delete")
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodDelete && r.URL.Path == "/channels/12/feeds.json":
		u.remote = append(u.remote, "clear")
		w.Write([]byte(`[]`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (u *upstream) calls() ([]string, []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.updates...), append([]string(nil), u.remote...)
}

type fixture struct {
	plugin   *Plugin
	router   chi.Router
	store    *storage.BoltStorage
	registry *host.Memory
	events   *events.Store
	metrics  *metrics.Metrics
	cfg      *config.Config
	upstream *upstream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStorage(filepath.Join(dir, "tsbridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg, err := config.Load(filepath.Join(dir, ".env"))
	require.NoError(t, err)

	up := &upstream{}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	logger := log.New(io.Discard, "", 0)
	registry := host.NewMemory(store, logger)
	require.NoError(t, registry.SetState("pool", "temperature", value.Number(21.5)))

	f := &fixture{
		plugin:   New(),
		store:    store,
		registry: registry,
		events:   events.NewStore(100),
		metrics:  metrics.New(false),
		cfg:      cfg,
		upstream: up,
	}

	deps := &plugins.PluginDependencies{
		Config:     cfg,
		EventStore: f.events,
		Logger:     logger,
		Storage:    store,
		Registry:   registry,
		ThingSpeak: tsapi.NewClient(strings.TrimPrefix(srv.URL, "http://"), tsapi.WithScheme("http")),
		Metrics:    f.metrics,
	}
	require.NoError(t, f.plugin.Init(context.Background(), deps))
	require.NoError(t, f.plugin.Start(context.Background()))

	r := chi.NewRouter()
	for _, route := range f.plugin.Routes() {
		r.Method(route.Method, route.Path, route.Handler)
	}
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, routePrefix+path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func poolChannel() ChannelRequest {
	req := ChannelRequest{Name: "Pool", Enabled: true, WriteKey: testWriteKey}
	req.Fields[0] = channels.FieldBinding{Kind: channels.BindingDeviceState, DeviceID: "pool", State: "temperature"}
	return req
}

func TestRoutesRequireAuth(t *testing.T) {
	p := New()
	for _, r := range p.Routes() {
		assert.True(t, r.RequireAuth, r.Path)
		assert.True(t, strings.HasPrefix(r.Path, routePrefix), r.Path)
		if r.Method != http.MethodGet {
			assert.True(t, r.RequireAdmin, "%s %s", r.Method, r.Path)
		}
	}
}

func TestSettingsLoadSave(t *testing.T) {
	f := newFixture(t)

	s, err := loadSettings(f.store, PluginName)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)

	s.UploadInterval = 60
	s.Latitude = 52.52
	s.TimeZone = "Europe/Berlin"
	require.NoError(t, saveSettings(f.store, PluginName, s))

	loaded, err := loadSettings(f.store, PluginName)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)

	// out of range values fall back to defaults
	require.NoError(t, f.store.SetInt(PluginName, keyTickInterval, 9))
	loaded, err = loadSettings(f.store, PluginName)
	assert.Error(t, err)
	assert.Equal(t, DefaultSettings(), loaded)
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"interval too short", func(s *Settings) { s.UploadInterval = 5 }},
		{"timeout too long", func(s *Settings) { s.RequestTimeout = 61 }},
		{"tick zero", func(s *Settings) { s.TickInterval = 0 }},
		{"latitude", func(s *Settings) { s.Latitude = 91 }},
		{"longitude", func(s *Settings) { s.Longitude = -181 }},
		{"debug level", func(s *Settings) { s.DebugLevel = 4 }},
		{"time zone", func(s *Settings) { s.TimeZone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(&s)
			assert.Error(t, s.Validate())
		})
	}
	assert.NoError(t, DefaultSettings().Validate())
}

func TestChannelCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/channels", poolChannel())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ChannelView](t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, channels.DisplayEnabled, created.Status)
	assert.True(t, created.Configured)

	rec = f.do(t, http.MethodPost, "/channels", ChannelRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ChannelView](t, rec), 1)

	update := poolChannel()
	update.Name = "Pool house"
	update.Interval = 60
	rec = f.do(t, http.MethodPut, "/channels/"+created.ID, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Pool house", decode[ChannelView](t, rec).Name)

	update.Interval = 5
	rec = f.do(t, http.MethodPut, "/channels/"+created.ID, update)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/channels/"+created.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[ChannelView](t, rec)
	assert.False(t, view.Enabled)
	assert.Equal(t, channels.DisplayDisabled, view.Status)

	rec = f.do(t, http.MethodDelete, "/channels/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/channels/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	types := []events.EventType{}
	for _, e := range f.events.GetLast(10) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.EventChannelCreate)
	assert.Contains(t, types, events.EventChannelDisable)
	assert.Contains(t, types, events.EventChannelDelete)
}

func TestEnableDisableAll(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b"} {
		req := poolChannel()
		req.Name = name
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/channels", req).Code)
	}

	rec := f.do(t, http.MethodPost, "/channels/disable-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["changed"])

	chs, err := f.plugin.Store().ListChannels()
	require.NoError(t, err)
	for _, ch := range chs {
		assert.False(t, ch.Enabled)
	}

	rec = f.do(t, http.MethodPost, "/channels/disable-all", nil)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["changed"])

	rec = f.do(t, http.MethodPost, "/channels/enable-all", nil)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["changed"])
}

func TestUploadNowAndSweep(t *testing.T) {
	f := newFixture(t)
	created := decode[ChannelView](t, f.do(t, http.MethodPost, "/channels", poolChannel()))

	rec := f.do(t, http.MethodPost, "/upload-now", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[StatusResponse](t, f.do(t, http.MethodGet, "/status", nil)).Triggered)

	require.NoError(t, f.plugin.sweep(context.Background()))
	updates, _ := f.upstream.calls()
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0], "api_key="+testWriteKey)
	assert.Contains(t, updates[0], "field1=21.5")

	view := decode[ChannelView](t, f.do(t, http.MethodGet, "/channels/"+created.ID, nil))
	assert.Equal(t, channels.HealthSuccess, view.State.Health)
	assert.Equal(t, int64(42), view.State.EntryID)
	assert.Equal(t, channels.PhaseIdle, view.Phase)

	status := decode[StatusResponse](t, f.do(t, http.MethodGet, "/status", nil))
	assert.False(t, status.Triggered)
	assert.Equal(t, 1, status.Channels)
	assert.Equal(t, 1, status.Healthy)
	assert.False(t, status.MQTT.Configured)

	rec = f.do(t, http.MethodGet, "/history?channel="+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Uploads []storage.UploadRecord `json:"uploads"`
	}](t, rec)
	require.Len(t, history.Uploads, 1)
	assert.Equal(t, string(channels.OutcomeUploaded), history.Uploads[0].Result)
	assert.Equal(t, int64(42), history.Uploads[0].EntryID)

	// not due again right away
	require.NoError(t, f.plugin.sweep(context.Background()))
	updates, _ = f.upstream.calls()
	assert.Len(t, updates, 1)

	last := f.events.Filter(1, events.EventUploadSuccess)
	require.Len(t, last, 1)
	assert.Equal(t, "entry 42", last[0].Details)
}

func TestUploadOutlastsClientDefaultBound(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/channels", poolChannel()).Code)

	// the client bound is far below the requestTimeout setting
	deps := *f.plugin.Deps()
	deps.ThingSpeak = tsapi.NewClient(deps.ThingSpeak.Host(), tsapi.WithScheme("http"), tsapi.WithTimeout(50*time.Millisecond))
	p := New()
	require.NoError(t, p.Init(context.Background(), &deps))
	require.Equal(t, 10, p.Settings().RequestTimeout)

	f.upstream.mu.Lock()
	f.upstream.delay = 150 * time.Millisecond
	f.upstream.mu.Unlock()

	report := p.RunSweep(context.Background(), true)
	require.Len(t, report.Results, 1)
	assert.Equal(t, channels.OutcomeUploaded, report.Results[0].Outcome, report.Results[0].Reason)
	assert.Equal(t, int64(42), report.Results[0].EntryID)
}

func TestSweepSkipEventDeduped(t *testing.T) {
	f := newFixture(t)
	req := poolChannel()
	req.WriteKey = ""
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/channels", req).Code)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.plugin.sweep(context.Background()))
	}
	updates, _ := f.upstream.calls()
	assert.Empty(t, updates)
	assert.Len(t, f.events.Filter(10, events.EventChannelSkipped), 1)
}

func TestSettingsHandlers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultSettings(), decode[Settings](t, rec))

	bad := DefaultSettings()
	bad.TickInterval = 9
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/settings", bad).Code)

	s := DefaultSettings()
	s.UploadInterval = 120
	s.Longitude = 13.4
	rec = f.do(t, http.MethodPost, "/settings", s)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, s, f.plugin.Settings())
	assert.Equal(t, 13.4, f.plugin.Scheduler().Settings().Longitude)

	stored, err := loadSettings(f.store, PluginName)
	require.NoError(t, err)
	assert.Equal(t, s, stored)
	assert.Len(t, f.events.Filter(1, events.EventSettingsUpdate), 1)
}

func TestRemoteChannels(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/remote/channels", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, f.cfg.SetThingSpeakUserKey("USERKEY"))

	rec = f.do(t, http.MethodGet, "/remote/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[[]tsapi.RemoteChannel](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "Garden", list[0].Name)

	local := decode[ChannelView](t, f.do(t, http.MethodPost, "/channels", ChannelRequest{Name: "Pool"}))

	body := RemoteChannelRequest{LinkChannelID: local.ID}
	body.Name = "Pool"
	rec = f.do(t, http.MethodPost, "/remote/channels", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(12), decode[tsapi.RemoteChannel](t, rec).ID)

	ch, err := f.plugin.Store().GetChannel(local.ID)
	require.NoError(t, err)
	assert.Equal(t, "NEWWRITEKEY12345", ch.WriteKey)

	rec = f.do(t, http.MethodDelete, "/remote/channels/12/feeds", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/remote/channels/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/remote/channels/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, remote := f.upstream.calls()
	assert.Equal(t, []string{"list", "create:Pool", "clear", "delete"}, remote)
}
