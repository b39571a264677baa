package channels

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsbridge/internal/host"
	"tsbridge/internal/thingspeak"
	"tsbridge/internal/value"
)

const testKey = "ABCDEFGHIJKLMNOP"

type memStore struct {
	mu       sync.Mutex
	channels map[string]*Channel
	states   map[string]*ChannelState
	saves    int
}

func newMemStore(chs ...*Channel) *memStore {
	s := &memStore{channels: map[string]*Channel{}, states: map[string]*ChannelState{}}
	for _, ch := range chs {
		s.channels[ch.ID] = ch
	}
	return s
}

func (s *memStore) ListChannels() ([]*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		cp := *ch
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memStore) GetChannel(id string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *memStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
	delete(s.states, id)
}

func (s *memStore) channel(id string) *Channel {
	ch, _ := s.GetChannel(id)
	return ch
}

func (s *memStore) SaveChannel(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.channels[ch.ID] = &cp
	s.saves++
	return nil
}

func (s *memStore) GetState(id string) (*ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		cp := *st
		return &cp, nil
	}
	return NewChannelState(), nil
}

func (s *memStore) SaveState(id string, st *ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.states[id] = &cp
	return nil
}

func (s *memStore) state(id string) *ChannelState {
	st, _ := s.GetState(id)
	return st
}

type fakeUploader struct {
	mu       sync.Mutex
	requests []*thingspeak.UpdateRequest
	respond  func(r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error)
	ctxs     []context.Context
}

func (u *fakeUploader) Update(ctx context.Context, r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error) {
	u.mu.Lock()
	u.requests = append(u.requests, r)
	u.ctxs = append(u.ctxs, ctx)
	u.mu.Unlock()
	if u.respond != nil {
		return u.respond(r)
	}
	return &thingspeak.UpdateResponse{ChannelID: 1, EntryID: 1, Status: "0", CreatedAt: "2024-01-01T00:00:00Z"}, nil
}

func (u *fakeUploader) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type schedulerFixture struct {
	store    *memStore
	registry *host.Memory
	uploader *fakeUploader
	clock    *fakeClock
	sched    *Scheduler
}

func newFixture(t *testing.T, chs ...*Channel) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		store:    newMemStore(chs...),
		registry: host.NewMemory(nil, nil),
		uploader: &fakeUploader{},
		clock:    &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	settings := DefaultSettings()
	settings.Latitude = 52.52
	settings.Longitude = 13.405
	settings.Elevation = 34
	settings.Location = time.UTC
	f.sched = NewScheduler(f.store, f.registry, f.uploader, log.New(io.Discard, "", 0),
		WithClock(f.clock), WithSettings(settings))
	return f
}

func boundChannel(id string) *Channel {
	ch := &Channel{
		ID:            id,
		Name:          "channel " + id,
		Enabled:       true,
		Configured:    true,
		WriteKey:      testKey,
		SchemaVersion: CurrentSchemaVersion,
	}
	ch.Fields[0] = FieldBinding{Kind: BindingDeviceState, DeviceID: "sensor", State: "temperature"}
	return ch
}

func TestSweepEndToEnd(t *testing.T) {
	f := newFixture(t, boundChannel("a"))
	require.NoError(t, f.registry.SetState("sensor", "temperature", value.Text("21.5")))

	f.uploader.respond = func(r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error) {
		resp, ok := thingspeak.DecodeUpdateResponse([]byte(`{"status":"200 OK","channel_id":123,"entry_id":5,"created_at":"2024-01-01T00:00:00Z","field1":"21.5","field2":"0"}`))
		require.True(t, ok)
		return resp, nil
	}

	report := f.sched.RunSweep(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeUploaded, report.Results[0].Outcome)
	assert.Equal(t, int64(5), report.Results[0].EntryID)

	require.Equal(t, 1, f.uploader.calls())
	req := f.uploader.requests[0]
	assert.Equal(t, "21.5", req.Fields[0])
	assert.Equal(t, NullValue, req.Fields[1])
	assert.Equal(t, testKey, req.Key)
	assert.Equal(t, 52.52, req.Latitude)
	assert.Equal(t, 13.405, req.Longitude)
	assert.Equal(t, 34, req.Elevation)

	st := f.store.state("a")
	assert.Equal(t, int64(123), st.RemoteChannelID)
	assert.Equal(t, int64(5), st.EntryID)
	assert.Equal(t, HealthSuccess, st.Health)
	assert.Equal(t, DisplayOK, st.HealthDisplay)
	assert.Equal(t, "21.5", st.Fields[0])
	assert.Equal(t, "0", st.Fields[1])
	assert.Equal(t, "2024-01-01 00:00:00", st.CreatedAt)
	assert.Equal(t, f.clock.Now(), st.LastSuccess)
	assert.Equal(t, PhaseIdle, f.sched.Phases()["a"])
}

func TestSweepIsIdempotentWithoutElapsedTime(t *testing.T) {
	f := newFixture(t, boundChannel("a"), boundChannel("b"))
	require.NoError(t, f.registry.SetState("sensor", "temperature", value.Number(20)))

	f.sched.RunSweep(context.Background())
	require.Equal(t, 2, f.uploader.calls())

	report := f.sched.RunSweep(context.Background())
	assert.Equal(t, 2, f.uploader.calls(), "second sweep must not upload")
	assert.Equal(t, 2, report.Count(OutcomeNotDue))

	f.clock.Advance(899 * time.Second)
	f.sched.RunSweep(context.Background())
	assert.Equal(t, 2, f.uploader.calls())

	f.clock.Advance(time.Second)
	f.sched.RunSweep(context.Background())
	assert.Equal(t, 4, f.uploader.calls(), "due once the interval has elapsed")
}

func TestSweepPerChannelInterval(t *testing.T) {
	fast := boundChannel("fast")
	fast.Interval = 30 * time.Second
	f := newFixture(t, fast, boundChannel("slow"))
	require.NoError(t, f.registry.SetState("sensor", "temperature", value.Number(20)))

	f.sched.RunSweep(context.Background())
	require.Equal(t, 2, f.uploader.calls())

	f.clock.Advance(30 * time.Second)
	report := f.sched.RunSweep(context.Background())
	assert.Equal(t, 3, f.uploader.calls())
	assert.Equal(t, 1, report.Count(OutcomeUploaded))
	assert.Equal(t, 1, report.Count(OutcomeNotDue))
}

func TestSweepRepairsKey(t *testing.T) {
	ch := boundChannel("a")
	ch.WriteKey = "  " + testKey + " \t"
	f := newFixture(t, ch)
	require.NoError(t, f.registry.SetState("sensor", "temperature", value.Number(20)))

	report := f.sched.RunSweep(context.Background())
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].KeyRepaired)

	assert.Equal(t, testKey, f.store.channels["a"].WriteKey)
	require.Equal(t, 1, f.uploader.calls())
	assert.Equal(t, testKey, f.uploader.requests[0].Key)
}

func TestSweepKeyRepairKeepsConcurrentEdits(t *testing.T) {
	a := boundChannel("a")
	b := boundChannel("b")
	b.WriteKey = " " + testKey
	f := newFixture(t, a, b)

	// b is disabled by an admin while a is uploading
	f.uploader.respond = func(r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error) {
		if f.uploader.calls() == 1 {
			stored := f.store.channel("b")
			stored.Enabled = false
			require.NoError(t, f.store.SaveChannel(stored))
		}
		return &thingspeak.UpdateResponse{ChannelID: 1, EntryID: 1}, nil
	}

	report := f.sched.RunSweep(context.Background())
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[1].KeyRepaired)

	stored := f.store.channel("b")
	require.NotNil(t, stored)
	assert.Equal(t, testKey, stored.WriteKey)
	assert.False(t, stored.Enabled, "repair must not revert the disable")
}

func TestSweepChannelRemovedDuringSweep(t *testing.T) {
	a := boundChannel("a")
	b := boundChannel("b")
	b.WriteKey = testKey + " "
	f := newFixture(t, a, b)

	// a removes itself while uploading and b is removed before its turn
	f.uploader.respond = func(r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error) {
		f.store.remove("a")
		f.store.remove("b")
		return &thingspeak.UpdateResponse{ChannelID: 1, EntryID: 1}, nil
	}

	report := f.sched.RunSweep(context.Background())
	require.Len(t, report.Results, 2)
	assert.Equal(t, OutcomeSkipped, report.Results[1].Outcome)
	assert.Equal(t, 1, f.uploader.calls())

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.Empty(t, f.store.channels, "removed channels are not written back")
	assert.Empty(t, f.store.states, "no orphan state")
	assert.NotContains(t, f.sched.Phases(), "a")
}

func TestSweepAttemptsWrongLengthKey(t *testing.T) {
	ch := boundChannel("a")
	ch.WriteKey = "SHORT"
	f := newFixture(t, ch)

	f.sched.RunSweep(context.Background())
	require.Equal(t, 1, f.uploader.calls())
	assert.Equal(t, "SHORT", f.uploader.requests[0].Key)
	assert.Equal(t, 0, f.store.saves, "nothing to repair")
}

func TestSweepUnauthorizedKeepsDueTimer(t *testing.T) {
	f := newFixture(t, boundChannel("a"))
	previous := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.store.SaveState("a", &ChannelState{Health: HealthSuccess, LastSuccess: previous}))

	f.uploader.respond = func(r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error) {
		return nil, &thingspeak.Error{
			Kind:       thingspeak.KindRejected,
			StatusCode: 401,
			Reason:     thingspeak.StatusReason(401),
		}
	}

	report := f.sched.RunSweep(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.Equal(t, "rejected", report.Results[0].ErrorKind)

	st := f.store.state("a")
	assert.Equal(t, HealthFailed, st.Health)
	assert.Equal(t, DisplayRejected, st.HealthDisplay)
	assert.Contains(t, st.LastError, "authentication")
	assert.Equal(t, previous, st.LastSuccess, "due timer must not be reset")
	assert.Equal(t, f.clock.Now(), st.LastAttempt)

	// still due on the next tick
	f.sched.RunSweep(context.Background())
	assert.Equal(t, 2, f.uploader.calls())
}

func TestSweepContinuesAfterConnectionRefused(t *testing.T) {
	f := newFixture(t, boundChannel("a"), boundChannel("b"), boundChannel("c"))

	f.uploader.respond = func(r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error) {
		if len(f.uploader.requests) == 1 {
			return nil, &thingspeak.Error{Kind: thingspeak.KindNoConnectivity, Reason: "could not connect to host"}
		}
		return &thingspeak.UpdateResponse{ChannelID: 9, EntryID: 2}, nil
	}

	report := f.sched.RunSweep(context.Background())
	assert.Equal(t, 3, f.uploader.calls())
	assert.Equal(t, 1, report.Count(OutcomeFailed))
	assert.Equal(t, 2, report.Count(OutcomeUploaded))

	st := f.store.state("a")
	assert.Equal(t, HealthFailed, st.Health)
	assert.Equal(t, DisplayNoComm, st.HealthDisplay)
	assert.Equal(t, HealthSuccess, f.store.state("b").Health)
	assert.Equal(t, HealthSuccess, f.store.state("c").Health)
}

func TestSweepRecoversFromPanic(t *testing.T) {
	f := newFixture(t, boundChannel("a"), boundChannel("b"))

	f.uploader.respond = func(r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error) {
		if len(f.uploader.requests) == 1 {
			panic("boom")
		}
		return &thingspeak.UpdateResponse{EntryID: 3}, nil
	}

	report := f.sched.RunSweep(context.Background())
	require.Len(t, report.Results, 2)
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.Equal(t, "boom", report.Results[0].Reason)
	assert.Equal(t, OutcomeUploaded, report.Results[1].Outcome)

	st := f.store.state("a")
	assert.Equal(t, HealthFailed, st.Health)
	assert.Equal(t, DisplayError, st.HealthDisplay)
	assert.Equal(t, PhaseIdle, f.sched.Phases()["a"])
}

func TestSweepSkipsIneligibleChannels(t *testing.T) {
	disabled := boundChannel("disabled")
	disabled.Enabled = false

	unsaved := boundChannel("unsaved")
	unsaved.Configured = false

	unbound := boundChannel("unbound")
	unbound.Fields[0] = FieldBinding{Kind: BindingNone}

	noKey := boundChannel("nokey")
	noKey.WriteKey = "   "

	f := newFixture(t, disabled, unsaved, unbound, noKey)
	report := f.sched.RunSweep(context.Background())

	assert.Equal(t, 0, f.uploader.calls())
	assert.Equal(t, 4, report.Count(OutcomeSkipped))

	reasons := map[string]string{}
	for _, r := range report.Results {
		reasons[r.ChannelID] = r.Reason
	}
	assert.Equal(t, ErrDisabled.Error(), reasons["disabled"])
	assert.Equal(t, ErrNotConfigured.Error(), reasons["unsaved"])
	assert.Equal(t, ErrNotConfigured.Error(), reasons["unbound"])
	assert.Equal(t, ErrMissingKey.Error(), reasons["nokey"])

	assert.Equal(t, HealthUnknown, f.store.state("disabled").Health)
}

func TestTriggerUploadNow(t *testing.T) {
	disabled := boundChannel("off")
	disabled.Enabled = false
	f := newFixture(t, boundChannel("a"), disabled)

	f.sched.RunSweep(context.Background())
	require.Equal(t, 1, f.uploader.calls())

	f.sched.TriggerUploadNow()
	assert.True(t, f.sched.Triggered())

	report := f.sched.RunSweep(context.Background())
	assert.True(t, report.Forced)
	assert.False(t, f.sched.Triggered(), "trigger is one-shot")
	assert.Equal(t, 2, f.uploader.calls())
	assert.Equal(t, 1, report.Count(OutcomeSkipped), "disabled channels stay skipped")

	f.sched.RunSweep(context.Background())
	assert.Equal(t, 2, f.uploader.calls())
}

func TestSweepPayloadPlaceholders(t *testing.T) {
	ch := boundChannel("a")
	ch.Fields[1] = FieldBinding{Kind: BindingDeviceState, DeviceID: "sensor", State: "unit"}
	ch.Fields[2] = FieldBinding{Kind: BindingVariable, VariableID: "pump"}
	ch.Fields[3] = FieldBinding{Kind: BindingVariable, VariableID: "missing"}
	ch.Fields[4] = FieldBinding{Kind: BindingDeviceState, DeviceID: "sensor", State: "outdoor"}
	f := newFixture(t, ch)

	require.NoError(t, f.registry.SetState("sensor", "temperature", value.Number(-7)))
	require.NoError(t, f.registry.SetState("sensor", "unit", value.Text("N/A")))
	require.NoError(t, f.registry.SetVariable("pump", value.Text("On")))
	require.NoError(t, f.registry.SetState("sensor", "outdoor", value.Text("72°F")))

	report := f.sched.RunSweep(context.Background())
	require.Equal(t, OutcomeUploaded, report.Results[0].Outcome, "bad fields do not abort the upload")

	req := f.uploader.requests[0]
	assert.Equal(t, "-7", req.Fields[0])
	assert.Equal(t, Undefined, req.Fields[1])
	assert.Equal(t, "1", req.Fields[2])
	assert.Equal(t, Undefined, req.Fields[3])
	assert.Equal(t, "72", req.Fields[4])
	for i := 5; i < thingspeak.MaxFields; i++ {
		assert.Equal(t, NullValue, req.Fields[i])
	}
}

func TestSweepChannelOverrides(t *testing.T) {
	ch := boundChannel("a")
	ch.Host = "thingspeak.local:3000"
	ch.Geo = &Geo{Latitude: 1.5, Longitude: -2.5, Elevation: -10}
	ch.Twitter = "me"
	ch.Tweet = "hello"
	f := newFixture(t, ch)

	f.sched.RunSweep(context.Background())
	req := f.uploader.requests[0]
	assert.Equal(t, "thingspeak.local:3000", req.Host)
	assert.Equal(t, 1.5, req.Latitude)
	assert.Equal(t, -2.5, req.Longitude)
	assert.Equal(t, -10, req.Elevation)
	assert.Equal(t, "me", req.Twitter)
	assert.Equal(t, "hello", req.Tweet)
}

func TestSweepTimeoutPerUpload(t *testing.T) {
	f := newFixture(t, boundChannel("a"))
	settings := f.sched.Settings()
	settings.Timeout = 20 * time.Millisecond
	f.sched.SetSettings(settings)

	f.uploader.respond = func(r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error) {
		ctx := f.uploader.ctxs[0]
		<-ctx.Done()
		return nil, &thingspeak.Error{Kind: thingspeak.KindTimeout, Reason: "request timed out", Err: ctx.Err()}
	}

	report := f.sched.RunSweep(context.Background())
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.Equal(t, DisplayTimeout, f.store.state("a").HealthDisplay)

	_, hasDeadline := f.uploader.ctxs[0].Deadline()
	assert.True(t, hasDeadline)
}

func TestSweepObserver(t *testing.T) {
	var seen []Result
	f := newFixture(t, boundChannel("a"), boundChannel("b"))
	f.sched = NewScheduler(f.store, f.registry, f.uploader, log.New(io.Discard, "", 0),
		WithClock(f.clock),
		WithObserver(func(ch *Channel, st *ChannelState, res Result) {
			seen = append(seen, res)
		}))

	f.sched.RunSweep(context.Background())
	require.Len(t, seen, 2)

	f.sched.RunSweep(context.Background())
	assert.Len(t, seen, 2, "not due channels are not reported")
}

func TestSweepStopsWhenCancelled(t *testing.T) {
	f := newFixture(t, boundChannel("a"), boundChannel("b"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.sched.RunSweep(ctx)
	assert.Empty(t, report.Results)
	assert.Equal(t, 0, f.uploader.calls())
}

type failingStore struct{ *memStore }

func (failingStore) ListChannels() ([]*Channel, error) { return nil, errors.New("disk gone") }

func TestSweepStoreError(t *testing.T) {
	f := newFixture(t)
	sched := NewScheduler(failingStore{f.store}, f.registry, f.uploader, log.New(io.Discard, "", 0))
	report := sched.RunSweep(context.Background())
	assert.Error(t, report.Err)
	assert.Empty(t, report.Results)
}

func TestRunLoop(t *testing.T) {
	f := newFixture(t, boundChannel("a"))
	var mu sync.Mutex
	sweeps := 0
	f.sched = NewScheduler(f.store, f.registry, f.uploader, log.New(io.Discard, "", 0),
		WithClock(f.clock),
		WithReportHook(func(SweepReport) {
			mu.Lock()
			sweeps++
			mu.Unlock()
		}))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.uploader.calls() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sweeps >= 3
	}, time.Second, 5*time.Millisecond, "every tick reports a sweep")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestLocalTimestamp(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	assert.Equal(t, "2024-01-01 01:00:00", LocalTimestamp("2024-01-01T00:00:00Z", berlin))
	assert.Equal(t, "2024-01-01 00:00:00", LocalTimestamp("2024-01-01T00:00:00Z", time.UTC))
	assert.Equal(t, "2023-12-31 19:30:00", LocalTimestamp("2024-01-01T00:30:00Z", time.FixedZone("EST", -5*3600)))
	assert.Equal(t, UnknownTime, LocalTimestamp("", berlin))
	assert.Equal(t, UnknownTime, LocalTimestamp("yesterday", berlin))
}
