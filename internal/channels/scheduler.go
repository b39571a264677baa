package channels

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tsbridge/internal/host"
	"tsbridge/internal/thingspeak"
	"tsbridge/internal/value"
)

// Placeholders sent instead of a value
const (
	NullValue = "Null value"
	Undefined = "undefined"
)

const (
	// serviceTimeLayout is the layout of created_at in update responses
	serviceTimeLayout = "2006-01-02T15:04:05Z"

	// LocalTimeLayout is the layout of ChannelState.CreatedAt
	LocalTimeLayout = "2006-01-02 15:04:05"

	logPrefix = "[thingspeak]"
)

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Uploader sends one channel update (satisfied by *thingspeak.Client)
type Uploader interface {
	Update(ctx context.Context, r *thingspeak.UpdateRequest) (*thingspeak.UpdateResponse, error)
}

// Settings are the process-wide scheduler settings
type Settings struct {
	Interval   time.Duration
	Timeout    time.Duration
	Tick       time.Duration
	Latitude   float64
	Longitude  float64
	Elevation  int
	Location   *time.Location
	DebugLevel int
}

// DefaultSettings returns the settings used until the plugin loads its own
func DefaultSettings() Settings {
	return Settings{
		Interval:   900 * time.Second,
		Timeout:    thingspeak.DefaultTimeout,
		Tick:       2 * time.Second,
		Location:   time.Local,
		DebugLevel: 1,
	}
}

// Phase is the position of a channel in the upload cycle
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDue       Phase = "due"
	PhaseUploading Phase = "uploading"
	PhaseSuccess   Phase = "success"
	PhaseFailed    Phase = "failed"
)

// Outcome is what a sweep did with one channel
type Outcome string

const (
	OutcomeUploaded Outcome = "uploaded"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeNotDue   Outcome = "not_due"
)

// Result describes the handling of one channel in a sweep
type Result struct {
	ChannelID   string        `json:"channelId"`
	ChannelName string        `json:"channelName"`
	Outcome     Outcome       `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	ErrorKind   string        `json:"errorKind,omitempty"`
	EntryID     int64         `json:"entryId,omitempty"`
	KeyRepaired bool          `json:"keyRepaired,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// SweepReport is returned by RunSweep
type SweepReport struct {
	Started time.Time `json:"started"`
	Forced  bool      `json:"forced"`
	Results []Result  `json:"results"`
	Err     error     `json:"-"`
}

// Count returns the number of channels with the given outcome
func (r SweepReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Observer is called after every channel that was due
type Observer func(ch *Channel, st *ChannelState, res Result)

// ReportHook is called with the report of every finished sweep
type ReportHook func(report SweepReport)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithObserver registers a callback for finished channels
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// WithReportHook registers a callback for finished sweeps
func WithReportHook(h ReportHook) Option {
	return func(s *Scheduler) { s.reportHooks = append(s.reportHooks, h) }
}

// WithSettings sets the initial settings
func WithSettings(settings Settings) Option {
	return func(s *Scheduler) { s.settings = settings }
}

// Scheduler evaluates channels for due-ness and uploads them one after another
type Scheduler struct {
	store    Store
	registry host.Registry
	uploader Uploader
	clock    Clock
	logger   *log.Logger

	settingsMu sync.RWMutex
	settings   Settings

	trigger atomic.Bool
	sweepMu sync.Mutex

	phaseMu  sync.RWMutex
	phases   map[string]Phase
	lastSkip map[string]string

	observers   []Observer
	reportHooks []ReportHook
}

// NewScheduler creates a scheduler
func NewScheduler(store Store, registry host.Registry, uploader Uploader, logger *log.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		store:    store,
		registry: registry,
		uploader: uploader,
		clock:    SystemClock{},
		logger:   logger,
		settings: DefaultSettings(),
		phases:   make(map[string]Phase),
		lastSkip: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settings returns the current settings
func (s *Scheduler) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// SetSettings replaces the settings, effective from the next channel
func (s *Scheduler) SetSettings(settings Settings) {
	if settings.Location == nil {
		settings.Location = time.Local
	}
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
}

// TriggerUploadNow makes every enabled channel due on the next sweep
func (s *Scheduler) TriggerUploadNow() {
	s.trigger.Store(true)
}

// Triggered reports whether a manual upload is pending
func (s *Scheduler) Triggered() bool {
	return s.trigger.Load()
}

// Phases returns the phase of every channel seen so far
func (s *Scheduler) Phases() map[string]Phase {
	s.phaseMu.RLock()
	defer s.phaseMu.RUnlock()

	result := make(map[string]Phase, len(s.phases))
	for id, p := range s.phases {
		result[id] = p
	}
	return result
}

func (s *Scheduler) setPhase(id string, p Phase) {
	s.phaseMu.Lock()
	s.phases[id] = p
	s.phaseMu.Unlock()
}

// Run sweeps right away and then on every tick until ctx is cancelled.
// A tick <= 0 follows the Tick setting, re-read after every sweep.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	next := func() time.Duration {
		if tick > 0 {
			return tick
		}
		if t := s.Settings().Tick; t > 0 {
			return t
		}
		return DefaultSettings().Tick
	}

	if ctx.Err() == nil {
		s.RunSweep(ctx)
	}

	timer := time.NewTimer(next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("%s Upload loop stopped", logPrefix)
			return
		case <-timer.C:
			s.RunSweep(ctx)
			timer.Reset(next())
		}
	}
}

// RunSweep performs one pass over all channels
func (s *Scheduler) RunSweep(ctx context.Context) (report SweepReport) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	forced := s.trigger.Swap(false)
	settings := s.Settings()
	report = SweepReport{Started: s.clock.Now(), Forced: forced}

	if forced {
		s.logger.Printf("%s Manual upload requested", logPrefix)
	}

	defer func() {
		for _, h := range s.reportHooks {
			h(report)
		}
	}()

	channels, err := s.store.ListChannels()
	if err != nil {
		s.logger.Printf("%s Failed to list channels: %v", logPrefix, err)
		report.Err = err
		return report
	}

	for _, ch := range channels {
		if ctx.Err() != nil {
			break
		}
		report.Results = append(report.Results, s.processChannel(ctx, ch, settings, forced))
	}
	return report
}

// processChannel handles one channel. Nothing that happens here leaves the function.
func (s *Scheduler) processChannel(ctx context.Context, ch *Channel, settings Settings, forced bool) (res Result) {
	res = Result{ChannelID: ch.ID, ChannelName: ch.Name}
	var state *ChannelState

	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("%s Channel %s: unexpected error: %v\n%s", logPrefix, ch.Name, r, debug.Stack())
			if state == nil {
				state = NewChannelState()
			}
			state.Health = HealthFailed
			state.HealthDisplay = DisplayError
			state.LastError = fmt.Sprint(r)
			if err := s.store.SaveState(ch.ID, state); err != nil {
				s.logger.Printf("%s Channel %s: failed to save state: %v", logPrefix, ch.Name, err)
			}
			res.Outcome = OutcomeFailed
			res.Reason = state.LastError
			res.ErrorKind = thingspeak.KindOther.String()
			s.setPhase(ch.ID, PhaseIdle)
			s.notify(ch, state, res)
		}
	}()

	state, err := s.store.GetState(ch.ID)
	if err != nil {
		s.logger.Printf("%s Channel %s: failed to load state: %v", logPrefix, ch.Name, err)
		state = NewChannelState()
	}

	now := s.clock.Now()
	if !s.isDue(ch, state, settings, now, forced) {
		s.setPhase(ch.ID, PhaseIdle)
		res.Outcome = OutcomeNotDue
		return res
	}
	s.setPhase(ch.ID, PhaseDue)

	if err := ch.Eligible(); err != nil {
		s.logSkip(ch, err)
		s.setPhase(ch.ID, PhaseIdle)
		res.Outcome = OutcomeSkipped
		res.Reason = err.Error()
		return res
	}
	s.clearSkip(ch.ID)

	key, repaired, err := s.repairKey(ch)
	if err != nil {
		s.logger.Printf("%s Channel %s: %v", logPrefix, ch.Name, err)
		s.setPhase(ch.ID, PhaseIdle)
		res.Outcome = OutcomeSkipped
		res.Reason = err.Error()
		return res
	}
	res.KeyRepaired = repaired

	req := s.buildRequest(ch, key, settings)
	if settings.DebugLevel >= 3 {
		s.logger.Printf("%s Channel %s: upload parameters %s", logPrefix, ch.Name, req.Values().Encode())
	} else if settings.DebugLevel >= 2 {
		s.logger.Printf("%s Channel %s: upload parameters %s", logPrefix, ch.Name, req.Redacted().Encode())
	}

	s.setPhase(ch.ID, PhaseUploading)
	start := time.Now()
	uctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	resp, err := s.uploader.Update(uctx, req)
	cancel()
	res.Duration = time.Since(start)
	state.LastAttempt = now

	if err != nil {
		s.applyFailure(ch, state, err, &res)
		s.setPhase(ch.ID, PhaseFailed)
	} else {
		s.applySuccess(ch, state, resp, settings.Location)
		res.Outcome = OutcomeUploaded
		res.EntryID = resp.EntryID
		s.setPhase(ch.ID, PhaseSuccess)
	}

	// the channel may have been deleted while the upload was in flight
	if _, err := s.store.GetChannel(ch.ID); errors.Is(err, ErrChannelNotFound) {
		s.logger.Printf("%s Channel %s was removed during upload, state not saved", logPrefix, ch.Name)
		s.forgetPhase(ch.ID)
		return res
	}
	if err := s.store.SaveState(ch.ID, state); err != nil {
		s.logger.Printf("%s Channel %s: failed to save state: %v", logPrefix, ch.Name, err)
	}
	s.setPhase(ch.ID, PhaseIdle)
	s.notify(ch, state, res)
	return res
}

func (s *Scheduler) forgetPhase(id string) {
	s.phaseMu.Lock()
	delete(s.phases, id)
	delete(s.lastSkip, id)
	s.phaseMu.Unlock()
}

func (s *Scheduler) isDue(ch *Channel, state *ChannelState, settings Settings, now time.Time, forced bool) bool {
	if forced || state.LastSuccess.IsZero() {
		return true
	}
	interval := ch.Interval
	if interval <= 0 {
		interval = settings.Interval
	}
	return now.Sub(state.LastSuccess) >= interval
}

// logSkip logs a skip reason once until it changes
func (s *Scheduler) logSkip(ch *Channel, reason error) {
	s.phaseMu.Lock()
	last := s.lastSkip[ch.ID]
	s.lastSkip[ch.ID] = reason.Error()
	s.phaseMu.Unlock()

	if last != reason.Error() {
		s.logger.Printf("%s Channel %s skipped: %v", logPrefix, ch.Name, reason)
	}
}

func (s *Scheduler) clearSkip(id string) {
	s.phaseMu.Lock()
	delete(s.lastSkip, id)
	s.phaseMu.Unlock()
}

// repairKey trims the write key and persists the corrected value.
// The stored channel is re-read so only the key of the current record changes.
func (s *Scheduler) repairKey(ch *Channel) (string, bool, error) {
	key := strings.TrimSpace(ch.WriteKey)
	repaired := false

	if key != ch.WriteKey {
		s.logger.Printf("%s Channel %s: write key includes leading or trailing spaces, repairing", logPrefix, ch.Name)
		current, err := s.store.GetChannel(ch.ID)
		switch {
		case errors.Is(err, ErrChannelNotFound):
			return "", false, err
		case err != nil:
			s.logger.Printf("%s Channel %s: failed to reload channel: %v", logPrefix, ch.Name, err)
		default:
			if strings.TrimSpace(current.WriteKey) == key {
				current.WriteKey = key
				if err := s.store.SaveChannel(current); err != nil {
					s.logger.Printf("%s Channel %s: failed to save repaired key: %v", logPrefix, ch.Name, err)
				} else {
					repaired = true
				}
			}
		}
		ch.WriteKey = key
	}

	// the service rejects bad keys itself
	if len(key) != thingspeak.WriteKeyLength {
		s.logger.Printf("%s Channel %s: write key is %d characters, expected %d. Check the key.",
			logPrefix, ch.Name, len(key), thingspeak.WriteKeyLength)
	}
	return key, repaired, nil
}

func (s *Scheduler) buildRequest(ch *Channel, key string, settings Settings) *thingspeak.UpdateRequest {
	req := &thingspeak.UpdateRequest{
		Host:      ch.Host,
		Key:       key,
		Latitude:  settings.Latitude,
		Longitude: settings.Longitude,
		Elevation: settings.Elevation,
		Twitter:   ch.Twitter,
		Tweet:     ch.Tweet,
	}
	if ch.Geo != nil {
		req.Latitude = ch.Geo.Latitude
		req.Longitude = ch.Geo.Longitude
		req.Elevation = ch.Geo.Elevation
	}

	for i, b := range ch.Fields {
		req.Fields[i] = s.fieldValue(ch, i, b)
	}
	return req
}

// fieldValue resolves and normalizes one slot
func (s *Scheduler) fieldValue(ch *Channel, i int, b FieldBinding) string {
	if !b.Bound() {
		return NullValue
	}

	v, err := s.resolve(b)
	if err != nil {
		s.logger.Printf("%s Channel %s: field%d (%s) could not be read: %v", logPrefix, ch.Name, i+1, b, err)
		return Undefined
	}

	n := value.Normalize(v)
	if !n.OK() {
		s.logger.Printf("%s Channel %s: field%d (%s) value %q is not numeric, sending %q",
			logPrefix, ch.Name, i+1, b, v.String(), Undefined)
		return Undefined
	}
	return n.String()
}

func (s *Scheduler) resolve(b FieldBinding) (value.Value, error) {
	switch b.Kind {
	case BindingDeviceState:
		return s.registry.GetState(b.DeviceID, b.State)
	case BindingVariable:
		return s.registry.GetVariable(b.VariableID)
	default:
		return value.Unresolved(), fmt.Errorf("unsupported binding %q", b.Kind)
	}
}

func (s *Scheduler) applySuccess(ch *Channel, state *ChannelState, resp *thingspeak.UpdateResponse, loc *time.Location) {
	state.Health = HealthSuccess
	state.HealthDisplay = DisplayOK
	state.LastError = ""
	state.RemoteChannelID = resp.ChannelID
	state.EntryID = resp.EntryID
	state.Status = resp.Status
	state.Latitude = resp.Latitude
	state.Longitude = resp.Longitude
	state.Elevation = resp.Elevation
	state.Fields = resp.Fields
	state.CreatedAt = LocalTimestamp(resp.CreatedAt, loc)
	state.LastSuccess = s.clock.Now()

	s.logger.Printf("%s Channel %s uploaded: remote channel %d, entry %d", logPrefix, ch.Name, resp.ChannelID, resp.EntryID)
}

func (s *Scheduler) applyFailure(ch *Channel, state *ChannelState, err error, res *Result) {
	kind := thingspeak.KindOf(err)

	state.Health = HealthFailed
	state.HealthDisplay = failureDisplay(kind)
	state.LastError = err.Error()

	var tsErr *thingspeak.Error
	if errors.As(err, &tsErr) {
		state.LastError = tsErr.Reason
	}

	res.Outcome = OutcomeFailed
	res.Reason = state.LastError
	res.ErrorKind = kind.String()

	switch kind {
	case thingspeak.KindNoConnectivity:
		s.logger.Printf("%s Channel %s: could not reach the service (%v). The service may be offline, "+
			"this host may have no internet access, or the host setting may be wrong.", logPrefix, ch.Name, err)
	default:
		s.logger.Printf("%s Channel %s: upload failed: %v", logPrefix, ch.Name, err)
	}
}

func (s *Scheduler) notify(ch *Channel, state *ChannelState, res Result) {
	for _, o := range s.observers {
		o(ch, state, res)
	}
}

func failureDisplay(kind thingspeak.ErrorKind) string {
	switch kind {
	case thingspeak.KindNoConnectivity:
		return DisplayNoComm
	case thingspeak.KindTimeout:
		return DisplayTimeout
	case thingspeak.KindRejected:
		return DisplayRejected
	default:
		return DisplayError
	}
}

// LocalTimestamp converts a service UTC timestamp into loc.
// Empty or unparseable input yields UnknownTime.
func LocalTimestamp(createdAt string, loc *time.Location) string {
	if createdAt == "" {
		return UnknownTime
	}
	if loc == nil {
		loc = time.Local
	}

	t, err := time.Parse(serviceTimeLayout, createdAt)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return UnknownTime
		}
	}
	return t.In(loc).Format(LocalTimeLayout)
}
