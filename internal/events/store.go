// Package events keeps a bounded in-memory audit log with live subscribers
package events

import (
	"sync"
	"time"
)

// EventType identifies what happened
type EventType string

const (
	EventLogin       EventType = "login"
	EventLoginFailed EventType = "login_failed"
	EventLogout      EventType = "logout"
	EventPassword    EventType = "password_change"

	EventUploadSuccess  EventType = "upload_success"
	EventUploadFailed   EventType = "upload_failed"
	EventChannelSkipped EventType = "channel_skipped"
	EventKeyRepaired    EventType = "key_repaired"
	EventUploadNow      EventType = "upload_now"

	EventChannelCreate  EventType = "channel_create"
	EventChannelUpdate  EventType = "channel_update"
	EventChannelDelete  EventType = "channel_delete"
	EventChannelEnable  EventType = "channel_enable"
	EventChannelDisable EventType = "channel_disable"

	EventRemoteChannelCreate EventType = "remote_channel_create"
	EventRemoteChannelUpdate EventType = "remote_channel_update"
	EventRemoteChannelClear  EventType = "remote_channel_clear"
	EventRemoteChannelDelete EventType = "remote_channel_delete"

	EventSettingsUpdate EventType = "settings_update"
	EventPluginEnable   EventType = "plugin_enable"
	EventPluginDisable  EventType = "plugin_disable"
)

// SystemUser is the username recorded for events not caused by a request
const SystemUser = "system"

// Event is one audit log entry
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Username  string    `json:"username"`
	IP        string    `json:"ip,omitempty"`
	Success   bool      `json:"success"`
	ChannelID string    `json:"channelId,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Store is a ring buffer of events
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewStore creates a store keeping at most maxSize events
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Store{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
		subs:    make(map[chan Event]struct{}),
	}
}

// Add records a request-driven event
func (s *Store) Add(eventType EventType, username, ip string, success bool, details string) Event {
	return s.Record(Event{Type: eventType, Username: username, IP: ip, Success: success, Details: details})
}

// AddChannel records an event about one channel
func (s *Store) AddChannel(eventType EventType, username, channelID string, success bool, details string) Event {
	return s.Record(Event{Type: eventType, Username: username, ChannelID: channelID, Success: success, Details: details})
}

// Record stores e, assigning id and timestamp, and fans it out to subscribers
func (s *Store) Record(e Event) Event {
	s.mu.Lock()
	s.nextID++
	e.ID = s.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Username == "" {
		e.Username = SystemUser
	}
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, e)
	s.mu.Unlock()

	s.publish(e)
	return e
}

// publish never blocks. Slow subscribers lose events.
func (s *Store) publish(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving new events and a function to stop
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// GetLast returns the last n events, newest first
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.events) || n < 0 {
		n = len(s.events)
	}
	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than lastID, newest first
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []Event{}
	for i := len(s.events) - 1; i >= 0 && s.events[i].ID > lastID; i-- {
		result = append(result, s.events[i])
	}
	return result
}

// Filter returns the last n events of the given types, newest first
func (s *Store) Filter(n int, types ...EventType) []Event {
	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []Event{}
	for i := len(s.events) - 1; i >= 0 && (n <= 0 || len(result) < n); i-- {
		if len(want) == 0 || want[s.events[i].Type] {
			result = append(result, s.events[i])
		}
	}
	return result
}

// Count returns the number of stored events
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the id of the most recent event
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
