package channels

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tsbridge/internal/storage"
)

const (
	channelPrefix = "channel/"
	statePrefix   = "state/"
)

// Store is what the scheduler needs from channel persistence
type Store interface {
	ListChannels() ([]*Channel, error)
	GetChannel(id string) (*Channel, error)
	SaveChannel(ch *Channel) error
	GetState(id string) (*ChannelState, error)
	SaveState(id string, st *ChannelState) error
}

// StorageStore keeps channels and their state in the plugin data bucket
type StorageStore struct {
	storage   storage.Storage
	namespace string
	logger    *log.Logger
}

// NewStorageStore creates a store under the given plugin namespace
func NewStorageStore(s storage.Storage, namespace string, logger *log.Logger) *StorageStore {
	if logger == nil {
		logger = log.Default()
	}
	return &StorageStore{storage: s, namespace: namespace, logger: logger}
}

// ListChannels returns all channels sorted by name, migrating old records
func (s *StorageStore) ListChannels() ([]*Channel, error) {
	all, err := s.storage.List(s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	channels := make([]*Channel, 0, len(all))
	for key := range all {
		if !strings.HasPrefix(key, channelPrefix) {
			continue
		}
		ch, err := s.GetChannel(strings.TrimPrefix(key, channelPrefix))
		if err != nil {
			s.logger.Printf("[%s] Skipping unreadable channel %s: %v", s.namespace, key, err)
			continue
		}
		channels = append(channels, ch)
	}

	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Name != channels[j].Name {
			return channels[i].Name < channels[j].Name
		}
		return channels[i].ID < channels[j].ID
	})
	return channels, nil
}

// GetChannel loads one channel
func (s *StorageStore) GetChannel(id string) (*Channel, error) {
	var ch Channel
	err := s.storage.GetJSON(s.namespace, channelPrefix+id, &ch)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if ch.Migrate() {
		s.logger.Printf("[%s] Channel %s migrated to schema version %d", s.namespace, ch.Name, CurrentSchemaVersion)
		if err := s.SaveChannel(&ch); err != nil {
			return nil, err
		}
	}
	return &ch, nil
}

// CreateChannel assigns an id and saves a new channel
func (s *StorageStore) CreateChannel(ch *Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	ch.ID = uuid.NewString()
	ch.Configured = true
	return s.SaveChannel(ch)
}

// SaveChannel writes a channel with the current schema version
func (s *StorageStore) SaveChannel(ch *Channel) error {
	if ch.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidChannel)
	}
	ch.SchemaVersion = CurrentSchemaVersion
	if err := s.storage.SetJSON(s.namespace, channelPrefix+ch.ID, ch); err != nil {
		return fmt.Errorf("failed to save channel %s: %w", ch.ID, err)
	}
	return nil
}

// DeleteChannel removes a channel together with its state
func (s *StorageStore) DeleteChannel(id string) error {
	if _, err := s.storage.Get(s.namespace, channelPrefix+id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		return err
	}
	if err := s.storage.Delete(s.namespace, channelPrefix+id); err != nil {
		return fmt.Errorf("failed to delete channel %s: %w", id, err)
	}
	if err := s.storage.Delete(s.namespace, statePrefix+id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete channel state %s: %w", id, err)
	}
	return nil
}

// GetState returns the stored state, a fresh one when the channel never uploaded
func (s *StorageStore) GetState(id string) (*ChannelState, error) {
	st := NewChannelState()
	err := s.storage.GetJSON(s.namespace, statePrefix+id, st)
	if errors.Is(err, storage.ErrNotFound) {
		return NewChannelState(), nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SaveState writes the state of a channel
func (s *StorageStore) SaveState(id string, st *ChannelState) error {
	if err := s.storage.SetJSON(s.namespace, statePrefix+id, st); err != nil {
		return fmt.Errorf("failed to save channel state %s: %w", id, err)
	}
	return nil
}
