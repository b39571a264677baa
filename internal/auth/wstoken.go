package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// WSTokenTTL is how long a WebSocket token stays valid
	WSTokenTTL = 30 * time.Second
	// WSTokenLength is the random byte length, hex encoded on the wire
	WSTokenLength = 32
)

// WSTokenStore hands out one-time tokens for opening the event stream.
// Browsers cannot set headers on WebSocket upgrades, so the client first
// fetches a token over the authenticated API and passes it as a query param.
type WSTokenStore struct {
	mu     sync.Mutex
	tokens map[string]wsTokenEntry
	now    func() time.Time
}

type wsTokenEntry struct {
	username  string
	createdAt time.Time
}

// NewWSTokenStore creates an empty token store
func NewWSTokenStore() *WSTokenStore {
	return &WSTokenStore{
		tokens: make(map[string]wsTokenEntry),
		now:    time.Now,
	}
}

// Generate creates a new token for username
func (s *WSTokenStore) Generate(username string) (string, error) {
	b := make([]byte, WSTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.prune(now)
	s.tokens[token] = wsTokenEntry{username: username, createdAt: now}
	return token, nil
}

// Validate consumes token and returns its username
func (s *WSTokenStore) Validate(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	delete(s.tokens, token)

	if s.now().Sub(entry.createdAt) > WSTokenTTL {
		return "", false
	}
	return entry.username, true
}

func (s *WSTokenStore) prune(now time.Time) {
	for token, entry := range s.tokens {
		if now.Sub(entry.createdAt) > WSTokenTTL {
			delete(s.tokens, token)
		}
	}
}
