package mqtt

import (
	"encoding/json"
	"log"
	"sync"
)

const (
	healthProblem = "ON"
	healthOK      = "OFF"
)

// Publisher publishes channel state below <prefix>/channels/<id>/
type Publisher struct {
	transport Transport
	logger    *log.Logger

	idCache   map[string]string
	idCacheMu sync.RWMutex
}

// NewPublisher creates a new Publisher instance
func NewPublisher(t Transport, logger *log.Logger) *Publisher {
	return &Publisher{
		transport: t,
		logger:    logger,
		idCache:   make(map[string]string),
	}
}

// ChannelTopic returns the topic for a channel sub-path, relative to the prefix
func (p *Publisher) ChannelTopic(channelID, leaf string) string {
	return "channels/" + p.objectID(channelID) + "/" + leaf
}

// PublishChannelStatus publishes the retained state document, the health flag and the entry id
func (p *Publisher) PublishChannelStatus(st *ChannelStatus) error {
	if st == nil {
		return nil
	}

	doc, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := p.transport.PublishWithQoS(p.ChannelTopic(st.ID, "state"), 1, true, doc); err != nil {
		p.logf("Failed to publish channel %s state: %v", st.ID, err)
		return err
	}

	health := healthOK
	if !st.Healthy {
		health = healthProblem
	}
	if err := p.transport.PublishWithQoS(p.ChannelTopic(st.ID, "health"), 1, true, health); err != nil {
		return err
	}
	return nil
}

// ClearChannel removes retained messages of a deleted channel
func (p *Publisher) ClearChannel(channelID string) {
	for _, leaf := range []string{"state", "health"} {
		if err := p.transport.PublishWithQoS(p.ChannelTopic(channelID, leaf), 1, true, []byte{}); err != nil {
			p.logf("Failed to clear %s for %s: %v", leaf, channelID, err)
		}
	}
}

func (p *Publisher) logf(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Printf("[MQTT Publisher] "+format, args...)
	}
}

func (p *Publisher) objectID(id string) string {
	p.idCacheMu.RLock()
	if s, ok := p.idCache[id]; ok {
		p.idCacheMu.RUnlock()
		return s
	}
	p.idCacheMu.RUnlock()

	s := SanitizeID(id)

	p.idCacheMu.Lock()
	p.idCache[id] = s
	p.idCacheMu.Unlock()
	return s
}

// SanitizeID makes id safe as a topic level and HA object id
func SanitizeID(id string) string {
	b := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c == ' ' || c == '/' || c == '.' || c == '+' || c == '#':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return string(b)
}
