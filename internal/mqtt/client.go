// Package mqtt connects the bridge to an MQTT broker
package mqtt

import (
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config holds MQTT client configuration
type Config struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
	Prefix   string // prepended to every non-raw topic
	UseTLS   bool
}

// MessageHandler receives the topic relative to the prefix and the raw payload
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client wraps the paho client with prefixing and resubscription
type Client struct {
	client   paho.Client
	config   Config
	mu       sync.RWMutex
	logger   *log.Logger
	isActive bool

	subMu sync.Mutex
	subs  map[string]subscription
}

// New creates a client. Nothing is dialed until Connect.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("tsbridge-%d", time.Now().Unix())
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	c := &Client{
		config: cfg,
		logger: logger,
		subs:   make(map[string]subscription),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logf("Connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		c.logf("Connected to broker: %s", cfg.Broker)
		c.resubscribe()
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.logf("Attempting to reconnect...")
	})

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// clean session drops subscriptions on reconnect; resubscribe restores them
	opts.SetCleanSession(true)

	c.client = paho.NewClient(opts)
	return c, nil
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf("[MQTT] "+format, args...)
	}
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isActive {
		return nil
	}

	c.logf("Connecting to broker: %s", c.config.Broker)
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.isActive = true
	return nil
}

// Disconnect closes connection to MQTT broker
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive {
		return
	}
	c.client.Disconnect(250)
	c.isActive = false
	c.logf("Disconnected from broker")
}

// Publish publishes with QoS 0, not retained
func (c *Client) Publish(topic string, payload interface{}) error {
	return c.PublishWithQoS(topic, 0, false, payload)
}

// PublishWithQoS publishes below the prefix
func (c *Client) PublishWithQoS(topic string, qos byte, retained bool, payload interface{}) error {
	return c.publish(c.buildTopic(topic), qos, retained, payload)
}

// PublishRaw publishes with QoS 1 without the prefix (discovery topics)
func (c *Client) PublishRaw(topic string, payload interface{}, retained bool) error {
	return c.publish(topic, 1, retained, payload)
}

func (c *Client) publish(topic string, qos byte, retained bool, payload interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return fmt.Errorf("MQTT client is not connected")
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

// Subscribe registers handler for topic (relative to the prefix, wildcards allowed).
// The subscription is kept and renewed after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	full := c.buildTopic(topic)

	c.subMu.Lock()
	c.subs[full] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	if !c.IsConnected() {
		// picked up by resubscribe once the connection is up
		return nil
	}
	return c.subscribe(full, qos, handler)
}

func (c *Client) subscribe(full string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(full, qos, func(_ paho.Client, msg paho.Message) {
		handler(c.trimPrefix(msg.Topic()), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", full, token.Error())
	}
	c.logf("Subscribed to %s", full)
	return nil
}

func (c *Client) resubscribe() {
	c.subMu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.subMu.Unlock()

	for topic, s := range subs {
		if err := c.subscribe(topic, s.qos, s.handler); err != nil {
			c.logf("%v", err)
		}
	}
}

func (c *Client) buildTopic(topic string) string {
	if c.config.Prefix == "" {
		return topic
	}
	return c.config.Prefix + "/" + topic
}

func (c *Client) trimPrefix(topic string) string {
	if c.config.Prefix == "" {
		return topic
	}
	return strings.TrimPrefix(topic, c.config.Prefix+"/")
}

// IsConnected returns true if client is connected to broker
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client.IsConnected()
}

// Prefix returns the topic prefix
func (c *Client) Prefix() string {
	return c.config.Prefix
}
