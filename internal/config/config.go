// Package config loads and saves the tsbridge .env configuration
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Keys of the .env file
const (
	EnvAddr              = "TSBRIDGE_ADDR"
	EnvJWTSecret         = "TSBRIDGE_JWT_SECRET"
	EnvJWTExpiration     = "TSBRIDGE_JWT_EXPIRATION"
	EnvNoAuth            = "TSBRIDGE_NO_AUTH"
	EnvDBPath            = "TSBRIDGE_DB_PATH"
	EnvAdminUser         = "TSBRIDGE_ADMIN_USER"
	EnvAdminPasswordHash = "TSBRIDGE_ADMIN_PASSWORD_HASH"

	EnvThingSpeakHost    = "TSBRIDGE_THINGSPEAK_HOST"
	EnvThingSpeakUserKey = "TSBRIDGE_THINGSPEAK_USER_KEY"

	EnvMQTTBroker   = "TSBRIDGE_MQTT_BROKER"
	EnvMQTTClientID = "TSBRIDGE_MQTT_CLIENT_ID"
	EnvMQTTUsername = "TSBRIDGE_MQTT_USERNAME"
	EnvMQTTPassword = "TSBRIDGE_MQTT_PASSWORD"
	EnvMQTTPrefix   = "TSBRIDGE_MQTT_PREFIX"
	EnvMQTTUseTLS   = "TSBRIDGE_MQTT_USE_TLS"
)

// Defaults
const (
	DefaultAddr           = ":8080"
	DefaultJWTExpiration  = 24 * time.Hour
	DefaultDBPath         = "tsbridge.db"
	DefaultAdminUser      = "admin"
	DefaultThingSpeakHost = "api.thingspeak.com"
	DefaultMQTTPrefix     = "tsbridge"
)

// Config holds the application configuration.
// All access goes through the getters and setters.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool

	addr          string
	jwtSecret     string
	jwtExpiration time.Duration
	noAuth        bool
	dbPath        string

	adminUser         string
	adminPasswordHash string

	thingSpeakHost    string
	thingSpeakUserKey string

	mqttBroker   string
	mqttClientID string
	mqttUsername string
	mqttPassword string
	mqttPrefix   string
	mqttUseTLS   bool

	addrOverride   string
	noAuthOverride bool
}

// Load reads filePath or creates it with defaults and a fresh JWT secret
func Load(filePath string) (*Config, error) {
	cfg := &Config{filePath: filePath}
	cfg.setDefaults()

	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg.dirty = true
	}

	if cfg.jwtSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.jwtSecret = secret
		cfg.dirty = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.addr = DefaultAddr
	c.jwtSecret = ""
	c.jwtExpiration = DefaultJWTExpiration
	c.noAuth = false
	c.dbPath = DefaultDBPath
	c.adminUser = DefaultAdminUser
	c.adminPasswordHash = ""
	c.thingSpeakHost = DefaultThingSpeakHost
	c.thingSpeakUserKey = ""
	c.mqttBroker = ""
	c.mqttClientID = ""
	c.mqttUsername = ""
	c.mqttPassword = ""
	c.mqttPrefix = DefaultMQTTPrefix
	c.mqttUseTLS = false
}

func (c *Config) loadFromFile() error {
	file, err := os.Open(c.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	values, err := ParseEnvFile(file)
	if err != nil {
		return err
	}

	c.applyValues(values)
	return nil
}

// applyValues copies known keys. Empty values keep the default for keys that need one.
func (c *Config) applyValues(values map[string]string) {
	nonEmpty := func(key string, dst *string) {
		if v, ok := values[key]; ok && v != "" {
			*dst = v
		}
	}
	verbatim := func(key string, dst *string) {
		if v, ok := values[key]; ok {
			*dst = v
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := values[key]; ok {
			*dst = parseBool(v)
		}
	}

	nonEmpty(EnvAddr, &c.addr)
	nonEmpty(EnvJWTSecret, &c.jwtSecret)
	if v, ok := values[EnvJWTExpiration]; ok && v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.jwtExpiration = time.Duration(seconds) * time.Second
		}
	}
	flag(EnvNoAuth, &c.noAuth)
	nonEmpty(EnvDBPath, &c.dbPath)
	nonEmpty(EnvAdminUser, &c.adminUser)
	verbatim(EnvAdminPasswordHash, &c.adminPasswordHash)

	nonEmpty(EnvThingSpeakHost, &c.thingSpeakHost)
	verbatim(EnvThingSpeakUserKey, &c.thingSpeakUserKey)

	verbatim(EnvMQTTBroker, &c.mqttBroker)
	verbatim(EnvMQTTClientID, &c.mqttClientID)
	verbatim(EnvMQTTUsername, &c.mqttUsername)
	verbatim(EnvMQTTPassword, &c.mqttPassword)
	nonEmpty(EnvMQTTPrefix, &c.mqttPrefix)
	flag(EnvMQTTUseTLS, &c.mqttUseTLS)
}

func (c *Config) validate() error {
	if c.addr == "" {
		return errors.New("server address cannot be empty")
	}

	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		return fmt.Errorf("invalid server address format: %s", c.addr)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("invalid port number: %s", port)
	}

	if c.jwtExpiration < time.Minute {
		return errors.New("JWT expiration must be at least 1 minute")
	}
	if c.jwtExpiration > 365*24*time.Hour {
		return errors.New("JWT expiration cannot exceed 1 year")
	}

	if c.dbPath == "" || strings.ContainsRune(c.dbPath, 0) {
		return errors.New("invalid database path")
	}

	if strings.ContainsAny(c.thingSpeakHost, "/ ") {
		return fmt.Errorf("ThingSpeak host must be host or host:port, got %q", c.thingSpeakHost)
	}

	if strings.ContainsAny(c.mqttPrefix, "#+") {
		return errors.New("MQTT prefix cannot contain wildcards")
	}

	return nil
}

// Save writes the configuration to the .env file
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := WriteEnvFile(filePath, values); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return nil
}

func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:              c.addr,
		EnvJWTSecret:         c.jwtSecret,
		EnvJWTExpiration:     strconv.Itoa(int(c.jwtExpiration.Seconds())),
		EnvNoAuth:            strconv.FormatBool(c.noAuth),
		EnvDBPath:            c.dbPath,
		EnvAdminUser:         c.adminUser,
		EnvAdminPasswordHash: c.adminPasswordHash,
		EnvThingSpeakHost:    c.thingSpeakHost,
		EnvThingSpeakUserKey: c.thingSpeakUserKey,
		EnvMQTTBroker:        c.mqttBroker,
		EnvMQTTClientID:      c.mqttClientID,
		EnvMQTTUsername:      c.mqttUsername,
		EnvMQTTPassword:      c.mqttPassword,
		EnvMQTTPrefix:        c.mqttPrefix,
		EnvMQTTUseTLS:        strconv.FormatBool(c.mqttUseTLS),
	}
}

// get reads one field under the read lock
func get[T any](c *Config, field *T) T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *field
}

// set writes one field, validates and saves. The old value is restored on a validation error.
func set[T any](c *Config, field *T, v T) error {
	c.mu.Lock()
	old := *field
	*field = v
	err := c.validate()
	if err != nil {
		*field = old
	} else {
		c.dirty = true
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	return c.Save()
}

func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.addrOverride != "" {
		return c.addrOverride
	}
	return c.addr
}

func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth || c.noAuthOverride
}

func (c *Config) JWTSecret() string            { return get(c, &c.jwtSecret) }
func (c *Config) JWTExpiration() time.Duration { return get(c, &c.jwtExpiration) }
func (c *Config) DBPath() string               { return get(c, &c.dbPath) }
func (c *Config) FilePath() string             { return get(c, &c.filePath) }

func (c *Config) AdminUser() string         { return get(c, &c.adminUser) }
func (c *Config) AdminPasswordHash() string { return get(c, &c.adminPasswordHash) }

// ThingSpeakHost returns the default host:port of the upload service
func (c *Config) ThingSpeakHost() string { return get(c, &c.thingSpeakHost) }

// ThingSpeakUserKey returns the account key used for channel management
func (c *Config) ThingSpeakUserKey() string { return get(c, &c.thingSpeakUserKey) }

func (c *Config) MQTTBroker() string   { return get(c, &c.mqttBroker) }
func (c *Config) MQTTClientID() string { return get(c, &c.mqttClientID) }
func (c *Config) MQTTUsername() string { return get(c, &c.mqttUsername) }
func (c *Config) MQTTPassword() string { return get(c, &c.mqttPassword) }
func (c *Config) MQTTPrefix() string   { return get(c, &c.mqttPrefix) }
func (c *Config) MQTTUseTLS() bool     { return get(c, &c.mqttUseTLS) }

// Setters validate and save to file

func (c *Config) SetAddr(addr string) error { return set(c, &c.addr, addr) }

func (c *Config) SetJWTSecret(secret string) error {
	if secret == "" {
		return errors.New("JWT secret cannot be empty")
	}
	return set(c, &c.jwtSecret, secret)
}

func (c *Config) SetJWTExpiration(d time.Duration) error { return set(c, &c.jwtExpiration, d) }
func (c *Config) SetNoAuth(noAuth bool) error            { return set(c, &c.noAuth, noAuth) }

// Override changes the listen address and auth mode for this process.
// Overrides are never written to the file. An empty addr keeps the configured one.
func (c *Config) Override(addr string, noAuth bool) error {
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid server address format: %s", addr)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrOverride = addr
	c.noAuthOverride = noAuth
	return nil
}

// SetAdminPasswordHash stores a bcrypt hash of the admin password
func (c *Config) SetAdminPasswordHash(hash string) error {
	return set(c, &c.adminPasswordHash, hash)
}

func (c *Config) SetAdminUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("admin user cannot be empty")
	}
	return set(c, &c.adminUser, user)
}

func (c *Config) SetThingSpeakHost(host string) error {
	if host == "" {
		host = DefaultThingSpeakHost
	}
	return set(c, &c.thingSpeakHost, host)
}

func (c *Config) SetThingSpeakUserKey(key string) error {
	return set(c, &c.thingSpeakUserKey, strings.TrimSpace(key))
}

// generateSecureSecret returns length random bytes hex encoded
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool accepts true/1/yes/on, everything else is false
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// Reload re-reads the file, keeping the JWT secret if the file lost it
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentSecret := c.jwtSecret
	c.setDefaults()

	if err := c.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return err
	}
	if c.jwtSecret == "" {
		c.jwtSecret = currentSecret
	}

	return c.validate()
}

// String returns the config without secrets
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	setOrNot := func(s string) string {
		if s == "" {
			return "[not set]"
		}
		return "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, DBPath: %q, NoAuth: %v, JWTSecret: %s, AdminUser: %q, AdminPassword: %s, ThingSpeakHost: %q, UserKey: %s, MQTTBroker: %q}",
		c.addr, c.dbPath, c.noAuth, setOrNot(c.jwtSecret), c.adminUser, setOrNot(c.adminPasswordHash),
		c.thingSpeakHost, setOrNot(c.thingSpeakUserKey), c.mqttBroker,
	)
}
