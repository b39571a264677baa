package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Addr())
	assert.Equal(t, DefaultDBPath, cfg.DBPath())
	assert.Equal(t, DefaultAdminUser, cfg.AdminUser())
	assert.Equal(t, DefaultThingSpeakHost, cfg.ThingSpeakHost())
	assert.Equal(t, DefaultMQTTPrefix, cfg.MQTTPrefix())
	assert.Equal(t, DefaultJWTExpiration, cfg.JWTExpiration())
	assert.Len(t, cfg.JWTSecret(), 64)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), EnvJWTSecret+"="+cfg.JWTSecret())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.JWTSecret(), again.JWTSecret(), "secret is stable across loads")
}

func TestLoadExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"# comment",
		"",
		"export TSBRIDGE_ADDR=127.0.0.1:9000",
		"TSBRIDGE_JWT_SECRET=abc",
		"TSBRIDGE_JWT_EXPIRATION=3600",
		"TSBRIDGE_NO_AUTH=yes",
		`TSBRIDGE_ADMIN_PASSWORD_HASH="$2a$10$abcdefghijklmnopqrstuv"`,
		"TSBRIDGE_THINGSPEAK_HOST=ts.local:3000",
		"TSBRIDGE_THINGSPEAK_USER_KEY='USERKEY'",
		"TSBRIDGE_MQTT_BROKER=tcp://broker:1883",
		"TSBRIDGE_MQTT_USE_TLS=0",
		"UNKNOWN_KEY=ignored",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, "abc", cfg.JWTSecret())
	assert.Equal(t, time.Hour, cfg.JWTExpiration())
	assert.True(t, cfg.NoAuth())
	assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", cfg.AdminPasswordHash())
	assert.Equal(t, "ts.local:3000", cfg.ThingSpeakHost())
	assert.Equal(t, "USERKEY", cfg.ThingSpeakUserKey())
	assert.Equal(t, "tcp://broker:1883", cfg.MQTTBroker())
	assert.False(t, cfg.MQTTUseTLS())
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, line := range map[string]string{
		"port":       "TSBRIDGE_ADDR=:99999",
		"address":    "TSBRIDGE_ADDR=nonsense",
		"expiration": "TSBRIDGE_JWT_EXPIRATION=10",
		"host":       "TSBRIDGE_THINGSPEAK_HOST=https://api.thingspeak.com",
		"prefix":     "TSBRIDGE_MQTT_PREFIX=home/#",
		"syntax":     "JUST A LINE",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".env")
			require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSettersPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	cfg, err := Load(path)
	require.NoError(t, err)

	hash := "$2a$10$0123456789abcdefghijkl"
	require.NoError(t, cfg.SetAdminPasswordHash(hash))
	require.NoError(t, cfg.SetThingSpeakUserKey("  KEY  "))
	require.NoError(t, cfg.SetAddr(":9090"))

	assert.Error(t, cfg.SetAddr("bad"))
	assert.Equal(t, ":9090", cfg.Addr(), "invalid value is rolled back")
	assert.Error(t, cfg.SetAdminUser(" "))
	assert.Error(t, cfg.SetJWTSecret(""))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, hash, reloaded.AdminPasswordHash())
	assert.Equal(t, "KEY", reloaded.ThingSpeakUserKey())
	assert.Equal(t, ":9090", reloaded.Addr())
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	cfg, err := Load(path)
	require.NoError(t, err)
	secret := cfg.JWTSecret()

	require.NoError(t, os.WriteFile(path, []byte("TSBRIDGE_ADDR=:7000\n"), 0600))
	require.NoError(t, cfg.Reload())
	assert.Equal(t, ":7000", cfg.Addr())
	assert.Equal(t, secret, cfg.JWTSecret(), "secret survives a file without one")
}

func TestStringHidesSecrets(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	require.NoError(t, cfg.SetThingSpeakUserKey("SECRETUSERKEY"))

	s := cfg.String()
	assert.NotContains(t, s, cfg.JWTSecret())
	assert.NotContains(t, s, "SECRETUSERKEY")
}

func TestParseEnvFileQuoting(t *testing.T) {
	values, err := ParseEnvFile(strings.NewReader("A=\"x y\"\nB='z'\nC=plain\nD=\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "x y", "B": "z", "C": "plain", "D": ""}, values)

	_, err = ParseEnvFile(strings.NewReader("=value\n"))
	assert.Error(t, err)
}

func TestOverrideIsNotSaved(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.Override(":9090", true))
	assert.Equal(t, ":9090", cfg.Addr())
	assert.True(t, cfg.NoAuth())

	// a later setter saves the file, the overrides stay out of it
	require.NoError(t, cfg.SetThingSpeakUserKey("KEY"))
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, reloaded.Addr())
	assert.False(t, reloaded.NoAuth())

	assert.Error(t, cfg.Override("nonsense", false))
}
