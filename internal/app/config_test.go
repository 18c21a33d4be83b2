package app

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetEnv removes key for the duration of the test. envconfig treats an
// empty variable as set, so t.Setenv(key, "") would bypass defaults.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	unsetEnv(t, "AUTHZ_BACKEND")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.AuthzBackend)
	assert.Equal(t, 5*time.Second, cfg.AuthzCacheTTL)
	assert.Equal(t, 10000, cfg.AuthzCacheMaxEntries)
	assert.Equal(t, 2*time.Second, cfg.AuthzStoreTimeout)
	assert.True(t, cfg.AuthzBroadcast)
	assert.Equal(t, "authz.invalidate", cfg.AuthzInvalidationChannel)
	assert.False(t, cfg.AuthzStrictCatalog)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTHZ_BACKEND", " Memory ")
	t.Setenv("AUTHZ_CACHE_TTL", "250ms")
	t.Setenv("AUTHZ_BROADCAST", "false")
	t.Setenv("AUTHZ_STRICT_CATALOG", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.AuthzBackend)
	assert.Equal(t, 250*time.Millisecond, cfg.AuthzCacheTTL)
	assert.True(t, cfg.AuthzStrictCatalog)
	assert.False(t, cfg.UsesRedis())
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			AppEnv:                   "development",
			AuthzBackend:             BackendRedis,
			AuthzCacheTTL:            time.Second,
			AuthzCacheMaxEntries:     10,
			AuthzStoreTimeout:        time.Second,
			AuthzInvalidationChannel: "authz.invalidate",
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.AuthzBackend = "etcd" }},
		{"zero ttl", func(c *Config) { c.AuthzCacheTTL = 0 }},
		{"zero timeout", func(c *Config) { c.AuthzStoreTimeout = 0 }},
		{"zero max entries", func(c *Config) { c.AuthzCacheMaxEntries = 0 }},
		{"blank channel", func(c *Config) { c.AuthzInvalidationChannel = "  " }},
		{"negative rate limit", func(c *Config) { c.AppRateLimit = -1 }},
		{"unsafe users ref", func(c *Config) { c.AuthzUsersRef = "users(id); DROP TABLE users" }},
		{"memory in production", func(c *Config) {
			c.AppEnv = "production"
			c.AuthzBackend = BackendMemory
		}},
	}

	base := valid()
	require.NoError(t, base.Validate())
	base.AuthzUsersRef = "users(id)"
	require.NoError(t, base.Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json"}, &buf).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "odyssey-authz", line["service"])

	buf.Reset()
	newLogger(&Config{LogFormat: "pretty"}, &buf).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
