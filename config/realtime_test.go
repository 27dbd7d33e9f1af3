package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.SessionInitAttempts)
	assert.Equal(t, time.Second, cfg.SessionInitBackoff)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, []string{"text"}, cfg.Modalities())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REALTIME_ADDR", ":9999")
	t.Setenv("REALTIME_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("REALTIME_RATE_LIMIT_REQUESTS", "10")
	t.Setenv("REALTIME_AUDIO_ENABLED", "true")
	t.Setenv("REALTIME_DB_DRIVER", "SQLite")
	t.Setenv("REALTIME_DB_DSN", "file::memory:")
	t.Setenv("REALTIME_MAX_CONNECTIONS", "not-a-number")

	cfg, err := LoadFromEnv("testdata/missing.env")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10, cfg.RateLimitRequests)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, []string{"text", "audio"}, cfg.Modalities())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *RealtimeConfig){
		"zero heartbeat":   func(c *RealtimeConfig) { c.HeartbeatInterval = 0 },
		"no attempts":      func(c *RealtimeConfig) { c.SessionInitAttempts = 0 },
		"unknown driver":   func(c *RealtimeConfig) { c.DBDriver = "mongo" },
		"pgx without dsn":  func(c *RealtimeConfig) { c.DBDriver = DriverPgx },
		"relative path":    func(c *RealtimeConfig) { c.Path = "ws" },
		"hot temperature":  func(c *RealtimeConfig) { c.DefaultTemperature = 3 },
		"no connections":   func(c *RealtimeConfig) { c.MaxConnections = 0 },
		"negative backoff": func(c *RealtimeConfig) { c.SessionInitBackoff = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
