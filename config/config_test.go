package config

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("COUNT_PORT", "9090")
	t.Setenv("COUNT_DB_PATH", ":memory:")
	t.Setenv("COUNT_REDIS_ADDR", "localhost:6379")
	t.Setenv("COUNT_LOCK_TTL", "5s")
	t.Setenv("COUNT_SNAPSHOT_INTERVAL", "0s")
	t.Setenv("COUNT_UNCOUNTED_SAMPLE", "3")
	t.Setenv("COUNT_ALLOWED_ORIGINS", "http://a.test, ,http://b.test")

	cfg, err := FromEnv(Default())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 5*time.Second, cfg.LockTTL)
	assert.Equal(t, time.Duration(0), cfg.SnapshotInterval)
	assert.Equal(t, 3, cfg.UncountedSample)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv_BadValues(t *testing.T) {
	t.Setenv("COUNT_PORT", "eighty")
	_, err := FromEnv(Default())
	assert.ErrorContains(t, err, "COUNT_PORT")
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("COUNT_PORT", "9090")

	cfg, err := Load([]string{"-port", "7070", "-db", ":memory:", "-log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Port = 0 }},
		{"db path", func(c *Config) { c.DBPath = "" }},
		{"lock ttl", func(c *Config) { c.LockTTL = 0 }},
		{"snapshot interval", func(c *Config) { c.SnapshotInterval = -time.Second }},
		{"uncounted sample", func(c *Config) { c.UncountedSample = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	LogError(logger, "count", "Confirm", map[string]int{"batch_id": 7}, errors.New("boom"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"module":"count"`)
	assert.Contains(t, out, `"func":"Confirm"`)
	assert.Contains(t, out, `"msg":"boom"`)

	_, err = NewLogger("loud", nil)
	assert.Error(t, err)
}
