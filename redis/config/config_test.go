package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisConfigDefaults(t *testing.T) {
	cfg, err := NewRedisConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6379, cfg.Port)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionPeriod)
	assert.Equal(t, DefaultQueuePriorities, cfg.QueuePriorities)
}

func TestNewRedisConfigFromURL(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://:secret@redis.internal:6380/2")

	cfg, err := NewRedisConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.Host)
	assert.Equal(t, 6380, cfg.Port)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 2, cfg.DB)
}

func TestNewRedisConfigFromParts(t *testing.T) {
	t.Setenv("REDIS_HOST", "10.0.0.5")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "1")
	t.Setenv("REDIS_WORKERS", "25")
	t.Setenv("REDIS_RETENTION_DAYS", "3")

	cfg, err := NewRedisConfig()
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 6380, cfg.Port)
	assert.Equal(t, 1, cfg.DB)
	assert.Equal(t, 25, cfg.Workers)
	assert.Equal(t, 3*24*time.Hour, cfg.RetentionPeriod)
}

func TestNewRedisConfigInvalidPort(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-port")

	_, err := NewRedisConfig()
	assert.Error(t, err)
}

func TestNewRedisConfigInvalidWorkers(t *testing.T) {
	t.Setenv("REDIS_WORKERS", "0")

	_, err := NewRedisConfig()
	assert.Error(t, err)
}

func TestGetRedisAddr(t *testing.T) {
	cfg := &RedisConfig{Host: "localhost", Port: 6379}
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())

	cfg = &RedisConfig{Host: "::1", Port: 6379}
	assert.Equal(t, "[::1]:6379", cfg.GetRedisAddr())
}
