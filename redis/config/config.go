// Package config provides Redis configuration for the sync job queue.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and worker pool parameters.
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	RetentionPeriod time.Duration
	QueuePriorities map[string]int
}

const (
	defaultHost          = "localhost"
	defaultPort          = 6379
	defaultDB            = 0
	defaultWorkers       = 10
	defaultRetryInterval = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetentionDays = 7
	minPort              = 1
	maxPort              = 65535
	minWorkers           = 1
	maxWorkers           = 100
)

// DefaultQueuePriorities defines the priority weights for the task queues.
// Manual user-triggered syncs land in critical; scheduled syncs in default;
// correlation runs in low.
var DefaultQueuePriorities = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

// NewRedisConfig builds a configuration from environment variables. REDIS_URL
// takes precedence over the individual REDIS_* variables.
func NewRedisConfig() (*RedisConfig, error) {
	cfg := &RedisConfig{
		Host:            getEnvOrDefault("REDIS_HOST", defaultHost),
		Port:            defaultPort,
		Password:        os.Getenv("REDIS_PASSWORD"),
		DB:              defaultDB,
		Workers:         defaultWorkers,
		RetryInterval:   defaultRetryInterval,
		MaxRetries:      defaultMaxRetries,
		RetentionPeriod: defaultRetentionDays * 24 * time.Hour,
		QueuePriorities: make(map[string]int),
	}

	for queue, priority := range DefaultQueuePriorities {
		cfg.QueuePriorities[queue] = priority
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if err := cfg.applyURL(redisURL); err != nil {
			return nil, err
		}

		return cfg, nil
	}

	if raw := os.Getenv("REDIS_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < minPort || port > maxPort {
			return nil, fmt.Errorf("invalid REDIS_PORT %q", raw)
		}

		cfg.Port = port
	}

	if raw := os.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB %q", raw)
		}

		cfg.DB = db
	}

	if raw := os.Getenv("REDIS_WORKERS"); raw != "" {
		workers, err := strconv.Atoi(raw)
		if err != nil || workers < minWorkers || workers > maxWorkers {
			return nil, fmt.Errorf("invalid REDIS_WORKERS %q (must be %d-%d)", raw, minWorkers, maxWorkers)
		}

		cfg.Workers = workers
	}

	if raw := os.Getenv("REDIS_RETRY_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil || interval < time.Second {
			return nil, fmt.Errorf("invalid REDIS_RETRY_INTERVAL %q", raw)
		}

		cfg.RetryInterval = interval
	}

	if raw := os.Getenv("REDIS_MAX_RETRIES"); raw != "" {
		retries, err := strconv.Atoi(raw)
		if err != nil || retries < 1 {
			return nil, fmt.Errorf("invalid REDIS_MAX_RETRIES %q", raw)
		}

		cfg.MaxRetries = retries
	}

	if raw := os.Getenv("REDIS_RETENTION_DAYS"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 {
			return nil, fmt.Errorf("invalid REDIS_RETENTION_DAYS %q", raw)
		}

		cfg.RetentionPeriod = time.Duration(days) * 24 * time.Hour
	}

	return cfg, nil
}

func (c *RedisConfig) applyURL(redisURL string) error {
	parsed, err := url.Parse(redisURL)
	if err != nil {
		return fmt.Errorf("invalid Redis URL: %w", err)
	}

	if host := parsed.Hostname(); host != "" {
		c.Host = host
	}

	if port := parsed.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port in Redis URL: %w", err)
		}

		c.Port = p
	}

	if password, ok := parsed.User.Password(); ok {
		c.Password = password
	}

	if path := strings.TrimPrefix(parsed.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil {
			return fmt.Errorf("invalid database number in Redis URL: %w", err)
		}

		c.DB = db
	}

	return nil
}

// GetRedisAddr returns the formatted Redis address.
func (c *RedisConfig) GetRedisAddr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	return fmt.Sprintf("%s:%d", host, c.Port)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
