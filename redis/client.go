// Package redis wraps the asynq client and server used for the sync job
// queue.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vitaltrack/healthsync/redis/config"
	"github.com/vitaltrack/healthsync/redis/tasks"
)

// syncUniqueTTL collapses duplicate sync enqueues for one device while a job
// is still queued or running. Together with the orchestrator's per-device
// lock this keeps at most one sync in flight per device across processes.
const syncUniqueTTL = 10 * time.Minute

// Client wraps asynq client functionality.
type Client struct {
	client *asynq.Client
	cfg    *config.RedisConfig
	mu     sync.RWMutex
}

// NewClient creates a new queue client with the provided configuration.
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)

	if err := testConnection(client); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client, cfg: cfg}, nil
}

// EnqueueSync enqueues a scheduled sync job for a device.
func (c *Client) EnqueueSync(ctx context.Context, deviceID string) error {
	return c.enqueueSync(ctx, deviceID, false)
}

// EnqueueManualSync enqueues a user-triggered sync job on the critical queue.
func (c *Client) EnqueueManualSync(ctx context.Context, deviceID string) error {
	return c.enqueueSync(ctx, deviceID, true)
}

func (c *Client) enqueueSync(ctx context.Context, deviceID string, manual bool) error {
	payload, err := json.Marshal(tasks.SyncPayload{DeviceID: deviceID, Manual: manual})
	if err != nil {
		return fmt.Errorf("marshal sync payload: %w", err)
	}

	queue := tasks.QueueDefault
	if manual {
		queue = tasks.QueueCritical
	}

	return c.enqueue(ctx, tasks.TypeSyncDevice, payload,
		asynq.Queue(queue),
		asynq.Unique(syncUniqueTTL),
		asynq.MaxRetry(0),
		asynq.Retention(c.cfg.RetentionPeriod),
	)
}

// EnqueuePush enqueues a write-back job for a push-capable device.
func (c *Client) EnqueuePush(ctx context.Context, deviceID string) error {
	payload, err := json.Marshal(tasks.SyncPayload{DeviceID: deviceID})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	return c.enqueue(ctx, tasks.TypePushDevice, payload,
		asynq.Queue(tasks.QueueDefault),
		asynq.MaxRetry(0),
		asynq.Retention(c.cfg.RetentionPeriod),
	)
}

// EnqueueCorrelation enqueues a correlation analysis run for a user on the
// low-priority queue.
func (c *Client) EnqueueCorrelation(ctx context.Context, userID string) error {
	payload, err := json.Marshal(tasks.CorrelatePayload{UserID: userID})
	if err != nil {
		return fmt.Errorf("marshal correlate payload: %w", err)
	}

	return c.enqueue(ctx, tasks.TypeCorrelate, payload,
		asynq.Queue(tasks.QueueLow),
		asynq.MaxRetry(c.cfg.MaxRetries),
		asynq.Retention(c.cfg.RetentionPeriod),
	)
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task := asynq.NewTask(taskType, payload)

	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", taskType, err)
	}

	return nil
}

// Close closes the queue client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

// IsHealthy checks if the Redis connection is healthy.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := c.client.EnqueueContext(ctx, asynq.NewTask(tasks.TypeHealthCheck, nil))

	return err == nil
}

// testConnection tests the Redis connection.
func testConnection(client *asynq.Client) error {
	task := asynq.NewTask(tasks.TypeConnectionTest, nil)

	if _, err := client.EnqueueContext(context.Background(), task); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}
