// Package goredis publishes engine events on a Redis pub/sub channel for the
// notification service to consume.
package goredis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vitaltrack/healthsync/events"
)

const defaultChannel = "healthsync:events"

type service struct {
	client  *redis.Client
	channel string
}

func New(client *redis.Client, channel string) events.Notifier {
	if channel == "" {
		channel = defaultChannel
	}

	return &service{client: client, channel: channel}
}

func (s *service) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	return nil
}

func (s *service) Close() error {
	return s.client.Close()
}
