// Package events is the engine's notification seam. The engine emits events
// on sync completion, failure, conflicts and disconnects; delivery to users
// is someone else's job.
package events

import (
	"context"
	"time"
)

// Event names.
const (
	SyncCompleted      = "sync.completed"
	SyncFailed         = "sync.failed"
	ConflictDetected   = "sync.conflict_detected"
	DeviceDisconnected = "device.disconnected"
)

type Event struct {
	Name       string         `json:"name"`
	DeviceID   string         `json:"device_id"`
	UserID     string         `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

func NewEvent(name, deviceID, userID string, props map[string]any) Event {
	return Event{
		Name:       name,
		DeviceID:   deviceID,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Properties: props,
	}
}

// Notifier publishes engine events. Publish failures must never fail a sync.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
