package tasks

// Task types.
const (
	TypeSyncDevice     = "sync:device"
	TypePushDevice     = "sync:push"
	TypeCorrelate      = "correlation:run"
	TypeHealthCheck    = "health:check"
	TypeConnectionTest = "connection:test"
)

// Queue names, highest priority first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// SyncPayload is the payload for a device sync task.
type SyncPayload struct {
	DeviceID string `json:"device_id"`
	// Manual marks a user-triggered sync; these skip schedule bookkeeping.
	Manual bool `json:"manual,omitempty"`
}

// CorrelatePayload is the payload for a correlation analysis run.
type CorrelatePayload struct {
	UserID string `json:"user_id"`
}
