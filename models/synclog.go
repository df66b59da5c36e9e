package models

import (
	"context"
	"time"
)

// Sync directions.
const (
	SyncDirectionPull = "pull"
	SyncDirectionPush = "push"
	SyncDirectionBoth = "both"
)

// Sync outcome statuses. Skipped means another sync for the device was
// already in flight; it is not an error.
const (
	SyncStatusSuccess   = "success"
	SyncStatusFailed    = "failed"
	SyncStatusPartial   = "partial"
	SyncStatusConflict  = "conflict"
	SyncStatusSkipped   = "skipped"
	SyncStatusCancelled = "cancelled"
)

// SyncLog is one entry per sync attempt. The table is append-only: entries
// are never updated after the attempt completes.
type SyncLog struct {
	ID               string     `json:"id"`
	DeviceID         string     `json:"device_id"`
	Direction        string     `json:"direction"`
	Status           string     `json:"status"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsAdded     int        `json:"records_added"`
	RecordsUpdated   int        `json:"records_updated"`
	RecordsFailed    int        `json:"records_failed"`
	Conflicts        int        `json:"conflicts"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ErrorDetail      string     `json:"error_detail,omitempty"`
}

// SyncLogSelectParams filters sync log selection.
type SyncLogSelectParams struct {
	DeviceID string
	Status   string
	Limit    int
}

type SyncLogRepository interface {
	Create(ctx context.Context, entry *SyncLog) error
	Select(ctx context.Context, params SyncLogSelectParams) ([]SyncLog, error)
}

// SyncSchedule holds per-device scheduling and backoff state. Keeping backoff
// in the row (not ambient timers) lets it survive process restarts.
type SyncSchedule struct {
	DeviceID            string        `json:"device_id"`
	Frequency           time.Duration `json:"frequency"`
	AutoSync            bool          `json:"auto_sync"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastRunAt           *time.Time    `json:"last_run_at,omitempty"`
	NextSyncAt          time.Time     `json:"next_sync_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

type ScheduleRepository interface {
	Get(ctx context.Context, deviceID string) (SyncSchedule, error)
	Save(ctx context.Context, schedule *SyncSchedule) error
	// SelectDue returns schedules with auto-sync enabled and next_sync_at <= now.
	SelectDue(ctx context.Context, now time.Time, limit int) ([]SyncSchedule, error)
}
