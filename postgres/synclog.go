package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vitaltrack/healthsync/models"
)

type syncLogRepository struct {
	db *sql.DB
}

// NewSyncLogRepository creates a postgres-backed sync log repository.
func NewSyncLogRepository(db *sql.DB) models.SyncLogRepository {
	return &syncLogRepository{db: db}
}

func (repo *syncLogRepository) Create(ctx context.Context, entry *models.SyncLog) error {
	const q = `INSERT INTO sync_logs
		(id, device_id, direction, status, records_processed, records_added, records_updated,
		 records_failed, conflicts, started_at, finished_at, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := repo.db.ExecContext(ctx, q,
		entry.ID, entry.DeviceID, entry.Direction, entry.Status,
		entry.RecordsProcessed, entry.RecordsAdded, entry.RecordsUpdated,
		entry.RecordsFailed, entry.Conflicts, entry.StartedAt.UTC(),
		entry.FinishedAt, entry.ErrorDetail,
	)

	return err
}

func (repo *syncLogRepository) Select(ctx context.Context, params models.SyncLogSelectParams) ([]models.SyncLog, error) {
	q := `SELECT id, device_id, direction, status, records_processed, records_added, records_updated,
		records_failed, conflicts, started_at, finished_at, error_detail
		FROM sync_logs WHERE 1=1`

	var args []any

	if params.DeviceID != "" {
		args = append(args, params.DeviceID)
		q += fmt.Sprintf(" AND device_id = $%d", len(args))
	}

	if params.Status != "" {
		args = append(args, params.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}

	q += " ORDER BY started_at DESC"

	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.SyncLog

	for rows.Next() {
		var entry models.SyncLog

		err := rows.Scan(
			&entry.ID, &entry.DeviceID, &entry.Direction, &entry.Status,
			&entry.RecordsProcessed, &entry.RecordsAdded, &entry.RecordsUpdated,
			&entry.RecordsFailed, &entry.Conflicts, &entry.StartedAt,
			&entry.FinishedAt, &entry.ErrorDetail,
		)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

type scheduleRepository struct {
	db *sql.DB
}

// NewScheduleRepository creates a postgres-backed schedule repository.
func NewScheduleRepository(db *sql.DB) models.ScheduleRepository {
	return &scheduleRepository{db: db}
}

func (repo *scheduleRepository) Get(ctx context.Context, deviceID string) (models.SyncSchedule, error) {
	const q = `SELECT device_id, frequency_seconds, auto_sync, consecutive_failures, last_run_at, next_sync_at, updated_at
		FROM sync_schedules WHERE device_id = $1`

	row := repo.db.QueryRowContext(ctx, q, deviceID)

	schedule, err := scanSchedule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.SyncSchedule{}, models.ErrNotFound
		}

		return models.SyncSchedule{}, err
	}

	return schedule, nil
}

func (repo *scheduleRepository) Save(ctx context.Context, schedule *models.SyncSchedule) error {
	schedule.UpdatedAt = time.Now().UTC()

	const q = `INSERT INTO sync_schedules
		(device_id, frequency_seconds, auto_sync, consecutive_failures, last_run_at, next_sync_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO UPDATE SET
			frequency_seconds = EXCLUDED.frequency_seconds,
			auto_sync = EXCLUDED.auto_sync,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_run_at = EXCLUDED.last_run_at,
			next_sync_at = EXCLUDED.next_sync_at,
			updated_at = EXCLUDED.updated_at`

	_, err := repo.db.ExecContext(ctx, q,
		schedule.DeviceID, int64(schedule.Frequency.Seconds()), schedule.AutoSync,
		schedule.ConsecutiveFailures, schedule.LastRunAt, schedule.NextSyncAt.UTC(),
		schedule.UpdatedAt,
	)

	return err
}

func (repo *scheduleRepository) SelectDue(ctx context.Context, now time.Time, limit int) ([]models.SyncSchedule, error) {
	const q = `SELECT device_id, frequency_seconds, auto_sync, consecutive_failures, last_run_at, next_sync_at, updated_at
		FROM sync_schedules
		WHERE auto_sync = TRUE AND next_sync_at <= $1
		ORDER BY next_sync_at ASC
		LIMIT $2`

	rows, err := repo.db.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []models.SyncSchedule

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}

		schedules = append(schedules, schedule)
	}

	return schedules, rows.Err()
}

func scanSchedule(row rowScanner) (models.SyncSchedule, error) {
	var (
		schedule  models.SyncSchedule
		frequency int64
	)

	err := row.Scan(
		&schedule.DeviceID, &frequency, &schedule.AutoSync, &schedule.ConsecutiveFailures,
		&schedule.LastRunAt, &schedule.NextSyncAt, &schedule.UpdatedAt,
	)
	if err != nil {
		return models.SyncSchedule{}, err
	}

	schedule.Frequency = time.Duration(frequency) * time.Second

	return schedule, nil
}
