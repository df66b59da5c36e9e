package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vitaltrack/healthsync/models"
)

type observationRepository struct {
	db *sql.DB
}

// NewObservationRepository creates a postgres-backed observation repository.
func NewObservationRepository(db *sql.DB) models.ObservationRepository {
	return &observationRepository{db: db}
}

// Upsert inserts an observation if no row exists for the same
// (device_id, metric_type, external_id). Re-syncing a window is therefore a
// no-op for already-stored readings.
func (repo *observationRepository) Upsert(ctx context.Context, obs *models.HealthObservation) (bool, error) {
	if err := obs.Validate(); err != nil {
		return false, err
	}

	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO health_observations
		(id, user_id, device_id, metric_type, value, unit, recorded_at, observed_at, confidence, external_id, superseded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (device_id, metric_type, external_id) DO NOTHING`

	res, err := repo.db.ExecContext(ctx, q,
		obs.ID, obs.UserID, obs.DeviceID, obs.MetricType, obs.Value, obs.Unit,
		obs.RecordedAt.UTC(), obs.ObservedAt.UTC(), obs.Confidence, obs.ExternalID,
		obs.Superseded, obs.CreatedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (repo *observationRepository) Select(ctx context.Context, params models.ObservationSelectParams) ([]models.HealthObservation, error) {
	q := `SELECT id, user_id, device_id, metric_type, value, unit, recorded_at, observed_at,
		confidence, external_id, superseded, created_at
		FROM health_observations WHERE deleted_at IS NULL`

	var args []any

	if params.UserID != "" {
		args = append(args, params.UserID)
		q += fmt.Sprintf(" AND user_id = $%d", len(args))
	}

	if params.DeviceID != "" {
		args = append(args, params.DeviceID)
		q += fmt.Sprintf(" AND device_id = $%d", len(args))
	}

	if params.MetricType != "" {
		args = append(args, params.MetricType)
		q += fmt.Sprintf(" AND metric_type = $%d", len(args))
	}

	if !params.From.IsZero() {
		args = append(args, params.From.UTC())
		q += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}

	if !params.To.IsZero() {
		args = append(args, params.To.UTC())
		q += fmt.Sprintf(" AND recorded_at <= $%d", len(args))
	}

	if params.Authoritative {
		q += " AND superseded = FALSE"
	}

	q += " ORDER BY recorded_at ASC, external_id ASC"

	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.HealthObservation

	for rows.Next() {
		var obs models.HealthObservation

		err := rows.Scan(
			&obs.ID, &obs.UserID, &obs.DeviceID, &obs.MetricType, &obs.Value, &obs.Unit,
			&obs.RecordedAt, &obs.ObservedAt, &obs.Confidence, &obs.ExternalID,
			&obs.Superseded, &obs.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		observations = append(observations, obs)
	}

	return observations, rows.Err()
}

// Supersede marks losing observations. The rows stay in place so conflict
// history can still reference their values.
func (repo *observationRepository) Supersede(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	const q = `UPDATE health_observations SET superseded = TRUE WHERE id = ANY($1)`

	_, err := repo.db.ExecContext(ctx, q, ids)

	return err
}
