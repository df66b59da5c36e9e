package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vitaltrack/healthsync/models"
)

type conflictRepository struct {
	db *sql.DB
}

// NewConflictRepository creates a postgres-backed conflict history repository.
func NewConflictRepository(db *sql.DB) models.ConflictRepository {
	return &conflictRepository{db: db}
}

func (repo *conflictRepository) Create(ctx context.Context, res *models.ConflictResolution) error {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	competingVals, err := json.Marshal(res.CompetingVals)
	if err != nil {
		return err
	}

	competingIDs, err := json.Marshal(res.CompetingIDs)
	if err != nil {
		return err
	}

	const q = `INSERT INTO conflict_resolutions
		(id, user_id, metric_type, kind, competing_values, competing_ids, policy,
		 resolved_value, resolved_by, window_start, window_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = repo.db.ExecContext(ctx, q,
		res.ID, res.UserID, res.MetricType, res.Kind, competingVals, competingIDs,
		res.Policy, res.ResolvedValue, res.ResolvedBy,
		res.WindowStart.UTC(), res.WindowEnd.UTC(), res.CreatedAt,
	)

	return err
}

func (repo *conflictRepository) Select(ctx context.Context, params models.ConflictSelectParams) ([]models.ConflictResolution, error) {
	q := `SELECT id, user_id, metric_type, kind, competing_values, competing_ids, policy,
		resolved_value, resolved_by, window_start, window_end, created_at
		FROM conflict_resolutions WHERE 1=1`

	var args []any

	if params.UserID != "" {
		args = append(args, params.UserID)
		q += fmt.Sprintf(" AND user_id = $%d", len(args))
	}

	if params.MetricType != "" {
		args = append(args, params.MetricType)
		q += fmt.Sprintf(" AND metric_type = $%d", len(args))
	}

	q += " ORDER BY created_at DESC"

	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resolutions []models.ConflictResolution

	for rows.Next() {
		var (
			res           models.ConflictResolution
			competingVals []byte
			competingIDs  []byte
		)

		err := rows.Scan(
			&res.ID, &res.UserID, &res.MetricType, &res.Kind, &competingVals, &competingIDs,
			&res.Policy, &res.ResolvedValue, &res.ResolvedBy,
			&res.WindowStart, &res.WindowEnd, &res.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal(competingVals, &res.CompetingVals); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(competingIDs, &res.CompetingIDs); err != nil {
			return nil, err
		}

		resolutions = append(resolutions, res)
	}

	return resolutions, rows.Err()
}
