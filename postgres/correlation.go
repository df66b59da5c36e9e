package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/vitaltrack/healthsync/models"
)

type correlationRepository struct {
	db *sql.DB
}

// NewCorrelationRepository creates a postgres-backed correlation repository.
func NewCorrelationRepository(db *sql.DB) models.CorrelationRepository {
	return &correlationRepository{db: db}
}

func (repo *correlationRepository) Upsert(ctx context.Context, analysis *models.CorrelationAnalysis) error {
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO correlation_analyses
		(id, user_id, metric_a, metric_b, lag_days, score, confidence, sample_size,
		 period_start, period_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, metric_a, metric_b, period_start) DO UPDATE SET
			lag_days = EXCLUDED.lag_days,
			score = EXCLUDED.score,
			confidence = EXCLUDED.confidence,
			sample_size = EXCLUDED.sample_size,
			period_end = EXCLUDED.period_end,
			created_at = EXCLUDED.created_at`

	_, err := repo.db.ExecContext(ctx, q,
		analysis.ID, analysis.UserID, analysis.MetricA, analysis.MetricB, analysis.LagDays,
		analysis.Score, analysis.Confidence, analysis.SampleSize,
		analysis.PeriodStart.UTC(), analysis.PeriodEnd.UTC(), analysis.CreatedAt,
	)

	return err
}

func (repo *correlationRepository) Select(ctx context.Context, userID string, limit int) ([]models.CorrelationAnalysis, error) {
	const q = `SELECT id, user_id, metric_a, metric_b, lag_days, score, confidence, sample_size,
		period_start, period_end, created_at
		FROM correlation_analyses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := repo.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var analyses []models.CorrelationAnalysis

	for rows.Next() {
		var a models.CorrelationAnalysis

		err := rows.Scan(
			&a.ID, &a.UserID, &a.MetricA, &a.MetricB, &a.LagDays,
			&a.Score, &a.Confidence, &a.SampleSize,
			&a.PeriodStart, &a.PeriodEnd, &a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		analyses = append(analyses, a)
	}

	return analyses, rows.Err()
}
