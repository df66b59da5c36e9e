package models

import (
	"context"
	"errors"
	"time"
)

// Metric types the engine understands. Connectors translate vendor metric
// names into one of these.
const (
	MetricSteps        = "steps"
	MetricHeartRate    = "heart_rate"
	MetricSleepSegment = "sleep_segment"
	MetricWeight       = "weight"
	MetricDistance     = "distance"
	MetricCalories     = "calories"
	MetricBloodOxygen  = "blood_oxygen"
)

// AllMetrics lists every known metric type in stable order.
var AllMetrics = []string{
	MetricSteps,
	MetricHeartRate,
	MetricSleepSegment,
	MetricWeight,
	MetricDistance,
	MetricCalories,
	MetricBloodOxygen,
}

// ValidMetric reports whether m is a known metric type.
func ValidMetric(m string) bool {
	for _, known := range AllMetrics {
		if known == m {
			return true
		}
	}

	return false
}

// HealthObservation is one normalized health measurement. Once persisted it is
// immutable; conflict resolution supersedes it (Superseded flag) rather than
// mutating it in place.
type HealthObservation struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	DeviceID   string     `json:"device_id"`
	MetricType string     `json:"metric_type"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	RecordedAt time.Time  `json:"recorded_at"`
	ObservedAt time.Time  `json:"observed_at"`
	Confidence *float64   `json:"confidence,omitempty"`
	ExternalID string     `json:"external_id"`
	Superseded bool       `json:"superseded"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"-"`
}

func (o *HealthObservation) Validate() error {
	if o.UserID == "" {
		return errors.New("missing user id")
	}

	if o.DeviceID == "" {
		return errors.New("missing device id")
	}

	if !ValidMetric(o.MetricType) {
		return errors.New("invalid metric type")
	}

	if o.RecordedAt.IsZero() {
		return errors.New("missing recorded_at")
	}

	if o.ExternalID == "" {
		return errors.New("missing external id")
	}

	if o.Confidence != nil && (*o.Confidence < 0 || *o.Confidence > 1) {
		return errors.New("confidence out of range")
	}

	return nil
}

// ObservationSelectParams filters observation selection.
type ObservationSelectParams struct {
	UserID     string
	DeviceID   string
	MetricType string
	From       time.Time
	To         time.Time
	// Authoritative limits results to non-superseded rows.
	Authoritative bool
	Limit         int
}

// ObservationRepository defines append-then-supersede storage for
// observations. Upsert is idempotent on (device_id, metric_type, external_id).
type ObservationRepository interface {
	Upsert(ctx context.Context, obs *HealthObservation) (created bool, err error)
	Select(ctx context.Context, params ObservationSelectParams) ([]HealthObservation, error)
	Supersede(ctx context.Context, ids []string) error
}

// Conflict kinds.
const (
	ConflictKindTimestamp = "timestamp"
	ConflictKindValue     = "value"
	ConflictKindSource    = "source"
)

// Resolution policies.
const (
	PolicyServerWins = "server_wins"
	PolicyClientWins = "client_wins"
	PolicyMerged     = "merged"
	PolicyManual     = "manual"
)

// ResolvedBy values.
const (
	ResolvedBySystem = "system"
	ResolvedByPolicy = "policy"
	ResolvedByUser   = "user"
)

// ConflictResolution records one reconciliation decision. Immutable once
// written; competing values are retained here so a losing reading is never
// silently dropped.
type ConflictResolution struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	MetricType    string    `json:"metric_type"`
	Kind          string    `json:"kind"`
	CompetingVals []float64 `json:"competing_values"`
	CompetingIDs  []string  `json:"competing_ids"`
	Policy        string    `json:"policy"`
	ResolvedValue float64   `json:"resolved_value"`
	ResolvedBy    string    `json:"resolved_by"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	CreatedAt     time.Time `json:"created_at"`
}

// ConflictSelectParams filters conflict resolution selection.
type ConflictSelectParams struct {
	UserID     string
	MetricType string
	Limit      int
}

type ConflictRepository interface {
	Create(ctx context.Context, res *ConflictResolution) error
	Select(ctx context.Context, params ConflictSelectParams) ([]ConflictResolution, error)
}

// CorrelationAnalysis is the output row of the correlation analyzer for one
// user, metric pair and period.
type CorrelationAnalysis struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	MetricA     string    `json:"metric_a"`
	MetricB     string    `json:"metric_b"`
	LagDays     int       `json:"lag_days"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	SampleSize  int       `json:"sample_size"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	CreatedAt   time.Time `json:"created_at"`
}

type CorrelationRepository interface {
	// Upsert is idempotent on (user_id, metric_a, metric_b, period_start).
	Upsert(ctx context.Context, analysis *CorrelationAnalysis) error
	Select(ctx context.Context, userID string, limit int) ([]CorrelationAnalysis, error)
}
