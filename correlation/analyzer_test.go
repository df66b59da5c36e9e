package correlation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitaltrack/healthsync/memory"
	"github.com/vitaltrack/healthsync/models"
)

var analysisEnd = time.Date(2025, 8, 30, 0, 0, 0, 0, time.UTC)

func seedDaily(t *testing.T, repo models.ObservationRepository, metric string, values []float64) {
	t.Helper()

	for i, v := range values {
		day := analysisEnd.AddDate(0, 0, -len(values)+i)

		_, err := repo.Upsert(context.Background(), &models.HealthObservation{
			UserID:     "user-1",
			DeviceID:   "dev-1",
			MetricType: metric,
			Value:      v,
			Unit:       "unit",
			RecordedAt: day.Add(12 * time.Hour),
			ObservedAt: day.Add(12 * time.Hour),
			ExternalID: fmt.Sprintf("%s-%d", metric, i),
		})
		require.NoError(t, err)
	}
}

func newTestAnalyzer(observations models.ObservationRepository, correlations models.CorrelationRepository, pairs []Pair) *Analyzer {
	return NewAnalyzer(observations, correlations, zap.NewNop(),
		WithPairs(pairs),
		WithClock(func() time.Time { return analysisEnd.Add(6 * time.Hour) }),
	)
}

func TestAnalyzeUserPositiveCorrelation(t *testing.T) {
	observations := memory.NewObservationRepository()
	correlations := memory.NewCorrelationRepository()

	// Steps and calories move in lockstep across ten days.
	steps := []float64{2000, 4000, 6000, 8000, 10000, 3000, 5000, 7000, 9000, 11000}
	calories := make([]float64, len(steps))

	for i, s := range steps {
		calories[i] = s/10 + 1500
	}

	seedDaily(t, observations, models.MetricSteps, steps)
	seedDaily(t, observations, models.MetricCalories, calories)

	a := newTestAnalyzer(observations, correlations, []Pair{
		{MetricA: models.MetricSteps, MetricB: models.MetricCalories},
	})

	require.NoError(t, a.AnalyzeUser(context.Background(), "user-1"))

	saved, err := correlations.Select(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, saved, 1)

	assert.InDelta(t, 1.0, saved[0].Score, 1e-9, "linear relation scores 1")
	assert.Equal(t, 10, saved[0].SampleSize)
	assert.InDelta(t, 10.0/30.0, saved[0].Confidence, 1e-9)
}

func TestAnalyzeUserNegativeCorrelation(t *testing.T) {
	observations := memory.NewObservationRepository()
	correlations := memory.NewCorrelationRepository()

	steps := []float64{1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000}

	hr := make([]float64, len(steps))
	for i, s := range steps {
		hr[i] = 90 - s/1000
	}

	seedDaily(t, observations, models.MetricSteps, steps)
	seedDaily(t, observations, models.MetricHeartRate, hr)

	a := newTestAnalyzer(observations, correlations, []Pair{
		{MetricA: models.MetricSteps, MetricB: models.MetricHeartRate},
	})

	require.NoError(t, a.AnalyzeUser(context.Background(), "user-1"))

	saved, err := correlations.Select(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.InDelta(t, -1.0, saved[0].Score, 1e-9)
}

func TestAnalyzeUserLagShiftsSeries(t *testing.T) {
	observations := memory.NewObservationRepository()
	correlations := memory.NewCorrelationRepository()

	// Sleep on day N matches steps on day N+1 exactly (scaled), so only
	// the lagged pairing is perfectly correlated.
	sleep := []float64{420, 360, 480, 300, 450, 390, 510, 330, 405, 465}

	steps := make([]float64, len(sleep)+1)
	steps[0] = 5000

	for i, s := range sleep {
		steps[i+1] = s * 20
	}

	seedDaily(t, observations, models.MetricSleepSegment, sleep)

	for i, v := range steps {
		day := analysisEnd.AddDate(0, 0, -len(sleep)+i)

		_, err := observations.Upsert(context.Background(), &models.HealthObservation{
			UserID:     "user-1",
			DeviceID:   "dev-1",
			MetricType: models.MetricSteps,
			Value:      v,
			Unit:       "count",
			RecordedAt: day.Add(12 * time.Hour),
			ObservedAt: day.Add(12 * time.Hour),
			ExternalID: fmt.Sprintf("steps-lag-%d", i),
		})
		require.NoError(t, err)
	}

	a := newTestAnalyzer(observations, correlations, []Pair{
		{MetricA: models.MetricSleepSegment, MetricB: models.MetricSteps, LagDays: 1},
	})

	require.NoError(t, a.AnalyzeUser(context.Background(), "user-1"))

	saved, err := correlations.Select(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, saved, 1)

	assert.Equal(t, 1, saved[0].LagDays)
	assert.InDelta(t, 1.0, saved[0].Score, 1e-9)
}

func TestAnalyzeUserSkipsSparsePairs(t *testing.T) {
	observations := memory.NewObservationRepository()
	correlations := memory.NewCorrelationRepository()

	// Only three paired days, below the seven-sample floor.
	seedDaily(t, observations, models.MetricSteps, []float64{1000, 2000, 3000})
	seedDaily(t, observations, models.MetricCalories, []float64{1600, 1700, 1800})

	a := newTestAnalyzer(observations, correlations, []Pair{
		{MetricA: models.MetricSteps, MetricB: models.MetricCalories},
	})

	require.NoError(t, a.AnalyzeUser(context.Background(), "user-1"))

	saved, err := correlations.Select(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, saved, "sparse pairs are skipped, not failed")
}

func TestAnalyzeUserConstantSeriesSkipped(t *testing.T) {
	observations := memory.NewObservationRepository()
	correlations := memory.NewCorrelationRepository()

	seedDaily(t, observations, models.MetricSteps, []float64{5000, 5000, 5000, 5000, 5000, 5000, 5000, 5000})
	seedDaily(t, observations, models.MetricCalories, []float64{1600, 1700, 1800, 1900, 2000, 2100, 2200, 2300})

	a := newTestAnalyzer(observations, correlations, []Pair{
		{MetricA: models.MetricSteps, MetricB: models.MetricCalories},
	})

	require.NoError(t, a.AnalyzeUser(context.Background(), "user-1"))

	saved, err := correlations.Select(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, saved, "zero-variance series cannot be scored")
}

func TestAnalyzeUserIgnoresSupersededObservations(t *testing.T) {
	observations := memory.NewObservationRepository()
	correlations := memory.NewCorrelationRepository()

	steps := []float64{1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000}
	calories := []float64{1100, 1200, 1300, 1400, 1500, 1600, 1700, 1800}

	seedDaily(t, observations, models.MetricSteps, steps)
	seedDaily(t, observations, models.MetricCalories, calories)

	// A superseded outlier on the latest day must not skew the aggregate.
	outlier := &models.HealthObservation{
		ID:         "obs-outlier",
		UserID:     "user-1",
		DeviceID:   "dev-2",
		MetricType: models.MetricSteps,
		Value:      999999,
		Unit:       "count",
		RecordedAt: analysisEnd.Add(-11 * time.Hour),
		ObservedAt: analysisEnd.Add(-11 * time.Hour),
		ExternalID: "outlier",
	}

	_, err := observations.Upsert(context.Background(), outlier)
	require.NoError(t, err)
	require.NoError(t, observations.Supersede(context.Background(), []string{outlier.ID}))

	a := newTestAnalyzer(observations, correlations, []Pair{
		{MetricA: models.MetricSteps, MetricB: models.MetricCalories},
	})

	require.NoError(t, a.AnalyzeUser(context.Background(), "user-1"))

	saved, err := correlations.Select(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.InDelta(t, 1.0, saved[0].Score, 1e-9)
}

func TestAnalyzeUserMissingUserID(t *testing.T) {
	a := newTestAnalyzer(memory.NewObservationRepository(), memory.NewCorrelationRepository(), nil)

	assert.Error(t, a.AnalyzeUser(context.Background(), ""))
}

func TestAnalyzeUserRerunOverwritesSamePeriod(t *testing.T) {
	observations := memory.NewObservationRepository()
	correlations := memory.NewCorrelationRepository()

	seedDaily(t, observations, models.MetricSteps, []float64{1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000})
	seedDaily(t, observations, models.MetricCalories, []float64{1100, 1200, 1300, 1400, 1500, 1600, 1700, 1800})

	a := newTestAnalyzer(observations, correlations, []Pair{
		{MetricA: models.MetricSteps, MetricB: models.MetricCalories},
	})

	require.NoError(t, a.AnalyzeUser(context.Background(), "user-1"))
	require.NoError(t, a.AnalyzeUser(context.Background(), "user-1"))

	saved, err := correlations.Select(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, saved, 1, "rerun of the same window upserts in place")
}

func TestPearson(t *testing.T) {
	score, ok := pearson([]float64{1, 2, 3, 4}, []float64{2, 4, 6, 8})
	require.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9)

	score, ok = pearson([]float64{1, 2, 3, 4}, []float64{8, 6, 4, 2})
	require.True(t, ok)
	assert.InDelta(t, -1.0, score, 1e-9)

	_, ok = pearson([]float64{5, 5, 5, 5}, []float64{1, 2, 3, 4})
	assert.False(t, ok)
}
