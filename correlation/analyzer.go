// Package correlation computes cross-metric correlation scores over a user's
// reconciled observation history.
package correlation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vitaltrack/healthsync/models"
)

const (
	// defaultWindow is the rolling period of daily aggregates fed into each
	// correlation computation.
	defaultWindow = 30 * 24 * time.Hour

	// minSamples is the smallest number of paired daily aggregates worth
	// scoring. Below this the coefficient is statistically meaningless.
	minSamples = 7
)

// Pair names two metrics to correlate. LagDays shifts metric B forward: a lag
// of 1 scores metric A on day N against metric B on day N+1.
type Pair struct {
	MetricA string
	MetricB string
	LagDays int
}

// DefaultPairs are the metric pairs scored when none are configured.
var DefaultPairs = []Pair{
	{MetricA: models.MetricSleepSegment, MetricB: models.MetricSteps, LagDays: 1},
	{MetricA: models.MetricSleepSegment, MetricB: models.MetricHeartRate, LagDays: 1},
	{MetricA: models.MetricSteps, MetricB: models.MetricCalories, LagDays: 0},
	{MetricA: models.MetricSteps, MetricB: models.MetricHeartRate, LagDays: 0},
}

// Analyzer batch-computes Pearson correlation coefficients over daily
// aggregates of authoritative observations and persists one analysis row per
// metric pair.
type Analyzer struct {
	observations models.ObservationRepository
	correlations models.CorrelationRepository
	logger       *zap.Logger
	pairs        []Pair
	window       time.Duration
	now          func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithPairs overrides the metric pairs to score.
func WithPairs(pairs []Pair) Option {
	return func(a *Analyzer) {
		a.pairs = pairs
	}
}

// WithWindow overrides the rolling aggregation window.
func WithWindow(window time.Duration) Option {
	return func(a *Analyzer) {
		a.window = window
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
	}
}

// NewAnalyzer creates an analyzer over the given repositories.
func NewAnalyzer(
	observations models.ObservationRepository,
	correlations models.CorrelationRepository,
	logger *zap.Logger,
	opts ...Option,
) *Analyzer {
	a := &Analyzer{
		observations: observations,
		correlations: correlations,
		logger:       logger,
		pairs:        DefaultPairs,
		window:       defaultWindow,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// AnalyzeUser scores every configured metric pair for one user over the
// rolling window. Pairs with too few paired days are skipped, not failed, so
// a sparse history never blocks the rest of the run.
func (a *Analyzer) AnalyzeUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("missing user id")
	}

	end := a.now().UTC().Truncate(24 * time.Hour)
	start := end.Add(-a.window)

	series := make(map[string]map[time.Time]float64)

	var errs error

	for _, pair := range a.pairs {
		for _, metric := range []string{pair.MetricA, pair.MetricB} {
			if _, ok := series[metric]; ok {
				continue
			}

			daily, err := a.dailyAggregates(ctx, userID, metric, start, end)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("aggregate %s: %w", metric, err))
				continue
			}

			series[metric] = daily
		}

		analysis, ok := a.score(userID, pair, series, start, end)
		if !ok {
			a.logger.Debug("correlation pair skipped",
				zap.String("user_id", userID),
				zap.String("metric_a", pair.MetricA),
				zap.String("metric_b", pair.MetricB),
			)

			continue
		}

		if err := a.correlations.Upsert(ctx, analysis); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("save %s/%s: %w", pair.MetricA, pair.MetricB, err))
			continue
		}

		a.logger.Info("correlation computed",
			zap.String("user_id", userID),
			zap.String("metric_a", pair.MetricA),
			zap.String("metric_b", pair.MetricB),
			zap.Int("lag_days", pair.LagDays),
			zap.Float64("score", analysis.Score),
			zap.Int("sample_size", analysis.SampleSize),
		)
	}

	return errs
}

// dailyAggregates folds a metric's authoritative observations into one value
// per UTC day. Cumulative metrics sum; point-in-time metrics average.
func (a *Analyzer) dailyAggregates(ctx context.Context, userID, metric string, from, to time.Time) (map[time.Time]float64, error) {
	obs, err := a.observations.Select(ctx, models.ObservationSelectParams{
		UserID:        userID,
		MetricType:    metric,
		From:          from,
		To:            to,
		Authoritative: true,
	})
	if err != nil {
		return nil, err
	}

	sums := make(map[time.Time]float64)
	counts := make(map[time.Time]int)

	for i := range obs {
		day := obs[i].RecordedAt.UTC().Truncate(24 * time.Hour)
		sums[day] += obs[i].Value
		counts[day]++
	}

	daily := make(map[time.Time]float64, len(sums))

	for day, sum := range sums {
		if cumulativeMetric(metric) {
			daily[day] = sum
		} else {
			daily[day] = sum / float64(counts[day])
		}
	}

	return daily, nil
}

func cumulativeMetric(metric string) bool {
	switch metric {
	case models.MetricSteps, models.MetricDistance, models.MetricCalories, models.MetricSleepSegment:
		return true
	default:
		return false
	}
}

// score pairs daily aggregates of the two metrics, applying the lag, and
// computes the Pearson coefficient. Returns false when there are not enough
// paired days or either series is constant.
func (a *Analyzer) score(userID string, pair Pair, series map[string]map[time.Time]float64, start, end time.Time) (*models.CorrelationAnalysis, bool) {
	seriesA, okA := series[pair.MetricA]
	seriesB, okB := series[pair.MetricB]

	if !okA || !okB {
		return nil, false
	}

	days := make([]time.Time, 0, len(seriesA))
	for day := range seriesA {
		days = append(days, day)
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var xs, ys []float64

	for _, day := range days {
		lagged := day.AddDate(0, 0, pair.LagDays)

		y, ok := seriesB[lagged]
		if !ok {
			continue
		}

		xs = append(xs, seriesA[day])
		ys = append(ys, y)
	}

	if len(xs) < minSamples {
		return nil, false
	}

	score, ok := pearson(xs, ys)
	if !ok {
		return nil, false
	}

	return &models.CorrelationAnalysis{
		ID:          uuid.New().String(),
		UserID:      userID,
		MetricA:     pair.MetricA,
		MetricB:     pair.MetricB,
		LagDays:     pair.LagDays,
		Score:       score,
		Confidence:  sampleConfidence(len(xs)),
		SampleSize:  len(xs),
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   a.now().UTC(),
	}, true
}

// pearson computes the Pearson correlation coefficient of two equal-length
// series. Returns false when either series has zero variance.
func pearson(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))

	var meanX, meanY float64
	for i := range xs {
		meanX += xs[i]
		meanY += ys[i]
	}

	meanX /= n
	meanY /= n

	var cov, varX, varY float64

	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	if varX == 0 || varY == 0 {
		return 0, false
	}

	return cov / math.Sqrt(varX*varY), true
}

// sampleConfidence maps sample size onto a 0..1 confidence weight. Full
// confidence needs a complete 30-day window of paired days.
func sampleConfidence(samples int) float64 {
	c := float64(samples) / 30.0
	if c > 1 {
		c = 1
	}

	return c
}
