package conflict

import (
	"errors"
	"fmt"
	"math"

	"github.com/vitaltrack/healthsync/models"
)

// ErrUnresolved is returned when no policy can be applied to a conflicting
// cluster. It fails the affected records only, never the whole batch.
var ErrUnresolved = errors.New("conflict unresolved")

// epsilonByMetric is the per-metric agreement tolerance: two readings whose
// values differ by at most this are the same physical measurement.
var epsilonByMetric = map[string]float64{
	models.MetricSteps:        0, // exact
	models.MetricHeartRate:    2, // bpm
	models.MetricSleepSegment: 60,
	models.MetricWeight:       0.05,
	models.MetricDistance:     5,
	models.MetricCalories:     5,
	models.MetricBloodOxygen:  1,
}

// Epsilon returns the agreement tolerance for a metric.
func Epsilon(metric string) float64 {
	return epsilonByMetric[metric]
}

// mergeFunc combines disagreeing values into one. The slice is sorted by
// recording time ascending, so "latest" is the last element.
type mergeFunc func(values []float64) float64

// mergeByMetric is the strategy table for the merged policy. Metrics without
// an entry cannot be merged and fall through to ErrUnresolved.
var mergeByMetric = map[string]mergeFunc{
	// Complementary sensors each count a share of the total.
	models.MetricSteps:    sum,
	models.MetricDistance: sum,
	models.MetricCalories: sum,
	// Point-in-time measurements average out sensor noise.
	models.MetricHeartRate:   mean,
	models.MetricBloodOxygen: mean,
	// Scale readings: the latest measurement is the current truth.
	models.MetricWeight:       latest,
	models.MetricSleepSegment: latest,
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}

	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	return sum(values) / float64(len(values))
}

func latest(values []float64) float64 {
	return values[len(values)-1]
}

// ResolvePolicy picks the policy for a metric: an explicit per-user override
// wins, otherwise the configured default applies.
func ResolvePolicy(overrides map[string]string, metric, defaultPolicy string) (policy, resolvedBy string, err error) {
	if p, ok := overrides[metric]; ok && p != "" {
		return p, models.ResolvedByUser, nil
	}

	switch defaultPolicy {
	case models.PolicyServerWins, models.PolicyClientWins, models.PolicyMerged:
		return defaultPolicy, models.ResolvedByPolicy, nil
	case "":
		return "", "", fmt.Errorf("%w: no default policy configured for metric %s", ErrUnresolved, metric)
	default:
		return "", "", fmt.Errorf("%w: unknown policy %q", ErrUnresolved, defaultPolicy)
	}
}

// valuesAgree reports whether all values fall within the metric's epsilon of
// each other.
func valuesAgree(metric string, values []float64) bool {
	if len(values) < 2 {
		return true
	}

	lo, hi := values[0], values[0]

	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	return hi-lo <= epsilonByMetric[metric]
}
