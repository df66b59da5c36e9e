// Package conflict reconciles overlapping health observations from
// independently clocked sources into a single authoritative record per
// metric and time window. The engine is pure: given the same input batch and
// existing state it always produces the same output, with no dependence on
// map iteration order or the wall clock.
package conflict

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vitaltrack/healthsync/models"
)

// ToleranceWindow pads timestamp comparison: device clocks and vendor
// timestamping drift, so readings within this window may describe the same
// physical event.
const ToleranceWindow = 2 * time.Minute

// materialSpread is the relative disagreement beyond which readings from
// different devices are classified as a source conflict rather than a value
// conflict.
const materialSpread = 0.25

// reconciledSuffix marks the external id of a record the engine computed
// rather than pulled from a vendor.
const reconciledSuffix = ":reconciled"

// Engine holds the reconciliation configuration. Zero state is shared
// between calls; Reconcile is safe for concurrent use.
type Engine struct {
	defaultPolicy string
	tolerance     time.Duration
}

func NewEngine(defaultPolicy string) *Engine {
	return &Engine{
		defaultPolicy: defaultPolicy,
		tolerance:     ToleranceWindow,
	}
}

// Input is one reconciliation request: the freshly pulled batch plus the
// already-persisted authoritative observations overlapping its padded time
// window, and the user's per-metric policy overrides.
type Input struct {
	Incoming  []models.HealthObservation
	Existing  []models.HealthObservation
	Overrides map[string]string
}

// Decision is the outcome for one cluster: exactly one authoritative
// observation, the ids it supersedes, and at most one conflict record.
type Decision struct {
	Authoritative models.HealthObservation
	SupersededIDs []string
	Resolution    *models.ConflictResolution
}

// Unresolved is a per-record failure: the engine could not apply any policy.
type Unresolved struct {
	Observation models.HealthObservation
	Err         error
}

// Result carries all cluster decisions plus the records that failed
// resolution. A failed record never aborts the batch.
type Result struct {
	Decisions  []Decision
	Unresolved []Unresolved
}

type candidate struct {
	obs      models.HealthObservation
	existing bool
}

// Reconcile groups the combined observation set into clusters per metric and
// tolerance window and reduces each cluster to one authoritative record.
func (e *Engine) Reconcile(in Input) Result {
	var ans Result

	candidates := make([]candidate, 0, len(in.Incoming)+len(in.Existing))

	for _, o := range in.Existing {
		if o.Superseded {
			continue
		}

		candidates = append(candidates, candidate{obs: o, existing: true})
	}

	for _, o := range in.Incoming {
		candidates = append(candidates, candidate{obs: o})
	}

	sortCandidates(candidates)

	for _, cluster := range e.clusterize(candidates) {
		if !hasIncoming(cluster) {
			// Nothing new touches this window; stored state stands.
			continue
		}

		decision, err := e.resolveCluster(cluster, in.Overrides)
		if err != nil {
			for _, c := range cluster {
				if !c.existing {
					ans.Unresolved = append(ans.Unresolved, Unresolved{Observation: c.obs, Err: err})
				}
			}

			continue
		}

		ans.Decisions = append(ans.Decisions, decision)
	}

	return ans
}

// sortCandidates orders the set deterministically: metric, recording time,
// external id, device id.
func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].obs, candidates[j].obs

		if a.MetricType != b.MetricType {
			return a.MetricType < b.MetricType
		}

		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}

		if a.ExternalID != b.ExternalID {
			return a.ExternalID < b.ExternalID
		}

		return a.DeviceID < b.DeviceID
	})
}

// clusterize splits the sorted candidate list into groups of the same metric
// whose recording times fall within the tolerance window of the cluster
// anchor (its earliest member).
func (e *Engine) clusterize(candidates []candidate) [][]candidate {
	var clusters [][]candidate

	var current []candidate

	for _, c := range candidates {
		if len(current) == 0 {
			current = []candidate{c}
			continue
		}

		anchor := current[0].obs

		if c.obs.MetricType == anchor.MetricType && c.obs.RecordedAt.Sub(anchor.RecordedAt) <= e.tolerance {
			current = append(current, c)
			continue
		}

		clusters = append(clusters, current)
		current = []candidate{c}
	}

	if len(current) > 0 {
		clusters = append(clusters, current)
	}

	return clusters
}

func hasIncoming(cluster []candidate) bool {
	for _, c := range cluster {
		if !c.existing {
			return true
		}
	}

	return false
}

func (e *Engine) resolveCluster(cluster []candidate, overrides map[string]string) (Decision, error) {
	if len(cluster) == 1 {
		return Decision{Authoritative: cluster[0].obs}, nil
	}

	metric := cluster[0].obs.MetricType

	values := make([]float64, len(cluster))
	for i, c := range cluster {
		values[i] = c.obs.Value
	}

	if valuesAgree(metric, values) {
		// Duplicate readings of one physical event: deduplicate, no conflict.
		winner := preferred(cluster)

		return Decision{
			Authoritative: winner.obs,
			SupersededIDs: losers(cluster, winner),
		}, nil
	}

	kind := classify(cluster, values)

	policy, resolvedBy, err := ResolvePolicy(overrides, metric, e.defaultPolicy)
	if err != nil {
		return Decision{}, err
	}

	winner, resolvedValue, err := e.applyPolicy(policy, metric, cluster)
	if err != nil {
		return Decision{}, err
	}

	authoritative := winner.obs
	superseded := losers(cluster, winner)

	if resolvedValue != winner.obs.Value {
		// The resolved value belongs to no source record, so it cannot
		// reuse the winner's identity: the idempotent upsert key would
		// collide with the already-stored row and keep the old value.
		// It becomes a fresh record and every stored cluster member is
		// retired in its favor.
		authoritative.ID = ""
		authoritative.ExternalID = winner.obs.ExternalID + reconciledSuffix
		superseded = persistedIDs(cluster)
	}

	authoritative.Value = resolvedValue

	resolution := &models.ConflictResolution{
		UserID:        authoritative.UserID,
		MetricType:    metric,
		Kind:          kind,
		CompetingVals: values,
		CompetingIDs:  recordIDs(cluster),
		Policy:        policy,
		ResolvedValue: resolvedValue,
		ResolvedBy:    resolvedBy,
		WindowStart:   cluster[0].obs.RecordedAt,
		WindowEnd:     cluster[len(cluster)-1].obs.RecordedAt,
	}

	return Decision{
		Authoritative: authoritative,
		SupersededIDs: superseded,
		Resolution:    resolution,
	}, nil
}

// classify names what the cluster disagrees about. Readings from different
// devices that differ materially are a source conflict; near-agreeing values
// recorded at different instants conflict on time; everything else is a
// plain value conflict.
func classify(cluster []candidate, values []float64) string {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	devices := make(map[string]struct{}, len(cluster))
	sameInstant := true

	for _, c := range cluster {
		devices[c.obs.DeviceID] = struct{}{}

		if !c.obs.RecordedAt.Equal(cluster[0].obs.RecordedAt) {
			sameInstant = false
		}
	}

	if len(devices) > 1 && lo > 0 && (hi-lo)/lo > materialSpread {
		return models.ConflictKindSource
	}

	metric := cluster[0].obs.MetricType
	if !sameInstant && hi-lo <= 2*Epsilon(metric) && Epsilon(metric) > 0 {
		return models.ConflictKindTimestamp
	}

	return models.ConflictKindValue
}

func (e *Engine) applyPolicy(policy, metric string, cluster []candidate) (candidate, float64, error) {
	switch policy {
	case models.PolicyServerWins:
		stored := filterCluster(cluster, true)
		if len(stored) == 0 {
			// Nothing stored yet; the pulled data is all there is.
			winner := preferred(cluster)
			return winner, winner.obs.Value, nil
		}

		winner := preferred(stored)

		return winner, winner.obs.Value, nil
	case models.PolicyClientWins:
		pulled := filterCluster(cluster, false)
		if len(pulled) == 0 {
			winner := preferred(cluster)
			return winner, winner.obs.Value, nil
		}

		winner := latestRecorded(pulled)

		return winner, winner.obs.Value, nil
	case models.PolicyMerged:
		merge, ok := mergeByMetric[metric]
		if !ok {
			return candidate{}, 0, fmt.Errorf("%w: no merge rule for metric %s", ErrUnresolved, metric)
		}

		values := make([]float64, len(cluster))
		for i, c := range cluster {
			values[i] = c.obs.Value
		}

		return latestRecorded(cluster), merge(values), nil
	default:
		return candidate{}, 0, fmt.Errorf("%w: unknown policy %q", ErrUnresolved, policy)
	}
}

// preferred picks the deduplication winner: higher source confidence first,
// then the most recently observed, then external id for a stable tie-break.
func preferred(cluster []candidate) candidate {
	winner := cluster[0]

	for _, c := range cluster[1:] {
		if confidence(c.obs) != confidence(winner.obs) {
			if confidence(c.obs) > confidence(winner.obs) {
				winner = c
			}

			continue
		}

		if !c.obs.ObservedAt.Equal(winner.obs.ObservedAt) {
			if c.obs.ObservedAt.After(winner.obs.ObservedAt) {
				winner = c
			}

			continue
		}

		if c.obs.ExternalID > winner.obs.ExternalID {
			winner = c
		}
	}

	return winner
}

// latestRecorded picks the observation with the latest event timestamp,
// falling back to observation time and external id.
func latestRecorded(cluster []candidate) candidate {
	winner := cluster[0]

	for _, c := range cluster[1:] {
		if !c.obs.RecordedAt.Equal(winner.obs.RecordedAt) {
			if c.obs.RecordedAt.After(winner.obs.RecordedAt) {
				winner = c
			}

			continue
		}

		if !c.obs.ObservedAt.Equal(winner.obs.ObservedAt) {
			if c.obs.ObservedAt.After(winner.obs.ObservedAt) {
				winner = c
			}

			continue
		}

		if c.obs.ExternalID > winner.obs.ExternalID {
			winner = c
		}
	}

	return winner
}

func filterCluster(cluster []candidate, existing bool) []candidate {
	var ans []candidate

	for _, c := range cluster {
		if c.existing == existing {
			ans = append(ans, c)
		}
	}

	return ans
}

func confidence(o models.HealthObservation) float64 {
	if o.Confidence == nil {
		return 0
	}

	return *o.Confidence
}

func losers(cluster []candidate, winner candidate) []string {
	var ans []string

	for _, c := range cluster {
		if c.obs.ID == "" || sameRecord(c.obs, winner.obs) {
			continue
		}

		ans = append(ans, c.obs.ID)
	}

	return ans
}

// persistedIDs returns every cluster member that exists in storage, in
// cluster order.
func persistedIDs(cluster []candidate) []string {
	var ans []string

	for _, c := range cluster {
		if c.obs.ID != "" {
			ans = append(ans, c.obs.ID)
		}
	}

	return ans
}

func sameRecord(a, b models.HealthObservation) bool {
	return a.DeviceID == b.DeviceID && a.ExternalID == b.ExternalID
}

func recordIDs(cluster []candidate) []string {
	ans := make([]string, 0, len(cluster))

	for _, c := range cluster {
		if c.obs.ID != "" {
			ans = append(ans, c.obs.ID)
			continue
		}

		ans = append(ans, c.obs.DeviceID+":"+c.obs.ExternalID)
	}

	return ans
}
