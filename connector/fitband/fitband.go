// Package fitband adapts the fitness-band cloud API. The vendor pages with
// opaque tokens rather than timestamps.
package fitband

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/models"
)

const defaultBaseURL = "https://api.fitband.example.com/1.2"

type Connector struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, client *http.Client) *Connector {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Connector{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

func (c *Connector) Type() string {
	return models.DeviceTypeFitnessBand
}

func (c *Connector) Capabilities() []string {
	return []string{
		models.MetricSteps,
		models.MetricHeartRate,
		models.MetricSleepSegment,
		models.MetricCalories,
		models.MetricDistance,
	}
}

type record struct {
	RecordID  string  `json:"record_id"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp int64   `json:"timestamp"` // unix seconds
	Accuracy  string  `json:"accuracy"`  // "high" | "medium" | "low"
}

type pullResponse struct {
	Records       []record `json:"records"`
	NextPageToken string   `json:"next_page_token"`
}

var metricByVendor = map[string]string{
	"steps":      models.MetricSteps,
	"hr":         models.MetricHeartRate,
	"sleep":      models.MetricSleepSegment,
	"kcal":       models.MetricCalories,
	"distance_m": models.MetricDistance,
}

// accuracy maps the vendor's coarse quality flag onto the 0-1 confidence scale.
var confidenceByAccuracy = map[string]float64{
	"high":   0.95,
	"medium": 0.7,
	"low":    0.4,
}

func (c *Connector) Pull(ctx context.Context, cred connector.Credential, device models.WearableDevice, cursor string, metrics []string) (connector.PullResult, error) {
	var ans connector.PullResult

	q := url.Values{}
	if cursor != "" {
		q.Set("page_token", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/activities?"+q.Encode(), nil)
	if err != nil {
		return ans, connector.NewFault(connector.FaultPermanent, err)
	}

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.client.Do(req)
	if fault := connector.ClassifyResponse(resp, err); fault != nil {
		if resp != nil {
			resp.Body.Close()
		}

		return ans, fault
	}

	defer resp.Body.Close()

	var out pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ans, connector.NewFault(connector.FaultPermanent, fmt.Errorf("malformed response: %w", err))
	}

	wanted := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		wanted[m] = true
	}

	now := time.Now().UTC()

	for _, r := range out.Records {
		metric, ok := metricByVendor[r.Metric]
		if !ok {
			continue
		}

		if len(wanted) > 0 && !wanted[metric] {
			continue
		}

		obs := models.HealthObservation{
			UserID:     device.UserID,
			DeviceID:   device.ID,
			MetricType: metric,
			Value:      r.Value,
			Unit:       r.Unit,
			RecordedAt: time.Unix(r.Timestamp, 0).UTC(),
			ObservedAt: now,
			ExternalID: r.RecordID,
		}

		if conf, ok := confidenceByAccuracy[r.Accuracy]; ok {
			obs.Confidence = &conf
		}

		ans.Observations = append(ans.Observations, obs)
	}

	ans.NextCursor = out.NextPageToken
	ans.HasMore = out.NextPageToken != ""

	return ans, nil
}
