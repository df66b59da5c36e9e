// Package wristtracker adapts the budget wrist-tracker API. The vendor only
// exposes step, distance and calorie totals, timestamp-cursored.
package wristtracker

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

const defaultBaseURL = "https://cloud.wristtracker.example.com/v1"

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
	return models.DeviceTypeWristTracker
}

func (c *Connector) Capabilities() []string {
	return []string{
		models.MetricSteps,
		models.MetricDistance,
		models.MetricCalories,
	}
}

type entry struct {
	UID      string  `json:"uid"`
	Channel  string  `json:"channel"`
	Reading  float64 `json:"reading"`
	Unit     string  `json:"unit"`
	LoggedAt int64   `json:"logged_at"` // unix millis
}

type pullResponse struct {
	Entries []entry `json:"entries"`
	More    bool    `json:"more"`
}

var metricByChannel = map[string]string{
	"steps":    models.MetricSteps,
	"distance": models.MetricDistance,
	"calories": models.MetricCalories,
}

func (c *Connector) Pull(ctx context.Context, cred connector.Credential, device models.WearableDevice, cursor string, metrics []string) (connector.PullResult, error) {
	var ans connector.PullResult

	q := url.Values{}
	if cursor != "" {
		q.Set("after", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/entries?"+q.Encode(), nil)
	if err != nil {
		return ans, connector.NewFault(connector.FaultPermanent, err)
	}

	req.Header.Set("X-Api-Token", cred.AccessToken)

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

	var latest time.Time

	for _, e := range out.Entries {
		metric, ok := metricByChannel[e.Channel]
		if !ok {
			continue
		}

		if len(wanted) > 0 && !wanted[metric] {
			continue
		}

		at := time.UnixMilli(e.LoggedAt).UTC()
		if at.After(latest) {
			latest = at
		}

		ans.Observations = append(ans.Observations, models.HealthObservation{
			UserID:     device.UserID,
			DeviceID:   device.ID,
			MetricType: metric,
			Value:      e.Reading,
			Unit:       e.Unit,
			RecordedAt: at,
			ObservedAt: now,
			ExternalID: e.UID,
		})
	}

	if !latest.IsZero() {
		ans.NextCursor = latest.Format(time.RFC3339)
	} else {
		ans.NextCursor = cursor
	}

	ans.HasMore = out.More

	return ans, nil
}
