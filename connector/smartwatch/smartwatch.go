// Package smartwatch adapts the smartwatch vendor API. Offset paging, batch
// export format, battery level reported alongside the data.
package smartwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/models"
)

const (
	defaultBaseURL = "https://connect.smartwatch.example.com/api/v3"
	pageSize       = 150
)

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
	return models.DeviceTypeSmartwatch
}

func (c *Connector) Capabilities() []string {
	return []string{
		models.MetricSteps,
		models.MetricHeartRate,
		models.MetricSleepSegment,
		models.MetricBloodOxygen,
		models.MetricCalories,
		models.MetricDistance,
	}
}

type measurement struct {
	ID    string  `json:"id"`
	Kind  string  `json:"kind"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	At    string  `json:"at"` // RFC3339
}

type exportResponse struct {
	Measurements []measurement `json:"measurements"`
	Total        int           `json:"total"`
	Battery      *int          `json:"battery,omitempty"`
}

var metricByKind = map[string]string{
	"steps":   models.MetricSteps,
	"hr_bpm":  models.MetricHeartRate,
	"sleep":   models.MetricSleepSegment,
	"spo2":    models.MetricBloodOxygen,
	"energy":  models.MetricCalories,
	"dist_km": models.MetricDistance,
}

func (c *Connector) Pull(ctx context.Context, cred connector.Credential, device models.WearableDevice, cursor string, metrics []string) (connector.PullResult, error) {
	var ans connector.PullResult

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return ans, connector.NewFault(connector.FaultPermanent, fmt.Errorf("invalid cursor %q: %w", cursor, err))
		}

		offset = n
	}

	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/export?"+q.Encode(), nil)
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

	var out exportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ans, connector.NewFault(connector.FaultPermanent, fmt.Errorf("malformed response: %w", err))
	}

	wanted := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		wanted[m] = true
	}

	now := time.Now().UTC()

	for _, m := range out.Measurements {
		metric, ok := metricByKind[m.Kind]
		if !ok {
			continue
		}

		if len(wanted) > 0 && !wanted[metric] {
			continue
		}

		at, err := time.Parse(time.RFC3339, m.At)
		if err != nil {
			continue
		}

		ans.Observations = append(ans.Observations, models.HealthObservation{
			UserID:     device.UserID,
			DeviceID:   device.ID,
			MetricType: metric,
			Value:      m.Value,
			Unit:       m.Unit,
			RecordedAt: at.UTC(),
			ObservedAt: now,
			ExternalID: m.ID,
		})
	}

	next := offset + len(out.Measurements)
	if next < out.Total {
		ans.NextCursor = strconv.Itoa(next)
		ans.HasMore = true
	} else {
		// Reset the window so the next scheduled sync starts a fresh export.
		ans.NextCursor = ""
	}

	return ans, nil
}
