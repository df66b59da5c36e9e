// Package phonehealth adapts the phone health-kit bridge API (step, heart
// rate, sleep, weight and distance samples exported by the companion app).
package phonehealth

import (
	"bytes"
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

const (
	defaultBaseURL  = "https://bridge.phonehealth.example.com/v2"
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 200
)

type Connector struct {
	baseURL  string
	client   *http.Client
	pageSize int
}

// Option configures the connector.
type Option func(*Connector)

// WithBaseURL overrides the vendor endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Connector) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) {
		c.client = client
	}
}

// WithPageSize overrides the page size requested from the vendor.
func WithPageSize(n int) Option {
	return func(c *Connector) {
		c.pageSize = n
	}
}

func New(opts ...Option) *Connector {
	ans := &Connector{
		baseURL:  defaultBaseURL,
		client:   &http.Client{Timeout: defaultTimeout},
		pageSize: defaultPageSize,
	}

	for _, opt := range opts {
		opt(ans)
	}

	return ans
}

func (c *Connector) Type() string {
	return models.DeviceTypePhoneHealth
}

func (c *Connector) Capabilities() []string {
	return []string{
		models.MetricSteps,
		models.MetricHeartRate,
		models.MetricSleepSegment,
		models.MetricWeight,
		models.MetricDistance,
		models.MetricCalories,
	}
}

// sample is the vendor's wire shape for one measurement.
type sample struct {
	SampleID   string   `json:"sample_id"`
	Type       string   `json:"type"`
	Value      float64  `json:"value"`
	Unit       string   `json:"unit"`
	RecordedAt string   `json:"recorded_at"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type pullResponse struct {
	Samples   []sample `json:"samples"`
	NextSince string   `json:"next_since"`
	HasMore   bool     `json:"has_more"`
}

// metric name mapping, vendor -> engine
var metricByVendorType = map[string]string{
	"step_count":     models.MetricSteps,
	"heart_rate":     models.MetricHeartRate,
	"sleep_analysis": models.MetricSleepSegment,
	"body_mass":      models.MetricWeight,
	"distance":       models.MetricDistance,
	"active_energy":  models.MetricCalories,
}

var vendorTypeByMetric = func() map[string]string {
	ans := make(map[string]string, len(metricByVendorType))
	for vendor, metric := range metricByVendorType {
		ans[metric] = vendor
	}

	return ans
}()

func (c *Connector) Pull(ctx context.Context, cred connector.Credential, device models.WearableDevice, cursor string, metrics []string) (connector.PullResult, error) {
	var ans connector.PullResult

	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", c.pageSize))

	if cursor != "" {
		q.Set("since", cursor)
	}

	var vendorTypes []string

	for _, m := range metrics {
		if vt, ok := vendorTypeByMetric[m]; ok {
			vendorTypes = append(vendorTypes, vt)
		}
	}

	if len(vendorTypes) > 0 {
		q.Set("types", strings.Join(vendorTypes, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/samples?"+q.Encode(), nil)
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

	now := time.Now().UTC()

	for _, s := range out.Samples {
		metric, ok := metricByVendorType[s.Type]
		if !ok {
			continue
		}

		recordedAt, err := time.Parse(time.RFC3339, s.RecordedAt)
		if err != nil {
			continue
		}

		ans.Observations = append(ans.Observations, models.HealthObservation{
			UserID:     device.UserID,
			DeviceID:   device.ID,
			MetricType: metric,
			Value:      s.Value,
			Unit:       s.Unit,
			RecordedAt: recordedAt.UTC(),
			ObservedAt: now,
			Confidence: s.Confidence,
			ExternalID: s.SampleID,
		})
	}

	ans.NextCursor = out.NextSince
	ans.HasMore = out.HasMore

	return ans, nil
}

// Push writes observations back to the companion app, e.g. a manual weight
// entry logged in the product UI.
func (c *Connector) Push(ctx context.Context, cred connector.Credential, device models.WearableDevice, observations []models.HealthObservation) error {
	samples := make([]sample, 0, len(observations))

	for _, o := range observations {
		vt, ok := vendorTypeByMetric[o.MetricType]
		if !ok {
			continue
		}

		samples = append(samples, sample{
			SampleID:   o.ExternalID,
			Type:       vt,
			Value:      o.Value,
			Unit:       o.Unit,
			RecordedAt: o.RecordedAt.UTC().Format(time.RFC3339),
		})
	}

	if len(samples) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{"samples": samples})
	if err != nil {
		return connector.NewFault(connector.FaultPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/samples", bytes.NewReader(body))
	if err != nil {
		return connector.NewFault(connector.FaultPermanent, err)
	}

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if fault := connector.ClassifyResponse(resp, err); fault != nil {
		if resp != nil {
			resp.Body.Close()
		}

		return fault
	}

	resp.Body.Close()

	return nil
}
