package fitband

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/models"
)

func testDevice() models.WearableDevice {
	return models.WearableDevice{ID: "dev-1", UserID: "user-1", DeviceType: models.DeviceTypeFitnessBand}
}

func TestPullMapsVendorRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		page := r.URL.Query().Get("page_token")

		out := pullResponse{}
		if page == "" {
			out.Records = []record{
				{RecordID: "r1", Metric: "steps", Value: 5200, Unit: "count", Timestamp: 1756700000, Accuracy: "high"},
				{RecordID: "r2", Metric: "hr", Value: 68, Unit: "bpm", Timestamp: 1756700060, Accuracy: "medium"},
				{RecordID: "r3", Metric: "unknown_metric", Value: 1, Unit: "x", Timestamp: 1756700120},
			}
			out.NextPageToken = "page-2"
		} else {
			require.Equal(t, "page-2", page)
			out.Records = []record{
				{RecordID: "r4", Metric: "kcal", Value: 420, Unit: "kcal", Timestamp: 1756700180, Accuracy: "low"},
			}
		}

		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())

	first, err := c.Pull(context.Background(), connector.Credential{AccessToken: "token-1"}, testDevice(), "", nil)
	require.NoError(t, err)

	require.Len(t, first.Observations, 2, "unmapped vendor metrics are dropped")
	assert.True(t, first.HasMore)
	assert.Equal(t, "page-2", first.NextCursor)

	steps := first.Observations[0]
	assert.Equal(t, models.MetricSteps, steps.MetricType)
	assert.Equal(t, "r1", steps.ExternalID)
	assert.Equal(t, "dev-1", steps.DeviceID)
	assert.Equal(t, time.Unix(1756700000, 0).UTC(), steps.RecordedAt)
	require.NotNil(t, steps.Confidence)
	assert.InDelta(t, 0.95, *steps.Confidence, 1e-9)

	hr := first.Observations[1]
	require.NotNil(t, hr.Confidence)
	assert.InDelta(t, 0.7, *hr.Confidence, 1e-9)

	second, err := c.Pull(context.Background(), connector.Credential{AccessToken: "token-1"}, testDevice(), first.NextCursor, nil)
	require.NoError(t, err)
	require.Len(t, second.Observations, 1)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)
}

func TestPullFiltersRequestedMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(pullResponse{Records: []record{
			{RecordID: "r1", Metric: "steps", Value: 100, Unit: "count", Timestamp: 1756700000, Accuracy: "high"},
			{RecordID: "r2", Metric: "hr", Value: 70, Unit: "bpm", Timestamp: 1756700060, Accuracy: "high"},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())

	ans, err := c.Pull(context.Background(), connector.Credential{}, testDevice(), "", []string{models.MetricHeartRate})
	require.NoError(t, err)

	require.Len(t, ans.Observations, 1)
	assert.Equal(t, models.MetricHeartRate, ans.Observations[0].MetricType)
}

func TestPullFaultClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   connector.FaultKind
	}{
		{name: "expired token", status: http.StatusUnauthorized, want: connector.FaultAuthExpired},
		{name: "throttled", status: http.StatusTooManyRequests, want: connector.FaultRateLimited},
		{name: "vendor outage", status: http.StatusServiceUnavailable, want: connector.FaultTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := New(srv.URL, srv.Client())

			_, err := c.Pull(context.Background(), connector.Credential{}, testDevice(), "", nil)
			require.Error(t, err)
			assert.Equal(t, tc.want, connector.KindOf(err))
		})
	}
}

func TestPullMalformedBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())

	_, err := c.Pull(context.Background(), connector.Credential{}, testDevice(), "", nil)
	require.Error(t, err)
	assert.Equal(t, connector.FaultPermanent, connector.KindOf(err))
}
