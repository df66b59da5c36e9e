package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/memory"
	"github.com/vitaltrack/healthsync/models"
)

type stubConnector struct{}

func (stubConnector) Type() string { return models.DeviceTypePhoneHealth }

func (stubConnector) Capabilities() []string {
	return []string{models.MetricSteps, models.MetricHeartRate}
}

func (stubConnector) Pull(context.Context, connector.Credential, models.WearableDevice, string, []string) (connector.PullResult, error) {
	return connector.PullResult{}, nil
}

type fakeTrigger struct {
	enqueued []string
	err      error
}

func (f *fakeTrigger) EnqueueManualSync(_ context.Context, deviceID string) error {
	if f.err != nil {
		return f.err
	}

	f.enqueued = append(f.enqueued, deviceID)

	return nil
}

type fixture struct {
	mux       *http.ServeMux
	devices   models.DeviceRepository
	schedules models.ScheduleRepository
	logs      models.SyncLogRepository
	conflicts models.ConflictRepository
	analyses  models.CorrelationRepository
	trigger   *fakeTrigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	connector.Register(stubConnector{})

	f := &fixture{
		devices:   memory.NewDeviceRepository(),
		schedules: memory.NewScheduleRepository(),
		logs:      memory.NewSyncLogRepository(),
		conflicts: memory.NewConflictRepository(),
		analyses:  memory.NewCorrelationRepository(),
		trigger:   &fakeTrigger{},
	}

	svc := NewService(f.devices, f.logs, f.schedules, f.conflicts, f.analyses, f.trigger, 15*time.Minute)
	f.mux = NewMux(svc, zap.NewNop())

	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	return rec
}

func (f *fixture) seedDevice(t *testing.T, id, userID, status string) {
	t.Helper()

	err := f.devices.Create(context.Background(), &models.WearableDevice{
		ID:         id,
		UserID:     userID,
		DeviceType: models.DeviceTypePhoneHealth,
		Status:     status,
	})
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterDevice(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/devices", map[string]any{
		"user_id":           "user-1",
		"device_type":       models.DeviceTypePhoneHealth,
		"name":              "Pixel Health",
		"frequency_seconds": 600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var device models.WearableDevice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))

	assert.NotEmpty(t, device.ID)
	assert.Equal(t, models.DeviceStatusConnected, device.Status)
	assert.Equal(t, []string{models.MetricSteps, models.MetricHeartRate}, device.Capabilities,
		"capabilities default to the connector's")

	schedule, err := f.schedules.Get(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, schedule.Frequency)
	assert.True(t, schedule.AutoSync)
}

func TestRegisterDeviceConfiguredDefaultFrequency(t *testing.T) {
	f := newFixture(t)

	svc := NewService(f.devices, f.logs, f.schedules, f.conflicts, f.analyses, f.trigger, 20*time.Minute)
	mux := NewMux(svc, zap.NewNop())

	body := bytes.Buffer{}
	require.NoError(t, json.NewEncoder(&body).Encode(map[string]any{
		"user_id":     "user-1",
		"device_type": models.DeviceTypePhoneHealth,
		"name":        "Pixel Health",
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/devices", &body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var device models.WearableDevice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))

	schedule, err := f.schedules.Get(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, schedule.Frequency,
		"registrations without an explicit frequency get the configured default")
}

func TestRegisterDeviceDuplicate(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "dev-1", "user-1", models.DeviceStatusConnected)

	rec := f.do(t, http.MethodPost, "/api/devices", map[string]any{
		"id":          "dev-1",
		"user_id":     "user-1",
		"device_type": models.DeviceTypePhoneHealth,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterDeviceUnknownType(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/devices", map[string]any{
		"user_id":     "user-1",
		"device_type": "pedometer_3000",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDevicesRequiresUserID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "dev-1", "user-1", models.DeviceStatusConnected)
	f.seedDevice(t, "dev-2", "user-2", models.DeviceStatusConnected)

	rec := f.do(t, http.MethodGet, "/api/devices?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []models.WearableDevice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-1", devices[0].ID)
}

func TestDeviceStatus(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "dev-1", "user-1", models.DeviceStatusConnected)

	require.NoError(t, f.schedules.Save(context.Background(), &models.SyncSchedule{
		DeviceID:   "dev-1",
		Frequency:  15 * time.Minute,
		AutoSync:   true,
		NextSyncAt: time.Now().UTC(),
	}))

	require.NoError(t, f.logs.Create(context.Background(), &models.SyncLog{
		DeviceID:  "dev-1",
		Direction: "pull",
		Status:    models.SyncStatusSuccess,
		StartedAt: time.Now().UTC(),
	}))

	rec := f.do(t, http.MethodGet, "/api/devices/dev-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status DeviceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	assert.Equal(t, "dev-1", status.Device.ID)
	require.NotNil(t, status.Schedule)
	require.NotNil(t, status.LastSync)
	assert.Equal(t, models.SyncStatusSuccess, status.LastSync.Status)
}

func TestDeviceStatusNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSync(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "dev-1", "user-1", models.DeviceStatusConnected)

	rec := f.do(t, http.MethodPost, "/api/devices/dev-1/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"dev-1"}, f.trigger.enqueued)
}

func TestTriggerSyncNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/devices/ghost/sync", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.trigger.enqueued)
}

func TestTriggerSyncDisconnectedDevice(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "dev-1", "user-1", models.DeviceStatusDisconnected)

	rec := f.do(t, http.MethodPost, "/api/devices/dev-1/sync", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.trigger.enqueued)
}

func TestDisconnectDevice(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "dev-1", "user-1", models.DeviceStatusConnected)

	rec := f.do(t, http.MethodDelete, "/api/devices/dev-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	device, err := f.devices.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusDisconnected, device.Status)
}

func TestUpdateSchedule(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "dev-1", "user-1", models.DeviceStatusConnected)

	require.NoError(t, f.schedules.Save(context.Background(), &models.SyncSchedule{
		DeviceID:   "dev-1",
		Frequency:  15 * time.Minute,
		AutoSync:   true,
		NextSyncAt: time.Now().UTC(),
	}))

	rec := f.do(t, http.MethodPut, "/api/devices/dev-1/schedule", map[string]any{
		"frequency_seconds": 3600,
		"auto_sync":         false,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	schedule, err := f.schedules.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, schedule.Frequency)
	assert.False(t, schedule.AutoSync)
}

func TestUpdateScheduleNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/devices/ghost/schedule", map[string]any{
		"frequency_seconds": 3600,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncHistory(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "dev-1", "user-1", models.DeviceStatusConnected)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.logs.Create(context.Background(), &models.SyncLog{
			DeviceID:  "dev-1",
			Direction: "pull",
			Status:    models.SyncStatusSuccess,
			StartedAt: time.Now().UTC().Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/devices/dev-1/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []models.SyncLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)
}

func TestConflicts(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.conflicts.Create(context.Background(), &models.ConflictResolution{
		UserID:        "user-1",
		MetricType:    models.MetricSteps,
		Kind:          models.ConflictKindSource,
		CompetingVals: []float64{5000, 8000},
		Policy:        models.PolicyServerWins,
		ResolvedValue: 8000,
		ResolvedBy:    "system",
		WindowStart:   time.Now().UTC().Add(-2 * time.Minute),
		WindowEnd:     time.Now().UTC(),
	}))

	rec := f.do(t, http.MethodGet, "/api/users/user-1/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resolutions []models.ConflictResolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolutions))
	require.Len(t, resolutions, 1)
	assert.Equal(t, models.ConflictKindSource, resolutions[0].Kind)
}

func TestCorrelations(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.analyses.Upsert(context.Background(), &models.CorrelationAnalysis{
		ID:          "corr-1",
		UserID:      "user-1",
		MetricA:     models.MetricSleepSegment,
		MetricB:     models.MetricSteps,
		LagDays:     1,
		Score:       0.62,
		Confidence:  0.8,
		SampleSize:  24,
		PeriodStart: time.Now().UTC().AddDate(0, 0, -30),
		PeriodEnd:   time.Now().UTC(),
	}))

	rec := f.do(t, http.MethodGet, "/api/users/user-1/correlations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var analyses []models.CorrelationAnalysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &analyses))
	require.Len(t, analyses, 1)
	assert.InDelta(t, 0.62, analyses[0].Score, 1e-9)
}
