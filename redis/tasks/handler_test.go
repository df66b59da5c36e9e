package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitaltrack/healthsync/conflict"
	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/correlation"
	"github.com/vitaltrack/healthsync/events/gonoop"
	"github.com/vitaltrack/healthsync/memory"
	"github.com/vitaltrack/healthsync/models"
	"github.com/vitaltrack/healthsync/scheduler"
	"github.com/vitaltrack/healthsync/syncer"
)

type fakeConnector struct {
	pulls int
	fail  bool
}

func (f *fakeConnector) Type() string           { return models.DeviceTypeFitnessBand }
func (f *fakeConnector) Capabilities() []string { return []string{models.MetricSteps} }

func (f *fakeConnector) Pull(_ context.Context, _ connector.Credential, device models.WearableDevice, _ string, _ []string) (connector.PullResult, error) {
	f.pulls++

	if f.fail {
		return connector.PullResult{}, connector.NewFault(connector.FaultPermanent, assert.AnError)
	}

	return connector.PullResult{
		Observations: []models.HealthObservation{{
			UserID:     device.UserID,
			DeviceID:   device.ID,
			MetricType: models.MetricSteps,
			Value:      4200,
			Unit:       "count",
			RecordedAt: time.Now().UTC().Add(-time.Hour),
			ObservedAt: time.Now().UTC(),
			ExternalID: "r1",
		}},
		NextCursor: "end",
	}, nil
}

type fakeCreds struct{}

func (fakeCreds) GetValidCredential(context.Context, string) (connector.Credential, error) {
	return connector.Credential{AccessToken: "token"}, nil
}

func (fakeCreds) ForceRefresh(context.Context, string) (connector.Credential, error) {
	return connector.Credential{AccessToken: "token"}, nil
}

type noEnqueue struct{}

func (noEnqueue) EnqueueSync(context.Context, string) error        { return nil }
func (noEnqueue) EnqueueCorrelation(context.Context, string) error { return nil }
func (noEnqueue) EnqueuePush(context.Context, string) error        { return nil }

type handlerFixture struct {
	handler   *Handler
	conn      *fakeConnector
	schedules models.ScheduleRepository
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	devices := memory.NewDeviceRepository()
	observations := memory.NewObservationRepository()
	conflicts := memory.NewConflictRepository()
	syncLogs := memory.NewSyncLogRepository()
	schedules := memory.NewScheduleRepository()
	correlations := memory.NewCorrelationRepository()

	err := devices.Create(context.Background(), &models.WearableDevice{
		ID:           "dev-1",
		UserID:       "user-1",
		DeviceType:   models.DeviceTypeFitnessBand,
		Status:       models.DeviceStatusConnected,
		Capabilities: []string{models.MetricSteps},
	})
	require.NoError(t, err)

	require.NoError(t, schedules.Save(context.Background(), &models.SyncSchedule{
		DeviceID:   "dev-1",
		Frequency:  15 * time.Minute,
		AutoSync:   true,
		NextSyncAt: time.Now().UTC(),
	}))

	conn := &fakeConnector{}

	s := syncer.New(
		devices, observations, conflicts, syncLogs,
		fakeCreds{}, conflict.NewEngine(models.PolicyServerWins), gonoop.New(), zap.NewNop(),
		syncer.WithConnectorResolver(func(string) (connector.Connector, error) { return conn, nil }),
	)

	sched := scheduler.New(schedules, devices, noEnqueue{}, zap.NewNop())
	analyzer := correlation.NewAnalyzer(observations, correlations, zap.NewNop())

	return &handlerFixture{
		handler:   NewHandler(s, sched, analyzer, zap.NewNop()),
		conn:      conn,
		schedules: schedules,
	}
}

func syncTask(t *testing.T, payload SyncPayload) *asynq.Task {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	return asynq.NewTask(TypeSyncDevice, raw)
}

func TestProcessSyncTaskScheduledUpdatesSchedule(t *testing.T) {
	f := newHandlerFixture(t)

	before, err := f.schedules.Get(context.Background(), "dev-1")
	require.NoError(t, err)

	err = f.handler.ProcessTask(context.Background(), syncTask(t, SyncPayload{DeviceID: "dev-1"}))
	require.NoError(t, err)

	assert.Equal(t, 1, f.conn.pulls)

	after, err := f.schedules.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, after.NextSyncAt.After(before.NextSyncAt), "completion advances the slot")
	require.NotNil(t, after.LastRunAt)
}

func TestProcessSyncTaskManualSkipsSchedule(t *testing.T) {
	f := newHandlerFixture(t)

	before, err := f.schedules.Get(context.Background(), "dev-1")
	require.NoError(t, err)

	err = f.handler.ProcessTask(context.Background(), syncTask(t, SyncPayload{DeviceID: "dev-1", Manual: true}))
	require.NoError(t, err)

	after, err := f.schedules.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, before.NextSyncAt, after.NextSyncAt, "manual syncs leave the schedule alone")
	assert.Nil(t, after.LastRunAt)
}

func TestProcessSyncTaskSwallowsJobError(t *testing.T) {
	f := newHandlerFixture(t)
	f.conn.fail = true

	err := f.handler.ProcessTask(context.Background(), syncTask(t, SyncPayload{DeviceID: "dev-1"}))
	assert.NoError(t, err, "scheduler backoff owns sync retries, not asynq")

	after, err := f.schedules.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 1, after.ConsecutiveFailures)
}

func TestProcessSyncTaskInvalidPayload(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handler.ProcessTask(context.Background(), asynq.NewTask(TypeSyncDevice, []byte("{")))
	assert.Error(t, err)

	err = f.handler.ProcessTask(context.Background(), syncTask(t, SyncPayload{}))
	assert.Error(t, err, "missing device id is rejected")
}

func TestProcessCorrelateTaskReturnsErrorForRetry(t *testing.T) {
	f := newHandlerFixture(t)

	raw, err := json.Marshal(CorrelatePayload{})
	require.NoError(t, err)

	err = f.handler.ProcessTask(context.Background(), asynq.NewTask(TypeCorrelate, raw))
	assert.Error(t, err, "missing user id is rejected")
}

func TestProcessCorrelateTaskSparseHistory(t *testing.T) {
	f := newHandlerFixture(t)

	raw, err := json.Marshal(CorrelatePayload{UserID: "user-1"})
	require.NoError(t, err)

	err = f.handler.ProcessTask(context.Background(), asynq.NewTask(TypeCorrelate, raw))
	assert.NoError(t, err, "an empty history skips pairs rather than failing")
}

func TestProcessUnknownTaskType(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handler.ProcessTask(context.Background(), asynq.NewTask("bogus:type", nil))
	assert.Error(t, err)
}

func TestProcessHealthCheck(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handler.ProcessTask(context.Background(), asynq.NewTask(TypeHealthCheck, nil))
	assert.NoError(t, err)
}
