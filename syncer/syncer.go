// Package syncer executes one sync job end to end: lock, credential, paged
// pull, reconciliation, persistence, audit log. Per-device execution is
// strictly serialized; jobs for different devices run concurrently up to the
// worker pool size.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitaltrack/healthsync/conflict"
	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/credentials"
	"github.com/vitaltrack/healthsync/events"
	"github.com/vitaltrack/healthsync/models"
	"github.com/vitaltrack/healthsync/pkg/keylock"
)

const (
	// maxPages bounds the pull loop against a misbehaving connector.
	maxPages = 50
	// pullTimeout bounds one vendor call so a stalled vendor cannot exhaust
	// the worker pool.
	pullTimeout = 30 * time.Second
	// transientRetries is how often one page is retried in-job on transient
	// faults before the job fails.
	transientRetries = 3
	// pushWindow is how far back push-capable syncs look for entries to
	// write back to the vendor.
	pushWindow = 24 * time.Hour
)

// CredentialSource is the credential store surface the orchestrator needs.
type CredentialSource interface {
	GetValidCredential(ctx context.Context, deviceID string) (connector.Credential, error)
	ForceRefresh(ctx context.Context, deviceID string) (connector.Credential, error)
}

// Result summarizes one executed job. RetryAfter is non-zero when the vendor
// rate-limited us and carries the minimum wait before the next attempt.
type Result struct {
	Status           string
	RecordsProcessed int
	RecordsAdded     int
	RecordsUpdated   int
	RecordsFailed    int
	Conflicts        int
	RetryAfter       time.Duration
}

type Syncer struct {
	devices      models.DeviceRepository
	observations models.ObservationRepository
	conflicts    models.ConflictRepository
	syncLogs     models.SyncLogRepository
	creds        CredentialSource
	engine       *conflict.Engine
	notifier     events.Notifier
	locks        *keylock.KeyLock
	logger       *zap.Logger
	resolve      func(deviceType string) (connector.Connector, error)
	now          func() time.Time
}

type Option func(*Syncer)

// WithConnectorResolver overrides connector lookup. Used by tests.
func WithConnectorResolver(resolve func(deviceType string) (connector.Connector, error)) Option {
	return func(s *Syncer) {
		s.resolve = resolve
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

func New(
	devices models.DeviceRepository,
	observations models.ObservationRepository,
	conflicts models.ConflictRepository,
	syncLogs models.SyncLogRepository,
	creds CredentialSource,
	engine *conflict.Engine,
	notifier events.Notifier,
	logger *zap.Logger,
	opts ...Option,
) *Syncer {
	ans := &Syncer{
		devices:      devices,
		observations: observations,
		conflicts:    conflicts,
		syncLogs:     syncLogs,
		creds:        creds,
		engine:       engine,
		notifier:     notifier,
		locks:        keylock.New(),
		logger:       logger,
		resolve:      connector.Get,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(ans)
	}

	return ans
}

// SyncDevice runs one pull sync for the device. If another sync for the same
// device is already in flight the job fails fast with status skipped instead
// of queuing.
func (s *Syncer) SyncDevice(ctx context.Context, deviceID string) (Result, error) {
	return s.run(ctx, deviceID, models.SyncDirectionPull)
}

// PushDevice writes recent entries from other sources back to the vendor,
// for connectors that support it.
func (s *Syncer) PushDevice(ctx context.Context, deviceID string) (Result, error) {
	return s.run(ctx, deviceID, models.SyncDirectionPush)
}

func (s *Syncer) run(ctx context.Context, deviceID, direction string) (Result, error) {
	startedAt := s.now().UTC()

	if !s.locks.TryAcquire(deviceID) {
		res := Result{Status: models.SyncStatusSkipped}
		s.writeLog(ctx, deviceID, direction, startedAt, res, "sync already in progress")

		return res, nil
	}

	defer s.locks.Release(deviceID)

	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		res := Result{Status: models.SyncStatusFailed}
		s.writeLog(ctx, deviceID, direction, startedAt, res, err.Error())

		return res, fmt.Errorf("load device %s: %w", deviceID, err)
	}

	if device.Status == models.DeviceStatusDisconnected {
		res := Result{Status: models.SyncStatusFailed}
		s.writeLog(ctx, deviceID, direction, startedAt, res, "device is disconnected")

		return res, errors.New("device is disconnected, re-authentication required")
	}

	if err := s.devices.UpdateStatus(ctx, deviceID, models.DeviceStatusSyncing); err != nil {
		s.logger.Error("failed to mark device syncing", zap.String("device_id", deviceID), zap.Error(err))
	}

	var res Result

	switch direction {
	case models.SyncDirectionPush:
		res, err = s.pushOnce(ctx, device)
	default:
		res, err = s.pullAll(ctx, device)
	}

	s.finishDevice(ctx, device, res)
	s.writeLog(ctx, deviceID, direction, startedAt, res, errDetail(err))
	s.emit(ctx, device, res, err)

	return res, err
}

// pullAll loops over vendor pages from the stored cursor, reconciling and
// persisting each page before advancing the cursor. Cancellation is observed
// at every page boundary: already reconciled pages stay persisted and the
// job finishes with status cancelled.
func (s *Syncer) pullAll(ctx context.Context, device models.WearableDevice) (Result, error) {
	var res Result

	conn, err := s.resolve(device.DeviceType)
	if err != nil {
		res.Status = models.SyncStatusFailed

		return res, err
	}

	cred, err := s.creds.GetValidCredential(ctx, device.ID)
	if err != nil {
		res.Status = models.SyncStatusFailed

		return res, err
	}

	metrics := pullMetrics(device, conn)

	cursor := device.Cursor
	refreshed := false
	pagesDone := 0

	for page := 0; page < maxPages; page++ {
		select {
		case <-ctx.Done():
			res.Status = models.SyncStatusCancelled

			return res, nil
		default:
		}

		pullResult, err := s.pullPage(ctx, conn, cred, device, cursor, metrics)
		if err != nil {
			switch connector.KindOf(err) {
			case connector.FaultAuthExpired:
				if refreshed {
					// Forced refresh did not help; the grant is gone.
					if stErr := s.devices.UpdateStatus(ctx, device.ID, models.DeviceStatusDisconnected); stErr != nil {
						s.logger.Error("failed to disconnect device", zap.String("device_id", device.ID), zap.Error(stErr))
					}

					res.Status = models.SyncStatusFailed

					return res, err
				}

				cred, err = s.creds.ForceRefresh(ctx, device.ID)
				if err != nil {
					res.Status = models.SyncStatusFailed

					return res, err
				}

				refreshed = true
				page--

				continue
			case connector.FaultRateLimited:
				res.RetryAfter = connector.RetryAfterOf(err)
				res.Status = outcomeAfterAbort(pagesDone, res)

				return res, err
			default:
				res.Status = outcomeAfterAbort(pagesDone, res)

				return res, err
			}
		}

		s.reconcilePage(ctx, device, pullResult.Observations, &res)

		cursor = pullResult.NextCursor
		pagesDone++

		if err := s.devices.UpdateSyncState(ctx, device.ID, cursor, s.now().UTC()); err != nil {
			s.logger.Error("failed to advance cursor", zap.String("device_id", device.ID), zap.Error(err))
		}

		if !pullResult.HasMore {
			break
		}
	}

	switch {
	case res.RecordsFailed > 0 && res.RecordsProcessed > res.RecordsFailed:
		res.Status = models.SyncStatusPartial
	case res.RecordsFailed > 0 && res.RecordsAdded == 0 && res.RecordsUpdated == 0:
		res.Status = models.SyncStatusFailed
	case res.Conflicts > 0:
		res.Status = models.SyncStatusConflict
	default:
		res.Status = models.SyncStatusSuccess
	}

	return res, nil
}

// pullPage retries transient faults in-job with a bounded timeout per call.
func (s *Syncer) pullPage(ctx context.Context, conn connector.Connector, cred connector.Credential, device models.WearableDevice, cursor string, metrics []string) (connector.PullResult, error) {
	var lastErr error

	for attempt := 0; attempt < transientRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, pullTimeout)
		ans, err := conn.Pull(callCtx, cred, device, cursor, metrics)

		cancel()

		if err == nil {
			return ans, nil
		}

		lastErr = err

		if connector.KindOf(err) != connector.FaultTransient || ctx.Err() != nil {
			return connector.PullResult{}, err
		}

		s.logger.Warn("transient pull fault, retrying",
			zap.String("device_id", device.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return connector.PullResult{}, lastErr
}

// reconcilePage validates, reconciles and persists one page of observations.
// Per-record faults are absorbed into the failed count and never abort the
// page.
func (s *Syncer) reconcilePage(ctx context.Context, device models.WearableDevice, batch []models.HealthObservation, res *Result) {
	res.RecordsProcessed += len(batch)

	incoming := make([]models.HealthObservation, 0, len(batch))

	windowStart, windowEnd := time.Time{}, time.Time{}

	for i := range batch {
		if err := batch[i].Validate(); err != nil {
			res.RecordsFailed++

			s.logger.Warn("dropping malformed observation",
				zap.String("device_id", device.ID),
				zap.String("external_id", batch[i].ExternalID),
				zap.Error(err))

			continue
		}

		incoming = append(incoming, batch[i])

		if windowStart.IsZero() || batch[i].RecordedAt.Before(windowStart) {
			windowStart = batch[i].RecordedAt
		}

		if batch[i].RecordedAt.After(windowEnd) {
			windowEnd = batch[i].RecordedAt
		}
	}

	if len(incoming) == 0 {
		return
	}

	window, err := s.observations.Select(ctx, models.ObservationSelectParams{
		UserID: device.UserID,
		From:   windowStart.Add(-conflict.ToleranceWindow),
		To:     windowEnd.Add(conflict.ToleranceWindow),
	})
	if err != nil {
		res.RecordsFailed += len(incoming)

		s.logger.Error("failed to load existing window", zap.String("device_id", device.ID), zap.Error(err))

		return
	}

	stored := make(map[recordKey]bool, len(window))
	existing := make([]models.HealthObservation, 0, len(window))

	for _, o := range window {
		stored[recordKey{o.DeviceID, o.MetricType, o.ExternalID}] = true

		if !o.Superseded {
			existing = append(existing, o)
		}
	}

	// Records already ingested by an earlier sync are done: re-reconciling
	// them against their own resolution would drift the resolved value.
	fresh := make([]models.HealthObservation, 0, len(incoming))

	for _, o := range incoming {
		if stored[recordKey{o.DeviceID, o.MetricType, o.ExternalID}] {
			continue
		}

		o.ID = uuid.New().String()
		fresh = append(fresh, o)
	}

	if len(fresh) == 0 {
		return
	}

	out := s.engine.Reconcile(conflict.Input{
		Incoming:  fresh,
		Existing:  existing,
		Overrides: policyOverrides(device),
	})

	unresolved := make(map[string]bool, len(out.Unresolved))
	for _, u := range out.Unresolved {
		unresolved[u.Observation.ID] = true
	}

	// Raw records are appended first; decisions then supersede the losers.
	// Unresolved records never enter storage.
	for i := range fresh {
		if unresolved[fresh[i].ID] {
			continue
		}

		created, err := s.observations.Upsert(ctx, &fresh[i])
		if err != nil {
			res.RecordsFailed++

			s.logger.Error("failed to persist observation",
				zap.String("device_id", device.ID),
				zap.String("external_id", fresh[i].ExternalID),
				zap.Error(err))

			continue
		}

		if created {
			res.RecordsAdded++
		}
	}

	for _, d := range out.Decisions {
		s.persistDecision(ctx, device, d, res)
	}

	for _, u := range out.Unresolved {
		res.RecordsFailed++

		s.logger.Warn("unresolved conflict",
			zap.String("device_id", device.ID),
			zap.String("metric", u.Observation.MetricType),
			zap.Error(u.Err))
	}
}

// recordKey is the idempotency key a vendor record is stored under.
type recordKey struct {
	deviceID string
	metric   string
	external string
}

func (s *Syncer) persistDecision(ctx context.Context, device models.WearableDevice, d conflict.Decision, res *Result) {
	// An authoritative record without an id is one the engine computed; it
	// gets its own row. Everything else already sits in storage from the
	// raw append.
	if obs := d.Authoritative; obs.ID == "" {
		obs.ID = uuid.New().String()

		created, err := s.observations.Upsert(ctx, &obs)
		if err != nil {
			res.RecordsFailed++

			s.logger.Error("failed to persist observation",
				zap.String("device_id", device.ID),
				zap.String("external_id", obs.ExternalID),
				zap.Error(err))

			return
		}

		if created {
			res.RecordsAdded++
		}
	}

	if len(d.SupersededIDs) > 0 {
		if err := s.observations.Supersede(ctx, d.SupersededIDs); err != nil {
			s.logger.Error("failed to supersede observations", zap.String("device_id", device.ID), zap.Error(err))
		} else {
			res.RecordsUpdated += len(d.SupersededIDs)
		}
	}

	if d.Resolution != nil {
		resolution := *d.Resolution
		resolution.ID = uuid.New().String()
		resolution.CreatedAt = s.now().UTC()

		if err := s.conflicts.Create(ctx, &resolution); err != nil {
			s.logger.Error("failed to record conflict resolution", zap.String("device_id", device.ID), zap.Error(err))
		} else {
			res.Conflicts++
		}
	}
}

// pushOnce writes authoritative entries recorded by other sources back to a
// push-capable vendor.
func (s *Syncer) pushOnce(ctx context.Context, device models.WearableDevice) (Result, error) {
	var res Result

	conn, err := s.resolve(device.DeviceType)
	if err != nil {
		res.Status = models.SyncStatusFailed

		return res, err
	}

	pusher, ok := conn.(connector.Pusher)
	if !ok {
		res.Status = models.SyncStatusFailed

		return res, fmt.Errorf("device type %s does not support push", device.DeviceType)
	}

	cred, err := s.creds.GetValidCredential(ctx, device.ID)
	if err != nil {
		res.Status = models.SyncStatusFailed

		return res, err
	}

	now := s.now().UTC()

	stored, err := s.observations.Select(ctx, models.ObservationSelectParams{
		UserID:        device.UserID,
		From:          now.Add(-pushWindow),
		To:            now,
		Authoritative: true,
	})
	if err != nil {
		res.Status = models.SyncStatusFailed

		return res, err
	}

	outbound := make([]models.HealthObservation, 0, len(stored))

	for _, o := range stored {
		if o.DeviceID == device.ID {
			continue
		}

		if device.CanSupply(o.MetricType) {
			outbound = append(outbound, o)
		}
	}

	res.RecordsProcessed = len(outbound)

	if len(outbound) == 0 {
		res.Status = models.SyncStatusSuccess

		return res, nil
	}

	if err := pusher.Push(ctx, cred, device, outbound); err != nil {
		res.Status = models.SyncStatusFailed

		return res, err
	}

	res.RecordsUpdated = len(outbound)
	res.Status = models.SyncStatusSuccess

	return res, nil
}

// finishDevice restores the device status after a job: connected on any
// outcome that can self-heal, error on failure. Disconnects are set by the
// auth path and must not be overwritten here.
func (s *Syncer) finishDevice(ctx context.Context, device models.WearableDevice, res Result) {
	current, err := s.devices.Get(ctx, device.ID)
	if err == nil && current.Status == models.DeviceStatusDisconnected {
		return
	}

	status := models.DeviceStatusConnected
	if res.Status == models.SyncStatusFailed {
		status = models.DeviceStatusError
	}

	if err := s.devices.UpdateStatus(ctx, device.ID, status); err != nil {
		s.logger.Error("failed to restore device status", zap.String("device_id", device.ID), zap.Error(err))
	}
}

func (s *Syncer) writeLog(ctx context.Context, deviceID, direction string, startedAt time.Time, res Result, errDetail string) {
	finishedAt := s.now().UTC()

	entry := models.SyncLog{
		ID:               uuid.New().String(),
		DeviceID:         deviceID,
		Direction:        direction,
		Status:           res.Status,
		RecordsProcessed: res.RecordsProcessed,
		RecordsAdded:     res.RecordsAdded,
		RecordsUpdated:   res.RecordsUpdated,
		RecordsFailed:    res.RecordsFailed,
		Conflicts:        res.Conflicts,
		StartedAt:        startedAt,
		FinishedAt:       &finishedAt,
		ErrorDetail:      errDetail,
	}

	if err := s.syncLogs.Create(ctx, &entry); err != nil {
		s.logger.Error("failed to write sync log", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (s *Syncer) emit(ctx context.Context, device models.WearableDevice, res Result, jobErr error) {
	var name string

	switch {
	case errors.Is(jobErr, credentials.ErrConsentRevoked):
		name = events.DeviceDisconnected
	case res.Status == models.SyncStatusFailed:
		name = events.SyncFailed
	case res.Status == models.SyncStatusSkipped:
		return
	case res.Conflicts > 0:
		name = events.ConflictDetected
	default:
		name = events.SyncCompleted
	}

	ev := events.NewEvent(name, device.ID, device.UserID, map[string]any{
		"status":    res.Status,
		"added":     res.RecordsAdded,
		"updated":   res.RecordsUpdated,
		"failed":    res.RecordsFailed,
		"conflicts": res.Conflicts,
	})

	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event", name), zap.Error(err))
	}
}

func outcomeAfterAbort(pagesDone int, res Result) string {
	if pagesDone > 0 && (res.RecordsAdded > 0 || res.RecordsUpdated > 0) {
		return models.SyncStatusPartial
	}

	return models.SyncStatusFailed
}

func pullMetrics(device models.WearableDevice, conn connector.Connector) []string {
	if len(device.Capabilities) == 0 {
		return conn.Capabilities()
	}

	caps := make(map[string]bool, len(device.Capabilities))
	for _, c := range device.Capabilities {
		caps[c] = true
	}

	var ans []string

	for _, m := range conn.Capabilities() {
		if caps[m] {
			ans = append(ans, m)
		}
	}

	return ans
}

// policyOverrides reads per-user conflict policy overrides from the device
// settings, keyed as "conflict_policy.<metric>".
func policyOverrides(device models.WearableDevice) map[string]string {
	const prefix = "conflict_policy."

	var ans map[string]string

	for k, v := range device.Settings {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			if ans == nil {
				ans = make(map[string]string)
			}

			ans[k[len(prefix):]] = v
		}
	}

	return ans
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
