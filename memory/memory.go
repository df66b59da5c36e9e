// Package memory provides in-memory repository implementations. They back the
// web runner when no database is configured and double as test fixtures.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vitaltrack/healthsync/models"
)

type deviceRepo struct {
	mu      *sync.RWMutex
	devices map[string]models.WearableDevice
	auth    map[string]models.DeviceAuth
}

// NewDeviceRepository creates an in-memory device repository.
func NewDeviceRepository() models.DeviceRepository {
	return &deviceRepo{
		mu:      &sync.RWMutex{},
		devices: make(map[string]models.WearableDevice),
		auth:    make(map[string]models.DeviceAuth),
	}
}

func (r *deviceRepo) Get(_ context.Context, id string) (models.WearableDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[id]
	if !ok {
		return models.WearableDevice{}, models.ErrNotFound
	}

	return device, nil
}

func (r *deviceRepo) Create(_ context.Context, device *models.WearableDevice) error {
	if err := device.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}

	device.UpdatedAt = now
	r.devices[device.ID] = *device

	return nil
}

func (r *deviceRepo) Select(_ context.Context, params models.DeviceSelectParams) ([]models.WearableDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := make([]models.WearableDevice, 0, len(r.devices))

	for _, device := range r.devices {
		if params.UserID != "" && device.UserID != params.UserID {
			continue
		}

		if params.Status != "" && device.Status != params.Status {
			continue
		}

		filtered = append(filtered, device)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID < filtered[j].ID
		}

		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}

	return filtered, nil
}

func (r *deviceRepo) UpdateStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return models.ErrNotFound
	}

	device.Status = status
	device.UpdatedAt = time.Now().UTC()
	r.devices[id] = device

	return nil
}

func (r *deviceRepo) UpdateSyncState(_ context.Context, id, cursor string, lastSyncAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return models.ErrNotFound
	}

	device.Cursor = cursor
	last := lastSyncAt.UTC()
	device.LastSyncAt = &last
	device.UpdatedAt = time.Now().UTC()
	r.devices[id] = device

	return nil
}

func (r *deviceRepo) GetAuth(_ context.Context, deviceID string) (models.DeviceAuth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	auth, ok := r.auth[deviceID]
	if !ok {
		return models.DeviceAuth{}, models.ErrNotFound
	}

	return auth, nil
}

func (r *deviceRepo) SaveAuth(_ context.Context, auth *models.DeviceAuth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	auth.UpdatedAt = time.Now().UTC()
	r.auth[auth.DeviceID] = *auth

	return nil
}

type observationKey struct {
	deviceID   string
	metricType string
	externalID string
}

type observationRepo struct {
	mu    *sync.RWMutex
	items map[observationKey]models.HealthObservation
}

// NewObservationRepository creates an in-memory observation repository.
func NewObservationRepository() models.ObservationRepository {
	return &observationRepo{
		mu:    &sync.RWMutex{},
		items: make(map[observationKey]models.HealthObservation),
	}
}

func (r *observationRepo) Upsert(_ context.Context, obs *models.HealthObservation) (bool, error) {
	if err := obs.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := observationKey{obs.DeviceID, obs.MetricType, obs.ExternalID}
	if _, ok := r.items[key]; ok {
		return false, nil
	}

	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}

	r.items[key] = *obs

	return true, nil
}

func (r *observationRepo) Select(_ context.Context, params models.ObservationSelectParams) ([]models.HealthObservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := make([]models.HealthObservation, 0, len(r.items))

	for _, obs := range r.items {
		if params.UserID != "" && obs.UserID != params.UserID {
			continue
		}

		if params.DeviceID != "" && obs.DeviceID != params.DeviceID {
			continue
		}

		if params.MetricType != "" && obs.MetricType != params.MetricType {
			continue
		}

		if !params.From.IsZero() && obs.RecordedAt.Before(params.From) {
			continue
		}

		if !params.To.IsZero() && obs.RecordedAt.After(params.To) {
			continue
		}

		if params.Authoritative && obs.Superseded {
			continue
		}

		filtered = append(filtered, obs)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].RecordedAt.Equal(filtered[j].RecordedAt) {
			return filtered[i].ExternalID < filtered[j].ExternalID
		}

		return filtered[i].RecordedAt.Before(filtered[j].RecordedAt)
	})

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}

	return filtered, nil
}

func (r *observationRepo) Supersede(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	for key, obs := range r.items {
		if wanted[obs.ID] {
			obs.Superseded = true
			r.items[key] = obs
		}
	}

	return nil
}

type syncLogRepo struct {
	mu    *sync.RWMutex
	items []models.SyncLog
}

// NewSyncLogRepository creates an in-memory sync log repository.
func NewSyncLogRepository() models.SyncLogRepository {
	return &syncLogRepo{mu: &sync.RWMutex{}}
}

func (r *syncLogRepo) Create(_ context.Context, entry *models.SyncLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, *entry)

	return nil
}

func (r *syncLogRepo) Select(_ context.Context, params models.SyncLogSelectParams) ([]models.SyncLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := make([]models.SyncLog, 0, len(r.items))

	for _, entry := range r.items {
		if params.DeviceID != "" && entry.DeviceID != params.DeviceID {
			continue
		}

		if params.Status != "" && entry.Status != params.Status {
			continue
		}

		filtered = append(filtered, entry)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}

	return filtered, nil
}

type scheduleRepo struct {
	mu    *sync.RWMutex
	items map[string]models.SyncSchedule
}

// NewScheduleRepository creates an in-memory schedule repository.
func NewScheduleRepository() models.ScheduleRepository {
	return &scheduleRepo{
		mu:    &sync.RWMutex{},
		items: make(map[string]models.SyncSchedule),
	}
}

func (r *scheduleRepo) Get(_ context.Context, deviceID string) (models.SyncSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schedule, ok := r.items[deviceID]
	if !ok {
		return models.SyncSchedule{}, models.ErrNotFound
	}

	return schedule, nil
}

func (r *scheduleRepo) Save(_ context.Context, schedule *models.SyncSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	schedule.UpdatedAt = time.Now().UTC()
	r.items[schedule.DeviceID] = *schedule

	return nil
}

func (r *scheduleRepo) SelectDue(_ context.Context, now time.Time, limit int) ([]models.SyncSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]models.SyncSchedule, 0, len(r.items))

	for _, schedule := range r.items {
		if !schedule.AutoSync || schedule.NextSyncAt.After(now) {
			continue
		}

		due = append(due, schedule)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextSyncAt.Before(due[j].NextSyncAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

type conflictRepo struct {
	mu    *sync.RWMutex
	items []models.ConflictResolution
}

// NewConflictRepository creates an in-memory conflict history repository.
func NewConflictRepository() models.ConflictRepository {
	return &conflictRepo{mu: &sync.RWMutex{}}
}

func (r *conflictRepo) Create(_ context.Context, res *models.ConflictResolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	r.items = append(r.items, *res)

	return nil
}

func (r *conflictRepo) Select(_ context.Context, params models.ConflictSelectParams) ([]models.ConflictResolution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := make([]models.ConflictResolution, 0, len(r.items))

	for _, res := range r.items {
		if params.UserID != "" && res.UserID != params.UserID {
			continue
		}

		if params.MetricType != "" && res.MetricType != params.MetricType {
			continue
		}

		filtered = append(filtered, res)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}

	return filtered, nil
}

type correlationKey struct {
	userID      string
	metricA     string
	metricB     string
	periodStart time.Time
}

type correlationRepo struct {
	mu    *sync.RWMutex
	items map[correlationKey]models.CorrelationAnalysis
}

// NewCorrelationRepository creates an in-memory correlation repository.
func NewCorrelationRepository() models.CorrelationRepository {
	return &correlationRepo{
		mu:    &sync.RWMutex{},
		items: make(map[correlationKey]models.CorrelationAnalysis),
	}
}

func (r *correlationRepo) Upsert(_ context.Context, analysis *models.CorrelationAnalysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now().UTC()
	}

	key := correlationKey{analysis.UserID, analysis.MetricA, analysis.MetricB, analysis.PeriodStart}
	r.items[key] = *analysis

	return nil
}

func (r *correlationRepo) Select(_ context.Context, userID string, limit int) ([]models.CorrelationAnalysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := make([]models.CorrelationAnalysis, 0, len(r.items))

	for _, analysis := range r.items {
		if analysis.UserID != userID {
			continue
		}

		filtered = append(filtered, analysis)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return filtered, nil
}
