// Package web exposes the HTTP API: device registration, manual sync
// triggers, sync status and history, conflict and correlation queries.
package web

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/models"
	"github.com/vitaltrack/healthsync/scheduler"
)

// ErrAlreadyExists is returned when registering a device with a taken ID.
var ErrAlreadyExists = errors.New("already exists")

// SyncTrigger enqueues a user-triggered sync for a device.
type SyncTrigger interface {
	EnqueueManualSync(ctx context.Context, deviceID string) error
}

// Service implements the API operations over the repositories.
type Service struct {
	devices          models.DeviceRepository
	logs             models.SyncLogRepository
	schedules        models.ScheduleRepository
	conflicts        models.ConflictRepository
	analyses         models.CorrelationRepository
	trigger          SyncTrigger
	defaultFrequency time.Duration
}

// NewService wires a Service. defaultFrequency is the sync interval given to
// registrations that do not pick their own.
func NewService(
	devices models.DeviceRepository,
	logs models.SyncLogRepository,
	schedules models.ScheduleRepository,
	conflicts models.ConflictRepository,
	analyses models.CorrelationRepository,
	trigger SyncTrigger,
	defaultFrequency time.Duration,
) *Service {
	if defaultFrequency <= 0 {
		defaultFrequency = scheduler.DefaultFrequency
	}

	return &Service{
		devices:          devices,
		logs:             logs,
		schedules:        schedules,
		conflicts:        conflicts,
		analyses:         analyses,
		trigger:          trigger,
		defaultFrequency: defaultFrequency,
	}
}

// RegisterDevice stores a new device and its default sync schedule. The
// connector registry validates the device type.
func (s *Service) RegisterDevice(ctx context.Context, device *models.WearableDevice, frequency time.Duration) error {
	if device.ID == "" {
		device.ID = uuid.New().String()
	}

	if device.Status == "" {
		device.Status = models.DeviceStatusConnected
	}

	conn, err := connector.Get(device.DeviceType)
	if err != nil {
		return err
	}

	if len(device.Capabilities) == 0 {
		device.Capabilities = conn.Capabilities()
	}

	if _, err := s.devices.Get(ctx, device.ID); err == nil {
		return ErrAlreadyExists
	}

	if err := s.devices.Create(ctx, device); err != nil {
		return err
	}

	if frequency <= 0 {
		frequency = s.defaultFrequency
	}

	schedule := models.SyncSchedule{
		DeviceID:   device.ID,
		Frequency:  frequency,
		AutoSync:   true,
		NextSyncAt: time.Now().UTC(),
	}

	return s.schedules.Save(ctx, &schedule)
}

// Devices lists a user's devices.
func (s *Service) Devices(ctx context.Context, userID string) ([]models.WearableDevice, error) {
	return s.devices.Select(ctx, models.DeviceSelectParams{UserID: userID})
}

// DeviceStatus is the detail view for one device.
type DeviceStatus struct {
	Device   models.WearableDevice `json:"device"`
	Schedule *models.SyncSchedule  `json:"schedule,omitempty"`
	LastSync *models.SyncLog       `json:"last_sync,omitempty"`
}

// Status returns a device together with its schedule and most recent sync
// attempt.
func (s *Service) Status(ctx context.Context, deviceID string) (DeviceStatus, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return DeviceStatus{}, err
	}

	status := DeviceStatus{Device: device}

	if schedule, err := s.schedules.Get(ctx, deviceID); err == nil {
		status.Schedule = &schedule
	}

	entries, err := s.logs.Select(ctx, models.SyncLogSelectParams{DeviceID: deviceID, Limit: 1})
	if err == nil && len(entries) > 0 {
		status.LastSync = &entries[0]
	}

	return status, nil
}

// TriggerSync enqueues a manual sync for a connected device.
func (s *Service) TriggerSync(ctx context.Context, deviceID string) error {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	if device.Status == models.DeviceStatusDisconnected {
		return fmt.Errorf("device %s is disconnected", deviceID)
	}

	return s.trigger.EnqueueManualSync(ctx, deviceID)
}

// Disconnect soft-disables a device. Its observations and history remain.
func (s *Service) Disconnect(ctx context.Context, deviceID string) error {
	return s.devices.UpdateStatus(ctx, deviceID, models.DeviceStatusDisconnected)
}

// SyncHistory returns recent sync attempts for a device.
func (s *Service) SyncHistory(ctx context.Context, deviceID string, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	return s.logs.Select(ctx, models.SyncLogSelectParams{DeviceID: deviceID, Limit: limit})
}

// Conflicts returns recent conflict resolutions for a user.
func (s *Service) Conflicts(ctx context.Context, userID string, limit int) ([]models.ConflictResolution, error) {
	if limit <= 0 {
		limit = 50
	}

	return s.conflicts.Select(ctx, models.ConflictSelectParams{UserID: userID, Limit: limit})
}

// Correlations returns recent correlation analyses for a user.
func (s *Service) Correlations(ctx context.Context, userID string, limit int) ([]models.CorrelationAnalysis, error) {
	if limit <= 0 {
		limit = 20
	}

	return s.analyses.Select(ctx, userID, limit)
}

// UpdateSchedule changes a device's sync frequency or auto-sync flag.
func (s *Service) UpdateSchedule(ctx context.Context, deviceID string, frequency time.Duration, autoSync bool) error {
	schedule, err := s.schedules.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	if frequency > 0 {
		schedule.Frequency = frequency
	}

	schedule.AutoSync = autoSync

	return s.schedules.Save(ctx, &schedule)
}
