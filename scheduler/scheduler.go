// Package scheduler decides when each device is next synced. Backoff state
// is kept on the SyncSchedule row, not in ambient timers, so it survives
// process restarts.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/models"
)

const (
	// DefaultTick is the cadence of the global scheduler loop.
	DefaultTick = 60 * time.Second
	// DefaultFrequency is the sync interval for new schedules.
	DefaultFrequency = 15 * time.Minute
	// backoffCap bounds the failure backoff at this multiple of the base
	// frequency.
	backoffCap = 24
	// selectBatch bounds how many due devices one tick enqueues.
	selectBatch = 100
	// enqueueWorkers bounds concurrent enqueue calls within one tick.
	enqueueWorkers = 8
	// DefaultMaintenanceInterval is the cadence of the slow pass that
	// schedules correlation analyses and vendor write-backs.
	DefaultMaintenanceInterval = 24 * time.Hour
	// maintenanceBatch bounds how many connected devices one maintenance
	// pass considers.
	maintenanceBatch = 1000
)

// Enqueuer submits jobs to the worker pool.
type Enqueuer interface {
	EnqueueSync(ctx context.Context, deviceID string) error
	EnqueueCorrelation(ctx context.Context, userID string) error
	EnqueuePush(ctx context.Context, deviceID string) error
}

type Scheduler struct {
	schedules       models.ScheduleRepository
	devices         models.DeviceRepository
	enqueuer        Enqueuer
	logger          *zap.Logger
	tick            time.Duration
	maintainEvery   time.Duration
	nextMaintenance time.Time
	resolve         func(deviceType string) (connector.Connector, error)
	now             func() time.Time
}

type Option func(*Scheduler)

// WithTick overrides the scheduler loop interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		s.tick = d
	}
}

// WithMaintenanceInterval overrides the cadence of the maintenance pass.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.maintainEvery = d
	}
}

// WithConnectorResolver overrides connector lookup. Used by tests.
func WithConnectorResolver(resolve func(deviceType string) (connector.Connector, error)) Option {
	return func(s *Scheduler) {
		s.resolve = resolve
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(schedules models.ScheduleRepository, devices models.DeviceRepository, enqueuer Enqueuer, logger *zap.Logger, opts ...Option) *Scheduler {
	ans := &Scheduler{
		schedules:     schedules,
		devices:       devices,
		enqueuer:      enqueuer,
		logger:        logger,
		tick:          DefaultTick,
		maintainEvery: DefaultMaintenanceInterval,
		resolve:       connector.Get,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(ans)
	}

	return ans
}

// Run executes the scheduler loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}

			if now := s.now(); !now.Before(s.nextMaintenance) {
				if err := s.MaintenancePass(ctx); err != nil {
					s.logger.Error("scheduler maintenance failed", zap.Error(err))
				}

				s.nextMaintenance = now.Add(s.maintainEvery)
			}
		}
	}
}

// Tick enqueues a sync job for every device whose next run is due. Devices
// with auto-sync disabled are never selected; disconnected devices are
// skipped until the user re-authenticates.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.schedules.SelectDue(ctx, s.now(), selectBatch)
	if err != nil {
		return fmt.Errorf("select due schedules: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(enqueueWorkers)

	for _, sched := range due {
		g.Go(func() error {
			device, err := s.devices.Get(ctx, sched.DeviceID)
			if err != nil {
				s.logger.Error("due device lookup failed", zap.String("device_id", sched.DeviceID), zap.Error(err))
				return nil
			}

			if device.Status == models.DeviceStatusDisconnected {
				return nil
			}

			if err := s.enqueuer.EnqueueSync(ctx, sched.DeviceID); err != nil {
				s.logger.Error("enqueue sync failed", zap.String("device_id", sched.DeviceID), zap.Error(err))
				return nil
			}

			// Push the slot forward so the next tick does not re-enqueue
			// while the job is still queued; Complete recomputes it
			// properly.
			sched.NextSyncAt = s.now().Add(sched.Frequency)
			if err := s.schedules.Save(ctx, &sched); err != nil {
				s.logger.Error("save schedule failed", zap.String("device_id", sched.DeviceID), zap.Error(err))
			}

			s.logger.Debug("sync enqueued", zap.String("device_id", sched.DeviceID))

			return nil
		})
	}

	return g.Wait()
}

// Complete records a finished sync job and computes the next run time.
// Success resets backoff to baseline. Failure doubles the interval per
// consecutive failure, capped at 24x the base. A vendor rate limit bypasses
// the backoff calculation entirely: the next attempt honors retryAfter.
func (s *Scheduler) Complete(ctx context.Context, deviceID, outcome string, retryAfter time.Duration) error {
	sched, err := s.schedules.Get(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load schedule for device %s: %w", deviceID, err)
	}

	now := s.now()
	lastRun := now
	sched.LastRunAt = &lastRun

	switch {
	case retryAfter > 0:
		sched.NextSyncAt = now.Add(retryAfter)
	case outcome == models.SyncStatusSuccess || outcome == models.SyncStatusPartial || outcome == models.SyncStatusConflict:
		sched.ConsecutiveFailures = 0
		sched.NextSyncAt = now.Add(sched.Frequency)
	case outcome == models.SyncStatusFailed:
		sched.ConsecutiveFailures++
		sched.NextSyncAt = now.Add(Backoff(sched.Frequency, sched.ConsecutiveFailures))
	default:
		// skipped and cancelled leave backoff state untouched.
		sched.NextSyncAt = now.Add(sched.Frequency)
	}

	if err := s.schedules.Save(ctx, &sched); err != nil {
		return fmt.Errorf("save schedule for device %s: %w", deviceID, err)
	}

	return nil
}

// MaintenancePass runs the slow-cadence work: one correlation analysis per
// user with a connected device, and a write-back job for every connected
// device whose vendor supports push.
func (s *Scheduler) MaintenancePass(ctx context.Context) error {
	devices, err := s.devices.Select(ctx, models.DeviceSelectParams{
		Status: models.DeviceStatusConnected,
		Limit:  maintenanceBatch,
	})
	if err != nil {
		return fmt.Errorf("select connected devices: %w", err)
	}

	users := make(map[string]bool, len(devices))

	for _, device := range devices {
		if !users[device.UserID] {
			users[device.UserID] = true

			if err := s.enqueuer.EnqueueCorrelation(ctx, device.UserID); err != nil {
				s.logger.Error("enqueue correlation failed", zap.String("user_id", device.UserID), zap.Error(err))
			}
		}

		conn, err := s.resolve(device.DeviceType)
		if err != nil {
			continue
		}

		if _, ok := conn.(connector.Pusher); !ok {
			continue
		}

		if err := s.enqueuer.EnqueuePush(ctx, device.ID); err != nil {
			s.logger.Error("enqueue push failed", zap.String("device_id", device.ID), zap.Error(err))
		}
	}

	return nil
}

// Backoff returns the delay before the next attempt after n consecutive
// failures: base doubled per failure, capped at 24x base.
func Backoff(base time.Duration, failures int) time.Duration {
	if failures < 1 {
		return base
	}

	delay := base

	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= base*backoffCap {
			return base * backoffCap
		}
	}

	return delay
}
