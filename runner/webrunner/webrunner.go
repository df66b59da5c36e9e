// Package webrunner runs the HTTP API server. With a database dsn it serves
// the shared postgres state and enqueues manual syncs on the queue; without
// one it falls back to in-memory storage and an in-process sync executor,
// which is enough for local development.
package webrunner

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/vitaltrack/healthsync/conflict"
	"github.com/vitaltrack/healthsync/credentials"
	"github.com/vitaltrack/healthsync/memory"
	"github.com/vitaltrack/healthsync/models"
	"github.com/vitaltrack/healthsync/postgres"
	"github.com/vitaltrack/healthsync/redis"
	"github.com/vitaltrack/healthsync/redis/config"
	"github.com/vitaltrack/healthsync/runner"
	"github.com/vitaltrack/healthsync/syncer"
	"github.com/vitaltrack/healthsync/web"
)

const syncTimeout = 10 * time.Minute

type repositories struct {
	devices      models.DeviceRepository
	observations models.ObservationRepository
	conflicts    models.ConflictRepository
	syncLogs     models.SyncLogRepository
	schedules    models.ScheduleRepository
	analyses     models.CorrelationRepository
}

type webRunner struct {
	cfg    *runner.Config
	svc    *web.Service
	db     *sql.DB
	client *redis.Client
	logger *zap.Logger
}

func New(cfg *runner.Config) (runner.Runner, error) {
	runner.RegisterConnectors()

	logger := runner.Logger()

	var (
		repos repositories
		db    *sql.DB
	)

	if cfg.Dsn != "" {
		var err error

		db, err = postgres.Open(cfg.Dsn)
		if err != nil {
			return nil, err
		}

		repos = repositories{
			devices:      postgres.NewDeviceRepository(db),
			observations: postgres.NewObservationRepository(db),
			conflicts:    postgres.NewConflictRepository(db),
			syncLogs:     postgres.NewSyncLogRepository(db),
			schedules:    postgres.NewScheduleRepository(db),
			analyses:     postgres.NewCorrelationRepository(db),
		}
	} else {
		logger.Warn("no dsn configured, using in-memory storage")

		repos = repositories{
			devices:      memory.NewDeviceRepository(),
			observations: memory.NewObservationRepository(),
			conflicts:    memory.NewConflictRepository(),
			syncLogs:     memory.NewSyncLogRepository(),
			schedules:    memory.NewScheduleRepository(),
			analyses:     memory.NewCorrelationRepository(),
		}
	}

	trigger, client := buildTrigger(cfg, repos, logger)

	svc := web.NewService(
		repos.devices, repos.syncLogs, repos.schedules,
		repos.conflicts, repos.analyses, trigger, cfg.SyncFrequency,
	)

	return &webRunner{cfg: cfg, svc: svc, db: db, client: client, logger: logger}, nil
}

// buildTrigger prefers the queue so manual syncs land on the critical queue
// of the shared worker pool. Development setups without Redis execute syncs
// in-process instead.
func buildTrigger(cfg *runner.Config, repos repositories, logger *zap.Logger) (web.SyncTrigger, *redis.Client) {
	redisCfg, err := config.NewRedisConfig()
	if err == nil {
		client, err := redis.NewClient(redisCfg)
		if err == nil {
			return client, client
		}

		logger.Warn("redis unavailable, manual syncs run in-process", zap.Error(err))
	}

	creds := credentials.NewStore(repos.devices, runner.OAuthConfigs(), logger)
	engine := conflict.NewEngine(cfg.DefaultPolicy)

	syn := syncer.New(
		repos.devices, repos.observations, repos.conflicts, repos.syncLogs,
		creds, engine, runner.Notifier(), logger,
	)

	return &inlineTrigger{syncer: syn, logger: logger}, nil
}

// inlineTrigger executes manual syncs in a background goroutine instead of
// the queue. The per-device lock still applies, so concurrent triggers for
// the same device collapse to one running sync.
type inlineTrigger struct {
	syncer *syncer.Syncer
	logger *zap.Logger
}

func (t *inlineTrigger) EnqueueManualSync(_ context.Context, deviceID string) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		if _, err := t.syncer.SyncDevice(ctx, deviceID); err != nil {
			t.logger.Error("manual sync failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	}()

	return nil
}

func (w *webRunner) Run(ctx context.Context) error {
	return web.Start(ctx, web.Config{
		Addr:    w.cfg.Addr,
		Service: w.svc,
		Logger:  w.logger,
	})
}

func (w *webRunner) Close(context.Context) error {
	if w.client != nil {
		_ = w.client.Close()
	}

	if w.db != nil {
		return w.db.Close()
	}

	return nil
}
