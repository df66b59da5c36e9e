// Package workerrunner runs the asynq worker that executes sync, push and
// correlation jobs.
package workerrunner

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/vitaltrack/healthsync/conflict"
	"github.com/vitaltrack/healthsync/correlation"
	"github.com/vitaltrack/healthsync/credentials"
	"github.com/vitaltrack/healthsync/postgres"
	"github.com/vitaltrack/healthsync/redis"
	"github.com/vitaltrack/healthsync/redis/config"
	"github.com/vitaltrack/healthsync/redis/tasks"
	"github.com/vitaltrack/healthsync/runner"
	"github.com/vitaltrack/healthsync/scheduler"
	"github.com/vitaltrack/healthsync/syncer"
)

type workerRunner struct {
	cfg    *runner.Config
	db     *sql.DB
	client *redis.Client
	server *redis.Server
	mux    *asynq.ServeMux
}

func New(cfg *runner.Config) (runner.Runner, error) {
	if cfg.Dsn == "" {
		return nil, fmt.Errorf("worker mode requires a database dsn")
	}

	db, err := postgres.Open(cfg.Dsn)
	if err != nil {
		return nil, err
	}

	redisCfg, err := config.NewRedisConfig()
	if err != nil {
		db.Close()
		return nil, err
	}

	client, err := redis.NewClient(redisCfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	server, err := redis.NewServer(redisCfg)
	if err != nil {
		db.Close()
		client.Close()

		return nil, err
	}

	runner.RegisterConnectors()

	logger := runner.Logger()

	devices := postgres.NewDeviceRepository(db)
	observations := postgres.NewObservationRepository(db)
	conflicts := postgres.NewConflictRepository(db)
	syncLogs := postgres.NewSyncLogRepository(db)
	schedules := postgres.NewScheduleRepository(db)
	analyses := postgres.NewCorrelationRepository(db)

	creds := credentials.NewStore(devices, runner.OAuthConfigs(), logger)
	engine := conflict.NewEngine(cfg.DefaultPolicy)

	syn := syncer.New(devices, observations, conflicts, syncLogs, creds, engine, runner.Notifier(), logger)
	sched := scheduler.New(schedules, devices, client, logger, scheduler.WithTick(cfg.SchedulerTick))
	analyzer := correlation.NewAnalyzer(observations, analyses, logger)

	handler := tasks.NewHandler(syn, sched, analyzer, logger)

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeSyncDevice, handler)
	mux.Handle(tasks.TypePushDevice, handler)
	mux.Handle(tasks.TypeCorrelate, handler)
	mux.Handle(tasks.TypeHealthCheck, handler)
	mux.Handle(tasks.TypeConnectionTest, handler)

	return &workerRunner{
		cfg:    cfg,
		db:     db,
		client: client,
		server: server,
		mux:    mux,
	}, nil
}

func (w *workerRunner) Run(ctx context.Context) error {
	if err := w.server.Start(ctx, w.mux); err != nil {
		return err
	}

	<-ctx.Done()

	return nil
}

func (w *workerRunner) Close(ctx context.Context) error {
	_ = w.server.Shutdown(ctx)
	_ = w.client.Close()

	return w.db.Close()
}
