// Package schedulerrunner runs the loop that enqueues due device syncs.
package schedulerrunner

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vitaltrack/healthsync/postgres"
	"github.com/vitaltrack/healthsync/redis"
	"github.com/vitaltrack/healthsync/redis/config"
	"github.com/vitaltrack/healthsync/runner"
	"github.com/vitaltrack/healthsync/scheduler"
)

type schedulerRunner struct {
	db     *sql.DB
	client *redis.Client
	sched  *scheduler.Scheduler
}

func New(cfg *runner.Config) (runner.Runner, error) {
	if cfg.Dsn == "" {
		return nil, fmt.Errorf("scheduler mode requires a database dsn")
	}

	runner.RegisterConnectors()

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

	sched := scheduler.New(
		postgres.NewScheduleRepository(db),
		postgres.NewDeviceRepository(db),
		client,
		runner.Logger(),
		scheduler.WithTick(cfg.SchedulerTick),
	)

	return &schedulerRunner{db: db, client: client, sched: sched}, nil
}

func (s *schedulerRunner) Run(ctx context.Context) error {
	return s.sched.Run(ctx)
}

func (s *schedulerRunner) Close(context.Context) error {
	_ = s.client.Close()

	return s.db.Close()
}
