// Package migraterunner applies database schema migrations and exits.
package migraterunner

import (
	"context"

	"github.com/vitaltrack/healthsync/postgres"
	"github.com/vitaltrack/healthsync/runner"
)

type migrateRunner struct {
	migrator *postgres.MigrationRunner
}

func New(cfg *runner.Config) (runner.Runner, error) {
	return &migrateRunner{migrator: postgres.NewMigrationRunner(cfg.Dsn)}, nil
}

func (m *migrateRunner) Run(context.Context) error {
	return m.migrator.RunMigrations()
}

func (m *migrateRunner) Close(context.Context) error {
	return nil
}
