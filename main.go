package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vitaltrack/healthsync/runner"
	"github.com/vitaltrack/healthsync/runner/migraterunner"
	"github.com/vitaltrack/healthsync/runner/schedulerrunner"
	"github.com/vitaltrack/healthsync/runner/webrunner"
	"github.com/vitaltrack/healthsync/runner/workerrunner"
)

func main() {
	_ = godotenv.Load() // Load .env file if present

	ctx, cancel := context.WithCancel(context.Background())

	cfg := runner.ParseConfig()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan

		log.Println("Received signal, shutting down...")

		cancel()
	}()

	runnerInstance, err := runnerFactory(cfg)
	if err != nil {
		cancel()
		os.Stderr.WriteString(err.Error() + "\n")

		_ = runner.Notifier().Close()

		os.Exit(1)
	}

	runner.Banner()

	if err := runnerInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		os.Stderr.WriteString(err.Error() + "\n")

		_ = runnerInstance.Close(ctx)
		_ = runner.Notifier().Close()

		cancel()

		os.Exit(1)
	}

	_ = runnerInstance.Close(ctx)
	_ = runner.Notifier().Close()

	cancel()

	os.Exit(0)
}

func runnerFactory(cfg *runner.Config) (runner.Runner, error) {
	switch cfg.RunMode {
	case runner.RunModeWeb:
		return webrunner.New(cfg)
	case runner.RunModeWorker:
		return workerrunner.New(cfg)
	case runner.RunModeScheduler:
		return schedulerrunner.New(cfg)
	case runner.RunModeMigrate:
		return migraterunner.New(cfg)
	default:
		return nil, fmt.Errorf("%w: %d", runner.ErrInvalidRunMode, cfg.RunMode)
	}
}
