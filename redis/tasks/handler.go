// Package tasks wires queued sync and correlation jobs to the engine.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/vitaltrack/healthsync/correlation"
	"github.com/vitaltrack/healthsync/scheduler"
	"github.com/vitaltrack/healthsync/syncer"
)

// TaskHandler handles processing of queued tasks.
type TaskHandler interface {
	ProcessTask(ctx context.Context, task *asynq.Task) error
}

// Handler implements TaskHandler for all engine task types.
type Handler struct {
	syncer      *syncer.Syncer
	scheduler   *scheduler.Scheduler
	analyzer    *correlation.Analyzer
	logger      *zap.Logger
	taskTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTaskTimeout sets the timeout for task processing.
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

// NewHandler creates a task handler over the engine components.
func NewHandler(s *syncer.Syncer, sched *scheduler.Scheduler, analyzer *correlation.Analyzer, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		syncer:      s,
		scheduler:   sched,
		analyzer:    analyzer,
		logger:      logger,
		taskTimeout: 10 * time.Minute,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ProcessTask dispatches a task based on its type.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeSyncDevice:
		return h.processSyncTask(ctx, task)
	case TypePushDevice:
		return h.processPushTask(ctx, task)
	case TypeCorrelate:
		return h.processCorrelateTask(ctx, task)
	case TypeHealthCheck, TypeConnectionTest:
		return nil
	default:
		return fmt.Errorf("unknown task type: %s", task.Type())
	}
}
