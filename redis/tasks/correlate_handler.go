package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// processCorrelateTask runs a correlation analysis batch for one user.
// Correlation is best-effort: a failure here is returned to asynq for retry
// and never affects the sync pipeline.
func (h *Handler) processCorrelateTask(ctx context.Context, task *asynq.Task) error {
	var payload CorrelatePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid correlate payload: %w", err)
	}

	if payload.UserID == "" {
		return fmt.Errorf("correlate payload missing user id")
	}

	if err := h.analyzer.AnalyzeUser(ctx, payload.UserID); err != nil {
		h.logger.Warn("correlation run failed", zap.String("user_id", payload.UserID), zap.Error(err))

		return err
	}

	return nil
}
