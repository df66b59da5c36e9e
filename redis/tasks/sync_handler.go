package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// processSyncTask runs one pull sync job. Retry policy for sync jobs is
// owned by the scheduler's backoff state, not by asynq, so job failures are
// recorded and swallowed here.
func (h *Handler) processSyncTask(ctx context.Context, task *asynq.Task) error {
	var payload SyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid sync payload: %w", err)
	}

	if payload.DeviceID == "" {
		return fmt.Errorf("sync payload missing device id")
	}

	res, err := h.syncer.SyncDevice(ctx, payload.DeviceID)
	if err != nil {
		h.logger.Warn("sync job finished with error",
			zap.String("device_id", payload.DeviceID),
			zap.String("status", res.Status),
			zap.Error(err))
	}

	if !payload.Manual {
		if err := h.scheduler.Complete(ctx, payload.DeviceID, res.Status, res.RetryAfter); err != nil {
			h.logger.Error("failed to update schedule",
				zap.String("device_id", payload.DeviceID),
				zap.Error(err))
		}
	}

	return nil
}

// processPushTask writes recent entries back to a push-capable vendor.
func (h *Handler) processPushTask(ctx context.Context, task *asynq.Task) error {
	var payload SyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid push payload: %w", err)
	}

	if payload.DeviceID == "" {
		return fmt.Errorf("push payload missing device id")
	}

	if _, err := h.syncer.PushDevice(ctx, payload.DeviceID); err != nil {
		h.logger.Warn("push job failed", zap.String("device_id", payload.DeviceID), zap.Error(err))
	}

	return nil
}
