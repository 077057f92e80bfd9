package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openhealth/exchange/internal/device"
	"github.com/openhealth/exchange/internal/queue"
	"github.com/openhealth/exchange/internal/registry"
	"github.com/openhealth/exchange/internal/syncer"
	"github.com/openhealth/exchange/internal/webhook"
)

// deviceJobPayload matches the body queued by the device sync endpoint.
type deviceJobPayload struct {
	UserID   string            `json:"user_id"`
	Provider registry.Provider `json:"provider"`
}

// RegisterJobHandlers binds every well-known job name to its worker. Sync
// jobs with a failed result return an error so the queue retries them.
func RegisterJobHandlers(q *queue.Queue, orch *syncer.Orchestrator, devices *device.Service, subs *webhook.Manager, logger zerolog.Logger) {
	log := logger.With().Str("component", "jobs").Logger()

	syncHandler := func(ctx context.Context, payload json.RawMessage) error {
		var req syncer.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode sync request: %w", err)
		}
		result := orch.Sync(ctx, req)
		if !result.Success {
			return fmt.Errorf("sync %s/%s: %d errors, first: %s",
				req.Provider, req.UserID, len(result.Errors), result.Errors[0])
		}
		return nil
	}
	for _, name := range []string{
		queue.JobSyncWebhook,
		queue.JobSyncIncremental,
		queue.JobSyncInitial,
		queue.JobSyncManual,
	} {
		q.Register(name, syncHandler)
	}

	q.Register(queue.JobDevicesSync, func(ctx context.Context, payload json.RawMessage) error {
		var req deviceJobPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode device sync request: %w", err)
		}
		result := devices.SyncUserDevices(ctx, req.UserID, req.Provider, "")
		if !result.Success {
			return fmt.Errorf("device sync %s/%s: %d errors", req.Provider, req.UserID, len(result.Errors))
		}
		return nil
	})

	q.Register(queue.JobSubscriptionsCreate, func(ctx context.Context, payload json.RawMessage) error {
		var req deviceJobPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode subscription request: %w", err)
		}
		result, err := subs.Subscribe(ctx, req.UserID, req.Provider, nil)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("subscribe %s/%s: %d categories failed", req.Provider, req.UserID, len(result.Failed))
		}
		return nil
	})

	log.Info().Msg("job handlers registered")
}
