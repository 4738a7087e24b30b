package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/scan"
	"github.com/cmdb-studio/relgraph/internal/services"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Scanner runs a model rescan.
type Scanner interface {
	Scan(ctx context.Context, modelID uint, source models.ScanSource, createdBy *uint) *scan.Outcome
}

// ScheduleSyncer reloads a model's cron entry.
type ScheduleSyncer interface {
	Sync(ctx context.Context, modelID uint) error
}

// RelationTaskHandler runs background relation work, either from asynq or
// directly from the in-process pool.
type RelationTaskHandler struct {
	propagation services.PropagationService
	scanner     Scanner
	schedules   ScheduleSyncer
}

// NewRelationTaskHandler wires the handler; schedules may be nil when the
// process runs no scheduler.
func NewRelationTaskHandler(propagation services.PropagationService, scanner Scanner, schedules ScheduleSyncer) *RelationTaskHandler {
	return &RelationTaskHandler{propagation: propagation, scanner: scanner, schedules: schedules}
}

// Register binds the handler's task types on mux.
func (h *RelationTaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeCIPropagate, h.HandlePropagate)
	mux.HandleFunc(TypeModelBatchScan, h.HandleBatchScan)
	mux.HandleFunc(TypeScheduleSync, h.HandleScheduleSync)
}

func (h *RelationTaskHandler) HandlePropagate(ctx context.Context, t *asynq.Task) error {
	var req services.PropagationRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		logger.L().Error("invalid propagate task payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return h.RunPropagation(ctx, req)
}

func (h *RelationTaskHandler) RunPropagation(ctx context.Context, req services.PropagationRequest) error {
	if req.CIID == 0 {
		return fmt.Errorf("%w: missing ci_id", asynq.SkipRetry)
	}
	logger.L().Debug("handling propagate task", zap.Uint("ci_id", req.CIID), zap.Bool("created", req.Created))
	if _, err := h.propagation.HandleCIWrite(ctx, req); err != nil {
		logger.L().Error("propagation failed", zap.Uint("ci_id", req.CIID), zap.Error(err))
		return err
	}
	return nil
}

func (h *RelationTaskHandler) HandleBatchScan(ctx context.Context, t *asynq.Task) error {
	var req services.ScanRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		logger.L().Error("invalid batch scan payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	h.RunScan(ctx, req)
	return nil
}

// RunScan never fails: the outcome is logged and stored on the scan task.
func (h *RelationTaskHandler) RunScan(ctx context.Context, req services.ScanRequest) *scan.Outcome {
	source := req.TriggerSource
	if source == "" {
		source = models.ScanSourceManual
	}
	out := h.scanner.Scan(ctx, req.ModelID, source, req.CreatedBy)
	logger.L().Info("batch scan finished",
		zap.Uint("model_id", req.ModelID),
		zap.Uint("task_id", out.TaskID),
		zap.String("status", string(out.Status)),
		zap.Bool("skipped", out.Skipped),
	)
	return out
}

func (h *RelationTaskHandler) HandleScheduleSync(ctx context.Context, t *asynq.Task) error {
	var p ScheduleSyncPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return h.RunScheduleSync(ctx, p.ModelID)
}

func (h *RelationTaskHandler) RunScheduleSync(ctx context.Context, modelID uint) error {
	if h.schedules == nil {
		logger.L().Debug("no scheduler in this process, schedule sync ignored", zap.Uint("model_id", modelID))
		return nil
	}
	return h.schedules.Sync(ctx, modelID)
}
