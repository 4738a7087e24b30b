package services

import (
	"context"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"go.uber.org/zap"
)

// Dispatcher hands work to whatever runs it in the background.
type Dispatcher interface {
	DispatchPropagation(ctx context.Context, req PropagationRequest) error
	DispatchScan(ctx context.Context, req ScanRequest) error
	DispatchScheduleSync(ctx context.Context, modelID uint) error
}

// ScanRequest asks for a rescan of one model.
type ScanRequest struct {
	ModelID       uint              `json:"model_id"`
	TriggerSource models.ScanSource `json:"trigger_source"`
	CreatedBy     *uint             `json:"created_by,omitempty"`
}

// CIEventService receives lifecycle events from the CMDB core.
type CIEventService interface {
	// OnCIWritten schedules propagation for a committed create or update.
	// It never fails the caller: dispatch errors are logged and dropped.
	OnCIWritten(ctx context.Context, req PropagationRequest)
	// OnCIDeleted removes every relation touching the CI.
	OnCIDeleted(ctx context.Context, ciID uint) (int64, error)
	// OnModelDeleted deactivates the model's triggers and drops its scan schedule.
	OnModelDeleted(ctx context.Context, modelID uint) (int64, error)
}

type ciEventService struct {
	relations  RelationService
	triggers   TriggerService
	dispatcher Dispatcher
}

func NewCIEventService(relations RelationService, triggers TriggerService, dispatcher Dispatcher) CIEventService {
	return &ciEventService{relations: relations, triggers: triggers, dispatcher: dispatcher}
}

var _ CIEventService = (*ciEventService)(nil)

func (s *ciEventService) OnCIWritten(ctx context.Context, req PropagationRequest) {
	if err := s.dispatcher.DispatchPropagation(ctx, req); err != nil {
		logger.L().Error("propagation dispatch failed", zap.Uint("ci_id", req.CIID), zap.Error(err))
	}
}

func (s *ciEventService) OnCIDeleted(ctx context.Context, ciID uint) (int64, error) {
	return s.relations.DeleteRelationsForCI(ctx, ciID)
}

func (s *ciEventService) OnModelDeleted(ctx context.Context, modelID uint) (int64, error) {
	n, err := s.triggers.DeactivateForModel(ctx, modelID)
	if err != nil {
		return 0, err
	}
	if err := s.dispatcher.DispatchScheduleSync(ctx, modelID); err != nil {
		logger.L().Warn("schedule sync dispatch failed", zap.Uint("model_id", modelID), zap.Error(err))
	}
	return n, nil
}
