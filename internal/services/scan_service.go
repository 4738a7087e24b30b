package services

import (
	"context"
	"strings"
	"time"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScanService is the query and control surface of batch rescans. The scan
// itself runs in the background; see package scan.
type ScanService interface {
	RequestScan(ctx context.Context, modelID uint, createdBy *uint) error
	GetTask(ctx context.Context, id uint) (*models.BatchScanTask, error)
	ListTasks(ctx context.Context, f repository.ScanTaskFilter) ([]models.BatchScanTask, int64, error)
	ListModelTasks(ctx context.Context, modelID uint, status models.ScanStatus, limit int) ([]models.BatchScanTask, error)
	GetConfig(ctx context.Context, modelID uint) (*ScanConfigView, error)
	UpdateConfig(ctx context.Context, modelID uint, in ScanConfigInput) (*ScanConfigView, error)
}

type ScanConfigInput struct {
	Enabled bool   `json:"batch_scan_enabled"`
	Cron    string `json:"batch_scan_cron"`
}

type ScanConfigView struct {
	ModelID       uint              `json:"model_id"`
	Enabled       bool              `json:"batch_scan_enabled"`
	Cron          string            `json:"batch_scan_cron"`
	NextRunAt     *time.Time        `json:"next_run_at"`
	LastRunAt     *time.Time        `json:"last_run_at"`
	LastRunStatus models.ScanStatus `json:"last_run_status,omitempty"`
}

// ParseCron validates a standard five-field cron expression.
func ParseCron(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(strings.TrimSpace(spec))
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid cron expression")
	}
	return sched, nil
}

// NextRun returns the first activation of spec strictly after now.
func NextRun(spec string, now time.Time) (time.Time, error) {
	sched, err := ParseCron(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

type scanService struct {
	tasks      repository.ScanTaskRepository
	modelRepo  repository.ModelRepository
	dispatcher Dispatcher
	now        func() time.Time
}

func NewScanService(tasks repository.ScanTaskRepository, modelRepo repository.ModelRepository, dispatcher Dispatcher) ScanService {
	return &scanService{tasks: tasks, modelRepo: modelRepo, dispatcher: dispatcher, now: time.Now}
}

var _ ScanService = (*scanService)(nil)

func (s *scanService) RequestScan(ctx context.Context, modelID uint, createdBy *uint) error {
	if _, err := s.modelRepo.GetByID(ctx, modelID); err != nil {
		return err
	}
	req := ScanRequest{ModelID: modelID, TriggerSource: models.ScanSourceManual, CreatedBy: createdBy}
	if err := s.dispatcher.DispatchScan(ctx, req); err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "scan could not be queued")
	}
	logger.L().Info("scan requested", zap.Uint("model_id", modelID))
	return nil
}

func (s *scanService) GetTask(ctx context.Context, id uint) (*models.BatchScanTask, error) {
	var t models.BatchScanTask
	if err := s.tasks.GetByID(ctx, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *scanService) ListTasks(ctx context.Context, f repository.ScanTaskFilter) ([]models.BatchScanTask, int64, error) {
	return s.tasks.List(ctx, f)
}

func (s *scanService) ListModelTasks(ctx context.Context, modelID uint, status models.ScanStatus, limit int) ([]models.BatchScanTask, error) {
	return s.tasks.ListByModel(ctx, modelID, status, limit)
}

func (s *scanService) GetConfig(ctx context.Context, modelID uint) (*ScanConfigView, error) {
	m, err := s.modelRepo.GetByID(ctx, modelID)
	if err != nil {
		return nil, err
	}
	cfg := m.Config.Data()
	view := &ScanConfigView{ModelID: m.ID, Enabled: cfg.BatchScanEnabled, Cron: cfg.CronSpec()}
	if cfg.BatchScanEnabled {
		if next, err := NextRun(view.Cron, s.now()); err == nil {
			view.NextRunAt = &next
		}
	}
	last, err := s.tasks.LatestByModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		at := last.CreatedAt
		if last.StartedAt != nil {
			at = *last.StartedAt
		}
		view.LastRunAt = &at
		view.LastRunStatus = last.Status
	}
	return view, nil
}

func (s *scanService) UpdateConfig(ctx context.Context, modelID uint, in ScanConfigInput) (*ScanConfigView, error) {
	cfg := models.ModelScanConfig{BatchScanEnabled: in.Enabled, BatchScanCron: strings.TrimSpace(in.Cron)}
	if _, err := ParseCron(cfg.CronSpec()); err != nil {
		return nil, err
	}
	if err := s.modelRepo.UpdateScanConfig(ctx, modelID, cfg); err != nil {
		return nil, err
	}
	if err := s.dispatcher.DispatchScheduleSync(ctx, modelID); err != nil {
		logger.L().Warn("schedule sync dispatch failed", zap.Uint("model_id", modelID), zap.Error(err))
	}
	logger.L().Info("scan schedule updated", zap.Uint("model_id", modelID), zap.Bool("enabled", cfg.BatchScanEnabled), zap.String("cron", cfg.CronSpec()))
	return s.GetConfig(ctx, modelID)
}
