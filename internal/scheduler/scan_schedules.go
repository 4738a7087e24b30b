package scheduler

import (
	"context"
	"fmt"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/scan"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"go.uber.org/zap"
)

// ModelSource loads model scan configuration.
type ModelSource interface {
	GetByID(ctx context.Context, id uint) (*models.CIModel, error)
	ListScanEnabled(ctx context.Context) ([]models.CIModel, error)
}

// Scanner runs one model rescan.
type Scanner interface {
	Scan(ctx context.Context, modelID uint, source models.ScanSource, createdBy *uint) *scan.Outcome
}

// ScanSchedules keeps one cron job per model with scheduled rescans enabled.
type ScanSchedules struct {
	sched   *Scheduler
	models  ModelSource
	scanner Scanner
	log     *zap.Logger
}

func NewScanSchedules(sched *Scheduler, modelSrc ModelSource, scanner Scanner, log *zap.Logger) *ScanSchedules {
	return &ScanSchedules{sched: sched, models: modelSrc, scanner: scanner, log: log.Named("scan-schedules")}
}

// JobName is the scheduler entry name for a model's rescan.
func JobName(modelID uint) string {
	return fmt.Sprintf("batch_scan_model_%d", modelID)
}

// LoadAll registers every enabled model. A model with a bad expression is
// logged and skipped.
func (s *ScanSchedules) LoadAll(ctx context.Context) (int, error) {
	rows, err := s.models.ListScanEnabled(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range rows {
		if err := s.apply(&rows[i]); err != nil {
			s.log.Warn("skipping invalid scan schedule", zap.Uint("model_id", rows[i].ID), zap.Error(err))
			continue
		}
		n++
	}
	s.log.Info("scan schedules loaded", zap.Int("count", n))
	return n, nil
}

// Sync re-reads one model and adds, replaces or removes its job.
func (s *ScanSchedules) Sync(ctx context.Context, modelID uint) error {
	m, err := s.models.GetByID(ctx, modelID)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		s.sched.RemoveTask(JobName(modelID))
		return nil
	}
	if err != nil {
		return err
	}
	return s.apply(m)
}

func (s *ScanSchedules) apply(m *models.CIModel) error {
	cfg := m.Config.Data()
	name := JobName(m.ID)
	if !cfg.BatchScanEnabled {
		s.sched.RemoveTask(name)
		return nil
	}
	modelID := m.ID
	return s.sched.AddCronTask(name, cfg.CronSpec(), func(ctx context.Context) error {
		out := s.scanner.Scan(ctx, modelID, models.ScanSourceScheduled, nil)
		if out.Skipped {
			s.log.Info("scheduled scan skipped, model busy", zap.Uint("model_id", modelID))
			return nil
		}
		if out.Status == models.ScanFailed {
			return fmt.Errorf("scheduled scan of model %d failed: %s", modelID, out.Message)
		}
		return nil
	})
}
