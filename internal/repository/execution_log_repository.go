package repository

import (
	"context"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"gorm.io/gorm"
)

// ExecutionLogRepository is append-only: rows are inserted and listed, never changed.
type ExecutionLogRepository interface {
	Append(ctx context.Context, entry *models.TriggerExecutionLog) error
	List(ctx context.Context, f LogFilter) ([]models.TriggerExecutionLog, int64, error)
}

type LogFilter struct {
	TriggerID  uint
	SourceCIID uint
	Status     models.ExecutionStatus
	Page       Page
}

type executionLogRepository struct {
	db *gorm.DB
}

func NewExecutionLogRepository(db *gorm.DB) ExecutionLogRepository {
	return &executionLogRepository{db: db}
}

func (r *executionLogRepository) Append(ctx context.Context, entry *models.TriggerExecutionLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "append execution log failed")
	}
	return nil
}

func (r *executionLogRepository) List(ctx context.Context, f LogFilter) ([]models.TriggerExecutionLog, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.TriggerExecutionLog{})
	if f.TriggerID != 0 {
		q = q.Where("trigger_id = ?", f.TriggerID)
	}
	if f.SourceCIID != 0 {
		q = q.Where("source_ci_id = ?", f.SourceCIID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "count execution logs failed")
	}
	var out []models.TriggerExecutionLog
	if err := paginate(q.Order("created_at DESC, id DESC"), f.Page).Find(&out).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "list execution logs failed")
	}
	return out, total, nil
}
