package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"gorm.io/gorm"
)

type ScanTaskRepository interface {
	BaseRepository[models.BatchScanTask]
	List(ctx context.Context, f ScanTaskFilter) ([]models.BatchScanTask, int64, error)
	ListByModel(ctx context.Context, modelID uint, status models.ScanStatus, limit int) ([]models.BatchScanTask, error)
	LatestByModel(ctx context.Context, modelID uint) (*models.BatchScanTask, error)
	MarkRunning(ctx context.Context, id uint, at time.Time) error
	UpdateProgress(ctx context.Context, id uint, c ScanCounters) error
	Finish(ctx context.Context, id uint, status models.ScanStatus, c ScanCounters, errMsg string, at time.Time) error
	FailRunning(ctx context.Context, errMsg string, at time.Time) (int64, error)
}

type ScanTaskFilter struct {
	ModelID       uint
	Status        models.ScanStatus
	TriggerSource models.ScanSource
	Page          Page
}

// ScanCounters are the mutable counters of a running task.
type ScanCounters struct {
	Processed int
	Created   int
	Skipped   int
	Failed    int
}

func (c ScanCounters) columns() map[string]any {
	return map[string]any{
		"processed_count": c.Processed,
		"created_count":   c.Created,
		"skipped_count":   c.Skipped,
		"failed_count":    c.Failed,
	}
}

type scanTaskRepository struct {
	BaseRepository[models.BatchScanTask]
	db *gorm.DB
}

func NewScanTaskRepository(db *gorm.DB) ScanTaskRepository {
	return &scanTaskRepository{BaseRepository: NewBaseRepository[models.BatchScanTask](db, "scan task"), db: db}
}

func (r *scanTaskRepository) List(ctx context.Context, f ScanTaskFilter) ([]models.BatchScanTask, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.BatchScanTask{})
	if f.ModelID != 0 {
		q = q.Where("model_id = ?", f.ModelID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.TriggerSource != "" {
		q = q.Where("trigger_source = ?", f.TriggerSource)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "count scan tasks failed")
	}
	var out []models.BatchScanTask
	if err := paginate(q.Order("created_at DESC, id DESC"), f.Page).Find(&out).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "list scan tasks failed")
	}
	return out, total, nil
}

func (r *scanTaskRepository) ListByModel(ctx context.Context, modelID uint, status models.ScanStatus, limit int) ([]models.BatchScanTask, error) {
	q := r.db.WithContext(ctx).Where("model_id = ?", modelID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	var out []models.BatchScanTask
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list model scan tasks failed")
	}
	return out, nil
}

func (r *scanTaskRepository) LatestByModel(ctx context.Context, modelID uint) (*models.BatchScanTask, error) {
	var t models.BatchScanTask
	err := r.db.WithContext(ctx).Where("model_id = ?", modelID).Order("created_at DESC, id DESC").First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get latest scan task failed")
	}
	return &t, nil
}

func (r *scanTaskRepository) MarkRunning(ctx context.Context, id uint, at time.Time) error {
	return r.update(ctx, id, map[string]any{"status": models.ScanRunning, "started_at": at})
}

func (r *scanTaskRepository) UpdateProgress(ctx context.Context, id uint, c ScanCounters) error {
	return r.update(ctx, id, c.columns())
}

func (r *scanTaskRepository) Finish(ctx context.Context, id uint, status models.ScanStatus, c ScanCounters, errMsg string, at time.Time) error {
	cols := c.columns()
	cols["status"] = status
	cols["completed_at"] = at
	cols["error_message"] = errMsg
	return r.update(ctx, id, cols)
}

// FailRunning marks every running task failed; used when no process can still own them.
func (r *scanTaskRepository) FailRunning(ctx context.Context, errMsg string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.BatchScanTask{}).
		Where("status IN ?", []models.ScanStatus{models.ScanRunning, models.ScanPending}).
		Updates(map[string]any{"status": models.ScanFailed, "error_message": errMsg, "completed_at": at})
	if res.Error != nil {
		return 0, appErr.Wrap(res.Error, appErr.CodeInternal, "fail running scan tasks failed")
	}
	return res.RowsAffected, nil
}

func (r *scanTaskRepository) update(ctx context.Context, id uint, cols map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.BatchScanTask{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update scan task failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "scan task not found")
	}
	return nil
}
