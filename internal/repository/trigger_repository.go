package repository

import (
	"context"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"gorm.io/gorm"
)

type TriggerRepository interface {
	BaseRepository[models.RelationTrigger]
	ListActiveBySourceModel(ctx context.Context, modelID uint) ([]models.RelationTrigger, error)
	List(ctx context.Context, f TriggerFilter) ([]models.RelationTrigger, int64, error)
	SetActive(ctx context.Context, id uint, active bool) error
	DeactivateForModel(ctx context.Context, modelID uint) (int64, error)
	CountByRelationType(ctx context.Context, typeID uint) (int64, error)
}

// TriggerFilter narrows a trigger listing. Zero fields do not filter.
type TriggerFilter struct {
	SourceModelID  uint
	TargetModelID  uint
	RelationTypeID uint
	IsActive       *bool
	Page           Page
}

type triggerRepository struct {
	BaseRepository[models.RelationTrigger]
	db *gorm.DB
}

func NewTriggerRepository(db *gorm.DB) TriggerRepository {
	return &triggerRepository{BaseRepository: NewBaseRepository[models.RelationTrigger](db, "trigger"), db: db}
}

func (r *triggerRepository) ListActiveBySourceModel(ctx context.Context, modelID uint) ([]models.RelationTrigger, error) {
	var out []models.RelationTrigger
	err := r.db.WithContext(ctx).
		Where("source_model_id = ? AND is_active = ?", modelID, true).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list active triggers failed")
	}
	return out, nil
}

func (r *triggerRepository) List(ctx context.Context, f TriggerFilter) ([]models.RelationTrigger, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.RelationTrigger{})
	if f.SourceModelID != 0 {
		q = q.Where("source_model_id = ?", f.SourceModelID)
	}
	if f.TargetModelID != 0 {
		q = q.Where("target_model_id = ?", f.TargetModelID)
	}
	if f.RelationTypeID != 0 {
		q = q.Where("relation_type_id = ?", f.RelationTypeID)
	}
	if f.IsActive != nil {
		q = q.Where("is_active = ?", *f.IsActive)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "count triggers failed")
	}
	var out []models.RelationTrigger
	if err := paginate(q.Order("id DESC"), f.Page).Find(&out).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "list triggers failed")
	}
	return out, total, nil
}

func (r *triggerRepository) SetActive(ctx context.Context, id uint, active bool) error {
	res := r.db.WithContext(ctx).Model(&models.RelationTrigger{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update trigger state failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "trigger not found")
	}
	return nil
}

// DeactivateForModel switches off every trigger that has the model as an
// endpoint and clears the dangling model reference.
func (r *triggerRepository) DeactivateForModel(ctx context.Context, modelID uint) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RelationTrigger{}).Where("source_model_id = ?", modelID).
			Updates(map[string]any{"is_active": false, "source_model_id": nil})
		if res.Error != nil {
			return res.Error
		}
		affected += res.RowsAffected
		res = tx.Model(&models.RelationTrigger{}).Where("target_model_id = ?", modelID).
			Updates(map[string]any{"is_active": false, "target_model_id": nil})
		if res.Error != nil {
			return res.Error
		}
		affected += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "deactivate triggers failed")
	}
	return affected, nil
}

func (r *triggerRepository) CountByRelationType(ctx context.Context, typeID uint) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.RelationTrigger{}).Where("relation_type_id = ?", typeID).Count(&n).Error; err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count triggers by type failed")
	}
	return n, nil
}
