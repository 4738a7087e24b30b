package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"gorm.io/gorm"
)

// CIRepository reads configuration items owned by the CMDB core.
type CIRepository interface {
	GetByID(ctx context.Context, id uint) (*models.CIInstance, error)
	GetByIDs(ctx context.Context, ids []uint) (map[uint]models.CIInstance, error)
	ListByModel(ctx context.Context, modelID uint) ([]models.CIInstance, error)
	// ListByModelAfter returns up to limit CIs of a model with id > afterID, ordered by id.
	ListByModelAfter(ctx context.Context, modelID, afterID uint, limit int) ([]models.CIInstance, error)
	CountByModel(ctx context.Context, modelID uint) (int64, error)
	Search(ctx context.Context, modelID uint, keyword string, limit int) ([]models.CIInstance, error)
}

type ciRepository struct {
	db *gorm.DB
}

func NewCIRepository(db *gorm.DB) CIRepository {
	return &ciRepository{db: db}
}

func (r *ciRepository) GetByID(ctx context.Context, id uint) (*models.CIInstance, error) {
	var ci models.CIInstance
	if err := r.db.WithContext(ctx).First(&ci, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, fmt.Sprintf("ci %d not found", id))
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get ci failed")
	}
	return &ci, nil
}

func (r *ciRepository) GetByIDs(ctx context.Context, ids []uint) (map[uint]models.CIInstance, error) {
	out := make(map[uint]models.CIInstance, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.CIInstance
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list cis failed")
	}
	for _, ci := range rows {
		out[ci.ID] = ci
	}
	return out, nil
}

func (r *ciRepository) ListByModel(ctx context.Context, modelID uint) ([]models.CIInstance, error) {
	var out []models.CIInstance
	if err := r.db.WithContext(ctx).Where("model_id = ?", modelID).Order("id").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list cis by model failed")
	}
	return out, nil
}

func (r *ciRepository) ListByModelAfter(ctx context.Context, modelID, afterID uint, limit int) ([]models.CIInstance, error) {
	var out []models.CIInstance
	err := r.db.WithContext(ctx).
		Where("model_id = ? AND id > ?", modelID, afterID).
		Order("id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list ci batch failed")
	}
	return out, nil
}

func (r *ciRepository) CountByModel(ctx context.Context, modelID uint) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.CIInstance{}).Where("model_id = ?", modelID).Count(&n).Error; err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count cis failed")
	}
	return n, nil
}

func (r *ciRepository) Search(ctx context.Context, modelID uint, keyword string, limit int) ([]models.CIInstance, error) {
	q := r.db.WithContext(ctx).Model(&models.CIInstance{})
	if modelID != 0 {
		q = q.Where("model_id = ?", modelID)
	}
	if kw := strings.TrimSpace(keyword); kw != "" {
		like := "%" + kw + "%"
		q = q.Where("name LIKE ? OR code LIKE ?", like, like)
	}
	var out []models.CIInstance
	if err := q.Order("id").Limit(limit).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "search cis failed")
	}
	return out, nil
}
