package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ModelRepository reads CMDB models and stores their scan schedule.
type ModelRepository interface {
	GetByID(ctx context.Context, id uint) (*models.CIModel, error)
	GetByIDs(ctx context.Context, ids []uint) (map[uint]models.CIModel, error)
	ListScanEnabled(ctx context.Context) ([]models.CIModel, error)
	UpdateScanConfig(ctx context.Context, id uint, cfg models.ModelScanConfig) error
}

type modelRepository struct {
	db *gorm.DB
}

func NewModelRepository(db *gorm.DB) ModelRepository {
	return &modelRepository{db: db}
}

func (r *modelRepository) GetByID(ctx context.Context, id uint) (*models.CIModel, error) {
	var m models.CIModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, fmt.Sprintf("model %d not found", id))
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "get model failed")
	}
	return &m, nil
}

func (r *modelRepository) GetByIDs(ctx context.Context, ids []uint) (map[uint]models.CIModel, error) {
	out := make(map[uint]models.CIModel, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.CIModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list models failed")
	}
	for _, m := range rows {
		out[m.ID] = m
	}
	return out, nil
}

// ListScanEnabled returns models whose scheduled rescan is switched on. The
// config column is JSON, so the flag is checked after loading.
func (r *modelRepository) ListScanEnabled(ctx context.Context) ([]models.CIModel, error) {
	var rows []models.CIModel
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list models failed")
	}
	out := rows[:0]
	for _, m := range rows {
		if m.Config.Data().BatchScanEnabled {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *modelRepository) UpdateScanConfig(ctx context.Context, id uint, cfg models.ModelScanConfig) error {
	res := r.db.WithContext(ctx).Model(&models.CIModel{}).Where("id = ?", id).
		Update("config", datatypes.NewJSONType(cfg))
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update model scan config failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, fmt.Sprintf("model %d not found", id))
	}
	return nil
}
