package repository

import (
	"context"
	"strings"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"gorm.io/gorm"
)

type RelationTypeRepository interface {
	BaseRepository[models.RelationType]
	GetByIDs(ctx context.Context, ids []uint) (map[uint]models.RelationType, error)
	ExistsCode(ctx context.Context, code string, excludeID uint) (bool, error)
	List(ctx context.Context, keyword string, page Page) ([]models.RelationType, int64, error)
}

type relationTypeRepository struct {
	BaseRepository[models.RelationType]
	db *gorm.DB
}

func NewRelationTypeRepository(db *gorm.DB) RelationTypeRepository {
	return &relationTypeRepository{BaseRepository: NewBaseRepository[models.RelationType](db, "relation type"), db: db}
}

func (r *relationTypeRepository) GetByIDs(ctx context.Context, ids []uint) (map[uint]models.RelationType, error) {
	out := make(map[uint]models.RelationType, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.RelationType
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list relation types failed")
	}
	for _, rt := range rows {
		out[rt.ID] = rt
	}
	return out, nil
}

func (r *relationTypeRepository) ExistsCode(ctx context.Context, code string, excludeID uint) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.RelationType{}).Where("code = ?", code)
	n, err := countExcluding(q, excludeID)
	if err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "check relation type code failed")
	}
	return n > 0, nil
}

func (r *relationTypeRepository) List(ctx context.Context, keyword string, page Page) ([]models.RelationType, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.RelationType{})
	if kw := strings.TrimSpace(keyword); kw != "" {
		like := "%" + kw + "%"
		q = q.Where("name LIKE ? OR code LIKE ?", like, like)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "count relation types failed")
	}
	var out []models.RelationType
	if err := paginate(q.Order("id"), page).Find(&out).Error; err != nil {
		return nil, 0, appErr.Wrap(err, appErr.CodeInternal, "list relation types failed")
	}
	return out, total, nil
}
