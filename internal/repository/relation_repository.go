package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/pkg/database"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"gorm.io/gorm"
)

// RelationRepository persists CI relations. Insert converts a unique-index
// rejection of the (source, target, type) triple into CodeDuplicate.
type RelationRepository interface {
	BaseRepository[models.Relation]
	Insert(ctx context.Context, rel *models.Relation) error
	FindTriple(ctx context.Context, sourceID, targetID, typeID uint) (*models.Relation, error)
	ExistsTriple(ctx context.Context, sourceID, targetID, typeID, excludeID uint) (bool, error)
	CountFromSource(ctx context.Context, sourceID, typeID, excludeID uint) (int64, error)
	CountIntoTarget(ctx context.Context, targetID, typeID, excludeID uint) (int64, error)
	ListByCI(ctx context.Context, ciID uint) ([]models.Relation, error)
	ListRuleEdgesInto(ctx context.Context, sourceID, typeID, targetModelID uint) ([]models.Relation, error)
	List(ctx context.Context, f RelationFilter) ([]models.Relation, error)
	CountByType(ctx context.Context, typeID uint) (int64, error)
	DeleteByIDs(ctx context.Context, ids []uint) (int64, error)
	DeleteTriple(ctx context.Context, sourceID, targetID, typeID uint, sourceType models.SourceType) (int64, error)
	DeleteByCI(ctx context.Context, ciID uint) (int64, error)
}

// RelationFilter narrows a relation listing. Zero fields do not filter.
type RelationFilter struct {
	// ModelID keeps edges with at least one endpoint in the model.
	ModelID uint
	// CIIDs keeps edges with at least one endpoint in the set.
	CIIDs  []uint
	TypeID uint
	Limit  int
}

type relationRepository struct {
	BaseRepository[models.Relation]
	db *gorm.DB
}

func NewRelationRepository(db *gorm.DB) RelationRepository {
	return &relationRepository{BaseRepository: NewBaseRepository[models.Relation](db, "relation"), db: db}
}

func (r *relationRepository) Insert(ctx context.Context, rel *models.Relation) error {
	if err := r.db.WithContext(ctx).Create(rel).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return appErr.Wrap(err, appErr.CodeDuplicate, "relation already exists")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "create relation failed")
	}
	return nil
}

func (r *relationRepository) FindTriple(ctx context.Context, sourceID, targetID, typeID uint) (*models.Relation, error) {
	var rel models.Relation
	err := r.db.WithContext(ctx).
		Where("source_ci_id = ? AND target_ci_id = ? AND relation_type_id = ?", sourceID, targetID, typeID).
		First(&rel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "find relation failed")
	}
	return &rel, nil
}

func (r *relationRepository) ExistsTriple(ctx context.Context, sourceID, targetID, typeID, excludeID uint) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.Relation{}).
		Where("source_ci_id = ? AND target_ci_id = ? AND relation_type_id = ?", sourceID, targetID, typeID)
	n, err := countExcluding(q, excludeID)
	if err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "check relation failed")
	}
	return n > 0, nil
}

func (r *relationRepository) CountFromSource(ctx context.Context, sourceID, typeID, excludeID uint) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Relation{}).
		Where("source_ci_id = ? AND relation_type_id = ?", sourceID, typeID)
	n, err := countExcluding(q, excludeID)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count outgoing relations failed")
	}
	return n, nil
}

func (r *relationRepository) CountIntoTarget(ctx context.Context, targetID, typeID, excludeID uint) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Relation{}).
		Where("target_ci_id = ? AND relation_type_id = ?", targetID, typeID)
	n, err := countExcluding(q, excludeID)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count incoming relations failed")
	}
	return n, nil
}

func countExcluding(q *gorm.DB, excludeID uint) (int64, error) {
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

func (r *relationRepository) ListByCI(ctx context.Context, ciID uint) ([]models.Relation, error) {
	var out []models.Relation
	err := r.db.WithContext(ctx).
		Where("source_ci_id = ? OR target_ci_id = ?", ciID, ciID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list ci relations failed")
	}
	return out, nil
}

// ListRuleEdgesInto returns rule-created edges of one type from sourceID to any CI of targetModelID.
func (r *relationRepository) ListRuleEdgesInto(ctx context.Context, sourceID, typeID, targetModelID uint) ([]models.Relation, error) {
	var out []models.Relation
	err := r.db.WithContext(ctx).
		Select("cmdb_relations.*").
		Joins("JOIN ci_instances ON ci_instances.id = cmdb_relations.target_ci_id").
		Where("cmdb_relations.source_ci_id = ? AND cmdb_relations.relation_type_id = ?", sourceID, typeID).
		Where("cmdb_relations.source_type = ? AND ci_instances.model_id = ?", models.SourceRule, targetModelID).
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list rule relations failed")
	}
	return out, nil
}

func (r *relationRepository) List(ctx context.Context, f RelationFilter) ([]models.Relation, error) {
	q := r.db.WithContext(ctx).Model(&models.Relation{})
	if f.ModelID != 0 {
		sub := r.db.Model(&models.CIInstance{}).Select("id").Where("model_id = ?", f.ModelID)
		q = q.Where("source_ci_id IN (?) OR target_ci_id IN (?)", sub, sub)
	}
	if len(f.CIIDs) > 0 {
		q = q.Where("source_ci_id IN ? OR target_ci_id IN ?", f.CIIDs, f.CIIDs)
	}
	if f.TypeID != 0 {
		q = q.Where("relation_type_id = ?", f.TypeID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Relation
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list relations failed")
	}
	return out, nil
}

func (r *relationRepository) CountByType(ctx context.Context, typeID uint) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Relation{}).Where("relation_type_id = ?", typeID).Count(&n).Error; err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count relations by type failed")
	}
	return n, nil
}

func (r *relationRepository) DeleteByIDs(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Relation{})
	if res.Error != nil {
		return 0, appErr.Wrap(res.Error, appErr.CodeInternal, "delete relations failed")
	}
	return res.RowsAffected, nil
}

func (r *relationRepository) DeleteTriple(ctx context.Context, sourceID, targetID, typeID uint, sourceType models.SourceType) (int64, error) {
	q := r.db.WithContext(ctx).
		Where("source_ci_id = ? AND target_ci_id = ? AND relation_type_id = ?", sourceID, targetID, typeID)
	if strings.TrimSpace(string(sourceType)) != "" {
		q = q.Where("source_type = ?", sourceType)
	}
	res := q.Delete(&models.Relation{})
	if res.Error != nil {
		return 0, appErr.Wrap(res.Error, appErr.CodeInternal, "delete relation failed")
	}
	return res.RowsAffected, nil
}

func (r *relationRepository) DeleteByCI(ctx context.Context, ciID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("source_ci_id = ? OR target_ci_id = ?", ciID, ciID).
		Delete(&models.Relation{})
	if res.Error != nil {
		return 0, appErr.Wrap(res.Error, appErr.CodeInternal, "delete ci relations failed")
	}
	return res.RowsAffected, nil
}
