package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type RelationTypeService interface {
	Create(ctx context.Context, in *RelationTypeInput) (*models.RelationType, error)
	Get(ctx context.Context, id uint) (*models.RelationType, error)
	List(ctx context.Context, keyword string, page repository.Page) ([]models.RelationType, int64, error)
	Update(ctx context.Context, id uint, in *RelationTypeInput) (*models.RelationType, error)
	// Delete refuses while any relation or trigger still uses the type.
	Delete(ctx context.Context, id uint) error
}

// RelationTypeInput is the writable shape of a relation type.
type RelationTypeInput struct {
	Code           string             `json:"code" validate:"required,max=64"`
	Name           string             `json:"name" validate:"required,max=128"`
	SourceLabel    string             `json:"source_label" validate:"max=64"`
	TargetLabel    string             `json:"target_label" validate:"max=64"`
	Direction      models.Direction   `json:"direction" validate:"omitempty,oneof=directed bidirectional"`
	Cardinality    models.Cardinality `json:"cardinality" validate:"omitempty,oneof=one_one one_many many_many"`
	AllowSelfLoop  bool               `json:"allow_self_loop"`
	SourceModelIDs []uint             `json:"source_model_ids"`
	TargetModelIDs []uint             `json:"target_model_ids"`
	Description    string             `json:"description"`
	Style          json.RawMessage    `json:"style,omitempty"`
}

func (in *RelationTypeInput) apply(rt *models.RelationType) {
	rt.Code = strings.TrimSpace(in.Code)
	rt.Name = strings.TrimSpace(in.Name)
	rt.SourceLabel = in.SourceLabel
	rt.TargetLabel = in.TargetLabel
	rt.Direction = in.Direction
	if rt.Direction == "" {
		rt.Direction = models.DirectionDirected
	}
	rt.Cardinality = in.Cardinality
	if rt.Cardinality == "" {
		rt.Cardinality = models.CardinalityManyMany
	}
	rt.AllowSelfLoop = in.AllowSelfLoop
	rt.SourceModelIDs = datatypes.JSONSlice[uint](nonNil(in.SourceModelIDs))
	rt.TargetModelIDs = datatypes.JSONSlice[uint](nonNil(in.TargetModelIDs))
	rt.Description = in.Description
	if len(in.Style) > 0 {
		rt.Style = datatypes.JSON(in.Style)
	}
}

func nonNil(ids []uint) []uint {
	if ids == nil {
		return []uint{}
	}
	return ids
}

type relationTypeService struct {
	types     repository.RelationTypeRepository
	relations repository.RelationRepository
	triggers  repository.TriggerRepository
}

func NewRelationTypeService(types repository.RelationTypeRepository, relations repository.RelationRepository, triggers repository.TriggerRepository) RelationTypeService {
	return &relationTypeService{types: types, relations: relations, triggers: triggers}
}

var _ RelationTypeService = (*relationTypeService)(nil)

func (s *relationTypeService) Create(ctx context.Context, in *RelationTypeInput) (*models.RelationType, error) {
	if err := s.checkCode(ctx, in.Code, 0); err != nil {
		return nil, err
	}
	rt := &models.RelationType{}
	in.apply(rt)
	if err := s.types.Create(ctx, rt); err != nil {
		return nil, err
	}
	logger.L().Info("relation type created", zap.Uint("relation_type_id", rt.ID), zap.String("code", rt.Code))
	return rt, nil
}

func (s *relationTypeService) Get(ctx context.Context, id uint) (*models.RelationType, error) {
	var rt models.RelationType
	if err := s.types.GetByID(ctx, id, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *relationTypeService) List(ctx context.Context, keyword string, page repository.Page) ([]models.RelationType, int64, error) {
	return s.types.List(ctx, keyword, page)
}

// Update rewrites the type's schema. Existing edges are not re-validated.
func (s *relationTypeService) Update(ctx context.Context, id uint, in *RelationTypeInput) (*models.RelationType, error) {
	rt, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkCode(ctx, in.Code, id); err != nil {
		return nil, err
	}
	in.apply(rt)
	if err := s.types.Update(ctx, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

func (s *relationTypeService) Delete(ctx context.Context, id uint) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	edges, err := s.relations.CountByType(ctx, id)
	if err != nil {
		return err
	}
	if edges > 0 {
		return appErr.Newf(appErr.CodeConflict, "relation type is used by %d relations", edges)
	}
	triggers, err := s.triggers.CountByRelationType(ctx, id)
	if err != nil {
		return err
	}
	if triggers > 0 {
		return appErr.Newf(appErr.CodeConflict, "relation type is used by %d triggers", triggers)
	}
	if err := s.types.Delete(ctx, id); err != nil {
		return err
	}
	logger.L().Info("relation type deleted", zap.Uint("relation_type_id", id))
	return nil
}

func (s *relationTypeService) checkCode(ctx context.Context, code string, excludeID uint) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return appErr.New(appErr.CodeInvalid, "code is required")
	}
	taken, err := s.types.ExistsCode(ctx, code, excludeID)
	if err != nil {
		return err
	}
	if taken {
		return appErr.Newf(appErr.CodeConflict, "relation type code %q already exists", code)
	}
	return nil
}
