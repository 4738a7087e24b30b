package services

import (
	"context"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"go.uber.org/zap"
)

type RelationService interface {
	// CreateRelation validates and stores an edge. Rejections carry a relation constraint code.
	CreateRelation(ctx context.Context, sourceID, targetID, typeID uint, st models.SourceType) (*models.Relation, error)
	// EnsureRelation creates the edge unless an equivalent one already exists;
	// created is false when nothing was written.
	EnsureRelation(ctx context.Context, source, target *models.CIInstance, typeID uint, st models.SourceType) (rel *models.Relation, created bool, err error)
	DeleteRelation(ctx context.Context, id uint) error
	DeleteRelationsForCI(ctx context.Context, ciID uint) (int64, error)
	// ListForCI returns the direct edges of a CI whose other end is visible to access.
	ListForCI(ctx context.Context, ciID uint, access Access) (*CIRelations, error)
}

// CIRelations groups the edges touching one CI.
type CIRelations struct {
	CIID     uint              `json:"ci_id"`
	Outgoing []models.Relation `json:"out_relations"`
	Incoming []models.Relation `json:"in_relations"`
	OutCount int               `json:"out_count"`
	InCount  int               `json:"in_count"`
}

type relationService struct {
	relations repository.RelationRepository
	types     repository.RelationTypeRepository
	cis       repository.CIRepository
	validator *RelationValidator
}

func NewRelationService(relations repository.RelationRepository, types repository.RelationTypeRepository, cis repository.CIRepository) RelationService {
	return &relationService{
		relations: relations,
		types:     types,
		cis:       cis,
		validator: NewRelationValidator(relations),
	}
}

var _ RelationService = (*relationService)(nil)

func (s *relationService) CreateRelation(ctx context.Context, sourceID, targetID, typeID uint, st models.SourceType) (*models.Relation, error) {
	source, err := s.cis.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := s.cis.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, source, target, typeID, st)
}

func (s *relationService) create(ctx context.Context, source, target *models.CIInstance, typeID uint, st models.SourceType) (*models.Relation, error) {
	var rt models.RelationType
	if err := s.types.GetByID(ctx, typeID, &rt); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(ctx, source, target, &rt, 0); err != nil {
		return nil, err
	}

	rel := &models.Relation{
		SourceCIID:     source.ID,
		TargetCIID:     target.ID,
		RelationTypeID: rt.ID,
		SourceType:     st,
	}
	if err := s.relations.Insert(ctx, rel); err != nil {
		return nil, err
	}
	logger.L().Debug("relation created",
		zap.Uint("relation_id", rel.ID),
		zap.Uint("source_ci_id", rel.SourceCIID),
		zap.Uint("target_ci_id", rel.TargetCIID),
		zap.Uint("relation_type_id", rel.RelationTypeID),
		zap.String("source_type", string(st)),
	)
	return rel, nil
}

func (s *relationService) EnsureRelation(ctx context.Context, source, target *models.CIInstance, typeID uint, st models.SourceType) (*models.Relation, bool, error) {
	existing, err := s.relations.FindTriple(ctx, source.ID, target.ID, typeID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	rel, err := s.create(ctx, source, target, typeID, st)
	if err != nil {
		// A concurrent writer got there first, or the reverse edge of a
		// bidirectional type exists. Either way the edge is present.
		if appErr.IsCode(err, appErr.CodeDuplicate) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rel, true, nil
}

func (s *relationService) DeleteRelation(ctx context.Context, id uint) error {
	if err := s.relations.Delete(ctx, id); err != nil {
		return err
	}
	logger.L().Info("relation deleted", zap.Uint("relation_id", id))
	return nil
}

func (s *relationService) DeleteRelationsForCI(ctx context.Context, ciID uint) (int64, error) {
	n, err := s.relations.DeleteByCI(ctx, ciID)
	if err != nil {
		return 0, err
	}
	logger.L().Info("ci relations removed", zap.Uint("ci_id", ciID), zap.Int64("count", n))
	return n, nil
}

func (s *relationService) ListForCI(ctx context.Context, ciID uint, access Access) (*CIRelations, error) {
	ci, err := s.cis.GetByID(ctx, ciID)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(ci) {
		return nil, appErr.New(appErr.CodeForbidden, "ci is outside your data scope")
	}
	edges, err := s.relations.ListByCI(ctx, ciID)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(edges))
	for i := range edges {
		ids = append(ids, edges[i].Other(ciID))
	}
	others, err := s.cis.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := &CIRelations{CIID: ciID, Outgoing: []models.Relation{}, Incoming: []models.Relation{}}
	for _, e := range edges {
		other, ok := others[e.Other(ciID)]
		if !ok || !access.CanSee(&other) {
			continue
		}
		if e.SourceCIID == ciID {
			out.Outgoing = append(out.Outgoing, e)
		}
		if e.TargetCIID == ciID && e.SourceCIID != ciID {
			out.Incoming = append(out.Incoming, e)
		}
	}
	out.OutCount, out.InCount = len(out.Outgoing), len(out.Incoming)
	return out, nil
}
