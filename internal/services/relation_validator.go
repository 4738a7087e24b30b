package services

import (
	"context"
	"fmt"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
)

// EdgeQuerier is the read side of the relation store the validator needs.
type EdgeQuerier interface {
	ExistsTriple(ctx context.Context, sourceID, targetID, typeID, excludeID uint) (bool, error)
	CountFromSource(ctx context.Context, sourceID, typeID, excludeID uint) (int64, error)
	CountIntoTarget(ctx context.Context, targetID, typeID, excludeID uint) (int64, error)
}

// RelationValidator decides whether an edge may be created. It never writes.
type RelationValidator struct {
	edges EdgeQuerier
}

func NewRelationValidator(edges EdgeQuerier) *RelationValidator {
	return &RelationValidator{edges: edges}
}

// Validate checks a candidate edge; excludeID (0 for none) ignores an existing
// relation, as when re-validating an update. The first failed check is returned.
func (v *RelationValidator) Validate(ctx context.Context, source, target *models.CIInstance, rt *models.RelationType, excludeID uint) error {
	exists, err := v.edges.ExistsTriple(ctx, source.ID, target.ID, rt.ID, excludeID)
	if err != nil {
		return err
	}
	if exists {
		return appErr.New(appErr.CodeDuplicate, "relation already exists")
	}

	if rt.Direction == models.DirectionBidirectional {
		reverse, err := v.edges.ExistsTriple(ctx, target.ID, source.ID, rt.ID, excludeID)
		if err != nil {
			return err
		}
		if reverse {
			return appErr.New(appErr.CodeDuplicate, "reverse relation already exists for bidirectional type")
		}
	}

	if source.ID == target.ID && !rt.AllowSelfLoop {
		return appErr.New(appErr.CodeSelfLoopForbidden, "relation type does not allow self loops")
	}

	if !rt.AllowsSource(source.ModelID) {
		return appErr.Newf(appErr.CodeSourceModelNotAllowed, "model %d cannot be the source of %s", source.ModelID, rt.Code)
	}
	if !rt.AllowsTarget(target.ModelID) {
		return appErr.Newf(appErr.CodeTargetModelNotAllowed, "model %d cannot be the target of %s", target.ModelID, rt.Code)
	}

	return v.checkCardinality(ctx, source, target, rt, excludeID)
}

func (v *RelationValidator) checkCardinality(ctx context.Context, source, target *models.CIInstance, rt *models.RelationType, excludeID uint) error {
	switch rt.Cardinality {
	case models.CardinalityOneOne:
		n, err := v.edges.CountFromSource(ctx, source.ID, rt.ID, excludeID)
		if err != nil {
			return err
		}
		if n > 0 {
			return cardinalityError(rt, "source already has a relation of this type")
		}
		n, err = v.edges.CountIntoTarget(ctx, target.ID, rt.ID, excludeID)
		if err != nil {
			return err
		}
		if n > 0 {
			return cardinalityError(rt, "target already has a relation of this type")
		}
	case models.CardinalityOneMany:
		n, err := v.edges.CountIntoTarget(ctx, target.ID, rt.ID, excludeID)
		if err != nil {
			return err
		}
		if n > 0 {
			return cardinalityError(rt, "target already has a source for this type")
		}
	}
	return nil
}

func cardinalityError(rt *models.RelationType, msg string) error {
	return appErr.New(appErr.CodeCardinalityViolation, fmt.Sprintf("%s (%s): %s", rt.Code, rt.Cardinality, msg)).
		WithMeta("cardinality", string(rt.Cardinality))
}
