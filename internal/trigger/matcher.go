// Package trigger evaluates relation triggers against CIs.
package trigger

import (
	"context"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"go.uber.org/zap"
)

// TargetLister loads the candidate targets of a trigger.
type TargetLister interface {
	ListByModel(ctx context.Context, modelID uint) ([]models.CIInstance, error)
}

// Matcher finds the CIs a trigger relates a source CI to. It holds no
// per-call state beyond the compiled-expression cache and is safe for
// concurrent use.
type Matcher struct {
	targets TargetLister
	exprs   *ExpressionCache
	log     *zap.Logger
}

func NewMatcher(targets TargetLister, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{targets: targets, exprs: NewExpressionCache(), log: log}
}

// Match returns every CI of the trigger's target model that the condition
// relates to ci. Order is by target id. A trigger whose target model is gone
// matches nothing.
func (m *Matcher) Match(ctx context.Context, ci *models.CIInstance, t *models.RelationTrigger) ([]models.CIInstance, error) {
	if t.TargetModelID == nil {
		return nil, nil
	}
	switch t.TriggerType {
	case models.TriggerReference, "":
		return m.matchReference(ctx, ci, t)
	case models.TriggerExpression:
		return m.matchExpression(ctx, ci, t)
	default:
		return nil, appErr.Newf(appErr.CodeInvalid, "unsupported trigger type %q", t.TriggerType)
	}
}

func (m *Matcher) matchReference(ctx context.Context, ci *models.CIInstance, t *models.RelationTrigger) ([]models.CIInstance, error) {
	cond := t.Cond()
	if cond.SourceField == "" || cond.TargetField == "" {
		m.log.Warn("reference trigger missing fields", zap.Uint("trigger_id", t.ID))
		return nil, nil
	}

	attrs, err := ci.Attributes()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "source ci attributes unreadable")
	}
	want, ok := attrs.Lookup(cond.SourceField)
	if !ok {
		return nil, nil
	}
	key := want.String()

	candidates, err := m.targets.ListByModel(ctx, *t.TargetModelID)
	if err != nil {
		return nil, err
	}
	var out []models.CIInstance
	for _, c := range candidates {
		tattrs, err := c.Attributes()
		if err != nil {
			m.log.Debug("skipping target with unreadable attributes", zap.Uint("ci_id", c.ID), zap.Error(err))
			continue
		}
		got, ok := tattrs.Lookup(cond.TargetField)
		if ok && got.String() == key {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Matcher) matchExpression(ctx context.Context, ci *models.CIInstance, t *models.RelationTrigger) ([]models.CIInstance, error) {
	prg, err := m.exprs.Get(t.ID, t.Cond().Expression)
	if err != nil {
		return nil, err
	}
	attrs, err := ci.Attributes()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "source ci attributes unreadable")
	}
	source := attrs.Native()

	candidates, err := m.targets.ListByModel(ctx, *t.TargetModelID)
	if err != nil {
		return nil, err
	}
	var out []models.CIInstance
	for _, c := range candidates {
		tattrs, err := c.Attributes()
		if err != nil {
			continue
		}
		ok, err := prg.Eval(source, tattrs.Native())
		if err != nil {
			// Typically a missing key; the pair simply does not match.
			m.log.Debug("expression evaluation failed", zap.Uint("trigger_id", t.ID), zap.Uint("target_ci_id", c.ID), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}
