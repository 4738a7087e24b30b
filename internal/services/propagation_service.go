package services

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"github.com/cmdb-studio/relgraph/pkg/metrics"
	"go.uber.org/zap"
)

const msgNoMatchingTarget = "no matching target"

// TriggerMatcher finds the targets a trigger relates a CI to.
type TriggerMatcher interface {
	Match(ctx context.Context, ci *models.CIInstance, t *models.RelationTrigger) ([]models.CIInstance, error)
}

// PropagationService keeps rule-created relations in line with the active
// triggers of a CI's model.
type PropagationService interface {
	// HandleCIWrite is the entry point for a committed CI create or update.
	HandleCIWrite(ctx context.Context, req PropagationRequest) (*PropagationResult, error)
	// Propagate reconciles rule edges from ci: stale ones are removed, missing ones created.
	Propagate(ctx context.Context, ci *models.CIInstance) (*PropagationResult, error)
	// MatchAndCreate only adds missing edges; it never removes any.
	MatchAndCreate(ctx context.Context, ci *models.CIInstance, triggers []models.RelationTrigger) MatchCounts
	// SyncReferences maintains reference edges after an attribute change.
	SyncReferences(ctx context.Context, ci *models.CIInstance, old models.AttributeMap) error
}

// PropagationRequest describes a committed CI write.
type PropagationRequest struct {
	CIID    uint `json:"ci_id"`
	Created bool `json:"created"`
	// OldAttributes is the attribute document before an update; nil when unknown.
	OldAttributes json.RawMessage `json:"old_attributes,omitempty"`
}

type PropagationResult struct {
	TotalTriggers int `json:"total_triggers"`
	Created       int `json:"created"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

// MatchCounts tallies edge outcomes for one CI.
type MatchCounts struct {
	Created int
	Skipped int
	Failed  int
}

func (c *MatchCounts) add(o MatchCounts) {
	c.Created += o.Created
	c.Skipped += o.Skipped
	c.Failed += o.Failed
}

type propagationService struct {
	triggers  repository.TriggerRepository
	relations repository.RelationRepository
	logs      repository.ExecutionLogRepository
	cis       repository.CIRepository
	store     RelationService
	matcher   TriggerMatcher
}

func NewPropagationService(
	triggers repository.TriggerRepository,
	relations repository.RelationRepository,
	logs repository.ExecutionLogRepository,
	cis repository.CIRepository,
	store RelationService,
	matcher TriggerMatcher,
) PropagationService {
	return &propagationService{
		triggers:  triggers,
		relations: relations,
		logs:      logs,
		cis:       cis,
		store:     store,
		matcher:   matcher,
	}
}

var _ PropagationService = (*propagationService)(nil)

func (s *propagationService) HandleCIWrite(ctx context.Context, req PropagationRequest) (*PropagationResult, error) {
	ci, err := s.cis.GetByID(ctx, req.CIID)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			logger.L().Info("ci gone before propagation", zap.Uint("ci_id", req.CIID))
			return &PropagationResult{}, nil
		}
		return nil, err
	}

	if req.Created || req.OldAttributes != nil {
		old, err := models.ParseAttributes(req.OldAttributes)
		if err != nil {
			logger.L().Warn("old attributes unreadable, treating as empty", zap.Uint("ci_id", ci.ID), zap.Error(err))
			old = models.AttributeMap{}
		}
		if err := s.SyncReferences(ctx, ci, old); err != nil {
			logger.L().Warn("reference sync failed", zap.Uint("ci_id", ci.ID), zap.Error(err))
		}
	}

	return s.Propagate(ctx, ci)
}

type edgeKey struct {
	typeID        uint
	targetModelID uint
}

type triggerMatch struct {
	trigger models.RelationTrigger
	targets []models.CIInstance
	err     error
}

func (s *propagationService) Propagate(ctx context.Context, ci *models.CIInstance) (*PropagationResult, error) {
	triggers, err := s.triggers.ListActiveBySourceModel(ctx, ci.ModelID)
	if err != nil {
		return nil, err
	}
	result := &PropagationResult{TotalTriggers: len(triggers)}
	if len(triggers) == 0 {
		return result, nil
	}

	matches := make([]triggerMatch, 0, len(triggers))
	expected := map[edgeKey]map[uint]struct{}{}
	unknown := map[edgeKey]bool{}
	for _, t := range triggers {
		if t.TargetModelID == nil {
			continue
		}
		targets, err := s.matcher.Match(ctx, ci, &t)
		matches = append(matches, triggerMatch{trigger: t, targets: targets, err: err})

		key := edgeKey{typeID: t.RelationTypeID, targetModelID: *t.TargetModelID}
		if err != nil {
			// Without a match result the expected set is unknown; leave existing edges alone.
			unknown[key] = true
			continue
		}
		set, ok := expected[key]
		if !ok {
			set = map[uint]struct{}{}
			expected[key] = set
		}
		for _, tgt := range targets {
			set[tgt.ID] = struct{}{}
		}
	}

	s.removeStale(ctx, ci, expected, unknown)

	for _, m := range matches {
		t := m.trigger
		if m.err != nil {
			result.Failed++
			s.record(ctx, &t, ci.ID, nil, models.ExecFailed, "match failed: "+m.err.Error())
			continue
		}
		if len(m.targets) == 0 {
			result.Skipped++
			s.record(ctx, &t, ci.ID, nil, models.ExecSkipped, msgNoMatchingTarget)
			continue
		}
		counts := s.createEdges(ctx, ci, &t, m.targets)
		result.Created += counts.Created
		result.Skipped += counts.Skipped
		result.Failed += counts.Failed
	}

	logger.L().Info("propagation finished",
		zap.Uint("ci_id", ci.ID),
		zap.Int("triggers", result.TotalTriggers),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// removeStale deletes rule edges from ci whose target no longer matches any
// trigger sharing the edge's relation type and target model.
func (s *propagationService) removeStale(ctx context.Context, ci *models.CIInstance, expected map[edgeKey]map[uint]struct{}, unknown map[edgeKey]bool) {
	for key, keep := range expected {
		if unknown[key] {
			continue
		}
		existing, err := s.relations.ListRuleEdgesInto(ctx, ci.ID, key.typeID, key.targetModelID)
		if err != nil {
			logger.L().Warn("list rule edges failed", zap.Uint("ci_id", ci.ID), zap.Uint("relation_type_id", key.typeID), zap.Error(err))
			continue
		}
		var stale []uint
		for _, e := range existing {
			if _, ok := keep[e.TargetCIID]; !ok {
				stale = append(stale, e.ID)
			}
		}
		if len(stale) == 0 {
			continue
		}
		n, err := s.relations.DeleteByIDs(ctx, stale)
		if err != nil {
			logger.L().Warn("remove stale rule edges failed", zap.Uint("ci_id", ci.ID), zap.Error(err))
			continue
		}
		metrics.StaleEdgesRemoved.Add(float64(n))
		logger.L().Info("stale rule edges removed",
			zap.Uint("ci_id", ci.ID),
			zap.Uint("relation_type_id", key.typeID),
			zap.Uint("target_model_id", key.targetModelID),
			zap.Int64("count", n),
		)
	}
}

func (s *propagationService) MatchAndCreate(ctx context.Context, ci *models.CIInstance, triggers []models.RelationTrigger) MatchCounts {
	var total MatchCounts
	for i := range triggers {
		t := &triggers[i]
		targets, err := s.matcher.Match(ctx, ci, t)
		if err != nil {
			total.Failed++
			s.record(ctx, t, ci.ID, nil, models.ExecFailed, "match failed: "+err.Error())
			continue
		}
		total.add(s.createEdges(ctx, ci, t, targets))
	}
	return total
}

func (s *propagationService) createEdges(ctx context.Context, ci *models.CIInstance, t *models.RelationTrigger, targets []models.CIInstance) MatchCounts {
	var c MatchCounts
	for i := range targets {
		target := &targets[i]
		targetID := target.ID
		_, created, err := s.store.EnsureRelation(ctx, ci, target, t.RelationTypeID, models.SourceRule)
		switch {
		case err != nil:
			c.Failed++
			s.record(ctx, t, ci.ID, &targetID, models.ExecFailed, err.Error())
		case created:
			c.Created++
			s.record(ctx, t, ci.ID, &targetID, models.ExecSuccess, "relation created")
		default:
			c.Skipped++
			s.record(ctx, t, ci.ID, &targetID, models.ExecSkipped, "relation already exists")
		}
	}
	return c
}

func (s *propagationService) record(ctx context.Context, t *models.RelationTrigger, sourceID uint, targetID *uint, status models.ExecutionStatus, msg string) {
	entry := &models.TriggerExecutionLog{
		TriggerID:  t.ID,
		SourceCIID: sourceID,
		TargetCIID: targetID,
		Status:     status,
		Message:    msg,
	}
	metrics.TriggerExecutions.WithLabelValues(string(status)).Inc()
	if err := s.logs.Append(ctx, entry); err != nil {
		logger.L().Warn("execution log not written", zap.Uint("trigger_id", t.ID), zap.Uint("ci_id", sourceID), zap.Error(err))
	}
}

func (s *propagationService) SyncReferences(ctx context.Context, ci *models.CIInstance, old models.AttributeMap) error {
	triggers, err := s.triggers.ListActiveBySourceModel(ctx, ci.ModelID)
	if err != nil {
		return err
	}
	attrs, err := ci.Attributes()
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "ci attributes unreadable")
	}

	for _, t := range triggers {
		if t.TriggerType != models.TriggerReference {
			continue
		}
		field := t.Cond().SourceField
		if field == "" {
			continue
		}
		oldVal, hadOld := old.Lookup(field)
		newVal, hasNew := attrs.Lookup(field)

		if hadOld && oldVal.Truthy() && (!hasNew || oldVal.String() != newVal.String()) {
			if oldID, ok := referencedID(oldVal); ok {
				if _, err := s.relations.DeleteTriple(ctx, ci.ID, oldID, t.RelationTypeID, models.SourceReference); err != nil {
					logger.L().Warn("remove reference edge failed", zap.Uint("ci_id", ci.ID), zap.Uint("target_ci_id", oldID), zap.Error(err))
				}
			}
		}

		if !hasNew || !newVal.Truthy() {
			continue
		}
		newID, ok := referencedID(newVal)
		if !ok {
			logger.L().Debug("reference value is not a ci id", zap.Uint("ci_id", ci.ID), zap.String("field", field))
			continue
		}
		target, err := s.cis.GetByID(ctx, newID)
		if err != nil {
			logger.L().Info("referenced ci unavailable", zap.Uint("ci_id", ci.ID), zap.Uint("target_ci_id", newID), zap.Error(err))
			continue
		}
		if _, _, err := s.store.EnsureRelation(ctx, ci, target, t.RelationTypeID, models.SourceReference); err != nil {
			logger.L().Info("reference edge rejected", zap.Uint("ci_id", ci.ID), zap.Uint("target_ci_id", newID), zap.Error(err))
		}
	}
	return nil
}

// referencedID reads an attribute value holding another CI's id.
func referencedID(v models.Value) (uint, bool) {
	switch v.Kind() {
	case models.KindString, models.KindNumber:
		n, err := strconv.ParseUint(strings.TrimSpace(v.String()), 10, 64)
		if err != nil || n == 0 {
			return 0, false
		}
		return uint(n), true
	default:
		return 0, false
	}
}
