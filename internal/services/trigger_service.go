package services

import (
	"context"
	"strings"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	"github.com/cmdb-studio/relgraph/internal/trigger"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type TriggerService interface {
	Create(ctx context.Context, in *TriggerInput) (*models.RelationTrigger, error)
	Get(ctx context.Context, id uint) (*models.RelationTrigger, error)
	List(ctx context.Context, f repository.TriggerFilter) ([]models.RelationTrigger, int64, error)
	Update(ctx context.Context, id uint, in *TriggerInput) (*models.RelationTrigger, error)
	Delete(ctx context.Context, id uint) error
	Toggle(ctx context.Context, id uint) (*models.RelationTrigger, error)
	// DeactivateForModel handles a deleted model: its triggers are switched
	// off, never removed.
	DeactivateForModel(ctx context.Context, modelID uint) (int64, error)
	ListLogs(ctx context.Context, f repository.LogFilter) ([]models.TriggerExecutionLog, int64, error)
}

type TriggerInput struct {
	Name           string             `json:"name" validate:"required,max=128"`
	SourceModelID  uint               `json:"source_model_id" validate:"required"`
	TargetModelID  uint               `json:"target_model_id" validate:"required"`
	RelationTypeID uint               `json:"relation_type_id" validate:"required"`
	TriggerType    models.TriggerType `json:"trigger_type" validate:"omitempty,oneof=reference expression"`
	SourceField    string             `json:"source_field"`
	TargetField    string             `json:"target_field"`
	Expression     string             `json:"expression"`
	IsActive       *bool              `json:"is_active"`
	Description    string             `json:"description"`
}

type triggerService struct {
	triggers  repository.TriggerRepository
	types     repository.RelationTypeRepository
	modelRepo repository.ModelRepository
	logs      repository.ExecutionLogRepository
}

func NewTriggerService(triggers repository.TriggerRepository, types repository.RelationTypeRepository, modelRepo repository.ModelRepository, logs repository.ExecutionLogRepository) TriggerService {
	return &triggerService{triggers: triggers, types: types, modelRepo: modelRepo, logs: logs}
}

var _ TriggerService = (*triggerService)(nil)

func (s *triggerService) validate(ctx context.Context, in *TriggerInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return appErr.New(appErr.CodeInvalid, "name is required")
	}
	var rt models.RelationType
	if err := s.types.GetByID(ctx, in.RelationTypeID, &rt); err != nil {
		return err
	}
	for _, id := range []uint{in.SourceModelID, in.TargetModelID} {
		if _, err := s.modelRepo.GetByID(ctx, id); err != nil {
			return err
		}
	}
	switch in.TriggerType {
	case models.TriggerReference, "":
		if in.SourceField == "" || in.TargetField == "" {
			return appErr.New(appErr.CodeInvalid, "reference triggers need source_field and target_field")
		}
	case models.TriggerExpression:
		if _, err := trigger.Compile(in.Expression); err != nil {
			return err
		}
	default:
		return appErr.Newf(appErr.CodeInvalid, "unsupported trigger type %q", in.TriggerType)
	}
	return nil
}

func (in *TriggerInput) apply(t *models.RelationTrigger) {
	src, tgt := in.SourceModelID, in.TargetModelID
	t.Name = strings.TrimSpace(in.Name)
	t.SourceModelID = &src
	t.TargetModelID = &tgt
	t.RelationTypeID = in.RelationTypeID
	t.TriggerType = in.TriggerType
	if t.TriggerType == "" {
		t.TriggerType = models.TriggerReference
	}
	t.Condition = datatypes.NewJSONType(models.TriggerCondition{
		SourceField: in.SourceField,
		TargetField: in.TargetField,
		Expression:  in.Expression,
	})
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	t.Description = in.Description
}

func (s *triggerService) Create(ctx context.Context, in *TriggerInput) (*models.RelationTrigger, error) {
	if err := s.validate(ctx, in); err != nil {
		return nil, err
	}
	t := &models.RelationTrigger{IsActive: true}
	in.apply(t)
	if err := s.triggers.Create(ctx, t); err != nil {
		return nil, err
	}
	logger.L().Info("trigger created", zap.Uint("trigger_id", t.ID), zap.String("type", string(t.TriggerType)))
	return t, nil
}

func (s *triggerService) Get(ctx context.Context, id uint) (*models.RelationTrigger, error) {
	var t models.RelationTrigger
	if err := s.triggers.GetByID(ctx, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *triggerService) List(ctx context.Context, f repository.TriggerFilter) ([]models.RelationTrigger, int64, error) {
	return s.triggers.List(ctx, f)
}

func (s *triggerService) Update(ctx context.Context, id uint, in *TriggerInput) (*models.RelationTrigger, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, in); err != nil {
		return nil, err
	}
	in.apply(t)
	if err := s.triggers.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *triggerService) Delete(ctx context.Context, id uint) error {
	if err := s.triggers.Delete(ctx, id); err != nil {
		return err
	}
	logger.L().Info("trigger deleted", zap.Uint("trigger_id", id))
	return nil
}

func (s *triggerService) Toggle(ctx context.Context, id uint) (*models.RelationTrigger, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsActive && (t.SourceModelID == nil || t.TargetModelID == nil) {
		return nil, appErr.New(appErr.CodeConflict, "trigger references a deleted model")
	}
	if err := s.triggers.SetActive(ctx, id, !t.IsActive); err != nil {
		return nil, err
	}
	t.IsActive = !t.IsActive
	logger.L().Info("trigger toggled", zap.Uint("trigger_id", id), zap.Bool("active", t.IsActive))
	return t, nil
}

func (s *triggerService) DeactivateForModel(ctx context.Context, modelID uint) (int64, error) {
	n, err := s.triggers.DeactivateForModel(ctx, modelID)
	if err != nil {
		return 0, err
	}
	logger.L().Info("triggers deactivated for deleted model", zap.Uint("model_id", modelID), zap.Int64("count", n))
	return n, nil
}

func (s *triggerService) ListLogs(ctx context.Context, f repository.LogFilter) ([]models.TriggerExecutionLog, int64, error) {
	if f.TriggerID != 0 {
		if _, err := s.Get(ctx, f.TriggerID); err != nil {
			return nil, 0, err
		}
	}
	return s.logs.List(ctx, f)
}
