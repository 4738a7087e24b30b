package models

import (
	"time"

	"gorm.io/datatypes"
)

// TriggerType selects how a trigger matches target CIs.
type TriggerType string

const (
	// TriggerReference matches when a source attribute equals a target attribute.
	TriggerReference TriggerType = "reference"
	// TriggerExpression matches when a boolean expression over both CIs holds.
	TriggerExpression TriggerType = "expression"
)

// TriggerCondition is the match rule stored with a trigger.
type TriggerCondition struct {
	SourceField string `json:"source_field,omitempty"`
	TargetField string `json:"target_field,omitempty"`
	Expression  string `json:"expression,omitempty"`
}

// RelationTrigger declares that CIs of SourceModelID relate to CIs of
// TargetModelID whenever Condition matches. A nil model id means the model was
// deleted; such triggers are inactive.
type RelationTrigger struct {
	ID             uint                                 `gorm:"primaryKey" json:"id"`
	Name           string                               `gorm:"type:varchar(128);not null" json:"name"`
	SourceModelID  *uint                                `gorm:"index:idx_trigger_source_active,priority:1" json:"source_model_id"`
	TargetModelID  *uint                                `gorm:"index" json:"target_model_id"`
	RelationTypeID uint                                 `gorm:"not null;index" json:"relation_type_id"`
	TriggerType    TriggerType                          `gorm:"type:varchar(16);not null;default:reference" json:"trigger_type"`
	Condition      datatypes.JSONType[TriggerCondition] `json:"trigger_condition"`
	IsActive       bool                                 `gorm:"not null;default:true;index:idx_trigger_source_active,priority:2" json:"is_active"`
	Description    string                               `gorm:"type:text" json:"description"`
	CreatedAt      time.Time                            `json:"created_at"`
	UpdatedAt      time.Time                            `json:"updated_at"`
}

func (RelationTrigger) TableName() string { return "relation_triggers" }

// Cond returns the decoded trigger condition.
func (t *RelationTrigger) Cond() TriggerCondition { return t.Condition.Data() }

// ExecutionStatus is the outcome recorded for one trigger attempt.
type ExecutionStatus string

const (
	ExecSuccess ExecutionStatus = "success"
	ExecSkipped ExecutionStatus = "skipped"
	ExecFailed  ExecutionStatus = "failed"
)

// TriggerExecutionLog is an append-only record of one trigger attempt.
type TriggerExecutionLog struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	TriggerID  uint            `gorm:"not null;index" json:"trigger_id"`
	SourceCIID uint            `gorm:"column:source_ci_id;not null;index" json:"source_ci_id"`
	TargetCIID *uint           `gorm:"column:target_ci_id" json:"target_ci_id"`
	Status     ExecutionStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Message    string          `gorm:"type:text" json:"message"`
	CreatedAt  time.Time       `gorm:"index" json:"created_at"`
}

func (TriggerExecutionLog) TableName() string { return "trigger_execution_logs" }
