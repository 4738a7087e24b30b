package types

import "encoding/json"

type RelationCreateRequest struct {
	SourceCIID     uint `json:"source_ci_id" validate:"required"`
	TargetCIID     uint `json:"target_ci_id" validate:"required"`
	RelationTypeID uint `json:"relation_type_id" validate:"required"`
}

type CIWrittenEvent struct {
	CIID          uint            `json:"ci_id" validate:"required"`
	Created       bool            `json:"created"`
	OldAttributes json.RawMessage `json:"old_attributes,omitempty"`
}

type CIDeletedEvent struct {
	CIID uint `json:"ci_id" validate:"required"`
}

type ModelDeletedEvent struct {
	ModelID uint `json:"model_id" validate:"required"`
}
