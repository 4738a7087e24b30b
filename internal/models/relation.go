package models

import (
	"slices"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Direction of a relation type.
type Direction string

const (
	DirectionDirected      Direction = "directed"
	DirectionBidirectional Direction = "bidirectional"
)

// Cardinality of a relation type.
type Cardinality string

const (
	CardinalityOneOne   Cardinality = "one_one"
	CardinalityOneMany  Cardinality = "one_many"
	CardinalityManyMany Cardinality = "many_many"
)

// SourceType records how a relation came to exist.
type SourceType string

const (
	SourceManual    SourceType = "manual"
	SourceReference SourceType = "reference"
	SourceRule      SourceType = "rule"
)

// RelationType is the schema of a kind of edge between CIs.
type RelationType struct {
	ID             uint                      `gorm:"primaryKey" json:"id"`
	Code           string                    `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Name           string                    `gorm:"type:varchar(128);not null" json:"name"`
	SourceLabel    string                    `gorm:"type:varchar(64)" json:"source_label"`
	TargetLabel    string                    `gorm:"type:varchar(64)" json:"target_label"`
	Direction      Direction                 `gorm:"type:varchar(16);not null;default:directed" json:"direction"`
	Cardinality    Cardinality               `gorm:"type:varchar(16);not null;default:many_many" json:"cardinality"`
	AllowSelfLoop  bool                      `gorm:"not null;default:false" json:"allow_self_loop"`
	SourceModelIDs datatypes.JSONSlice[uint] `json:"source_model_ids"`
	TargetModelIDs datatypes.JSONSlice[uint] `json:"target_model_ids"`
	Description    string                    `gorm:"type:text" json:"description"`
	Style          datatypes.JSON            `json:"style,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

func (RelationType) TableName() string { return "relation_types" }

func (rt *RelationType) BeforeSave(*gorm.DB) error {
	if len(rt.Style) == 0 {
		rt.Style = datatypes.JSON("{}")
	}
	if rt.SourceModelIDs == nil {
		rt.SourceModelIDs = datatypes.JSONSlice[uint]{}
	}
	if rt.TargetModelIDs == nil {
		rt.TargetModelIDs = datatypes.JSONSlice[uint]{}
	}
	return nil
}

// AllowsSource reports whether a CI of modelID may be the source. An empty list allows any model.
func (rt *RelationType) AllowsSource(modelID uint) bool {
	return len(rt.SourceModelIDs) == 0 || slices.Contains(rt.SourceModelIDs, modelID)
}

// AllowsTarget reports whether a CI of modelID may be the target. An empty list allows any model.
func (rt *RelationType) AllowsTarget(modelID uint) bool {
	return len(rt.TargetModelIDs) == 0 || slices.Contains(rt.TargetModelIDs, modelID)
}

// Relation is a typed edge between two CIs. The triple
// (source_ci_id, target_ci_id, relation_type_id) is unique.
type Relation struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SourceCIID     uint       `gorm:"column:source_ci_id;not null;uniqueIndex:uq_ci_relation,priority:1;index" json:"source_ci_id"`
	TargetCIID     uint       `gorm:"column:target_ci_id;not null;uniqueIndex:uq_ci_relation,priority:2;index" json:"target_ci_id"`
	RelationTypeID uint       `gorm:"not null;uniqueIndex:uq_ci_relation,priority:3;index" json:"relation_type_id"`
	SourceType     SourceType `gorm:"type:varchar(16);not null;default:manual;index" json:"source_type"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Relation) TableName() string { return "cmdb_relations" }

// Other returns the endpoint of r opposite to ciID.
func (r *Relation) Other(ciID uint) uint {
	if r.SourceCIID == ciID {
		return r.TargetCIID
	}
	return r.SourceCIID
}
