// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/pkg/database"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NewDB opens a migrated SQLite database in the test's temp dir.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "relgraph_test.db"), database.Options{AppEnv: "test"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.Registry()...))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

// Fixtures creates rows directly, bypassing services.
type Fixtures struct {
	t  *testing.T
	db *gorm.DB
	n  int
}

func NewFixtures(t *testing.T, db *gorm.DB) *Fixtures {
	return &Fixtures{t: t, db: db}
}

func (f *Fixtures) next() int {
	f.n++
	return f.n
}

func (f *Fixtures) Model(code string) models.CIModel {
	f.t.Helper()
	m := models.CIModel{Code: code, Name: code}
	require.NoError(f.t, f.db.Create(&m).Error)
	return m
}

// CI creates a CI of modelID with the given attribute document.
func (f *Fixtures) CI(modelID uint, name string, attrs string) models.CIInstance {
	f.t.Helper()
	if attrs == "" {
		attrs = "{}"
	}
	ci := models.CIInstance{
		ModelID:         modelID,
		Name:            name,
		Code:            fmt.Sprintf("ci-%d", f.next()),
		AttributeValues: datatypes.JSON(attrs),
	}
	require.NoError(f.t, f.db.Create(&ci).Error)
	return ci
}

func (f *Fixtures) RelationType(code string, card models.Cardinality, dir models.Direction) models.RelationType {
	f.t.Helper()
	rt := models.RelationType{Code: code, Name: code, Cardinality: card, Direction: dir}
	require.NoError(f.t, f.db.Create(&rt).Error)
	return rt
}

func (f *Fixtures) Relation(src, tgt, typeID uint, st models.SourceType) models.Relation {
	f.t.Helper()
	rel := models.Relation{SourceCIID: src, TargetCIID: tgt, RelationTypeID: typeID, SourceType: st}
	require.NoError(f.t, f.db.Create(&rel).Error)
	return rel
}

// ReferenceTrigger creates an active reference trigger.
func (f *Fixtures) ReferenceTrigger(srcModel, tgtModel, typeID uint, srcField, tgtField string) models.RelationTrigger {
	f.t.Helper()
	tr := models.RelationTrigger{
		Name:           fmt.Sprintf("trigger-%d", f.next()),
		SourceModelID:  &srcModel,
		TargetModelID:  &tgtModel,
		RelationTypeID: typeID,
		TriggerType:    models.TriggerReference,
		Condition:      datatypes.NewJSONType(models.TriggerCondition{SourceField: srcField, TargetField: tgtField}),
		IsActive:       true,
	}
	require.NoError(f.t, f.db.Create(&tr).Error)
	return tr
}

// ExpressionTrigger creates an active expression trigger.
func (f *Fixtures) ExpressionTrigger(srcModel, tgtModel, typeID uint, expr string) models.RelationTrigger {
	f.t.Helper()
	tr := models.RelationTrigger{
		Name:           fmt.Sprintf("trigger-%d", f.next()),
		SourceModelID:  &srcModel,
		TargetModelID:  &tgtModel,
		RelationTypeID: typeID,
		TriggerType:    models.TriggerExpression,
		Condition:      datatypes.NewJSONType(models.TriggerCondition{Expression: expr}),
		IsActive:       true,
	}
	require.NoError(f.t, f.db.Create(&tr).Error)
	return tr
}

// Relations returns every stored relation.
func (f *Fixtures) Relations() []models.Relation {
	f.t.Helper()
	var out []models.Relation
	require.NoError(f.t, f.db.WithContext(context.Background()).Order("id").Find(&out).Error)
	return out
}
