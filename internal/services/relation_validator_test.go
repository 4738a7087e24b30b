package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
)

type mockEdges struct {
	mock.Mock
}

func (m *mockEdges) ExistsTriple(ctx context.Context, sourceID, targetID, typeID, excludeID uint) (bool, error) {
	args := m.Called(sourceID, targetID, typeID, excludeID)
	return args.Bool(0), args.Error(1)
}

func (m *mockEdges) CountFromSource(ctx context.Context, sourceID, typeID, excludeID uint) (int64, error) {
	args := m.Called(sourceID, typeID, excludeID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockEdges) CountIntoTarget(ctx context.Context, targetID, typeID, excludeID uint) (int64, error) {
	args := m.Called(targetID, typeID, excludeID)
	return args.Get(0).(int64), args.Error(1)
}

func ci(id, modelID uint) *models.CIInstance {
	return &models.CIInstance{ID: id, ModelID: modelID}
}

func TestValidatorAcceptsFreshEdge(t *testing.T) {
	edges := new(mockEdges)
	edges.On("ExistsTriple", uint(1), uint(2), uint(9), uint(0)).Return(false, nil)

	rt := &models.RelationType{ID: 9, Code: "runs_on", Direction: models.DirectionDirected, Cardinality: models.CardinalityManyMany}
	require.NoError(t, NewRelationValidator(edges).Validate(context.Background(), ci(1, 10), ci(2, 20), rt, 0))
	edges.AssertNotCalled(t, "CountFromSource", mock.Anything, mock.Anything, mock.Anything)
}

func TestValidatorRejections(t *testing.T) {
	cases := []struct {
		name   string
		rt     models.RelationType
		source *models.CIInstance
		target *models.CIInstance
		setup  func(m *mockEdges)
		code   appErr.Code
	}{
		{
			name:   "duplicate triple",
			rt:     models.RelationType{ID: 1, Direction: models.DirectionDirected},
			source: ci(1, 10), target: ci(2, 20),
			setup: func(m *mockEdges) {
				m.On("ExistsTriple", uint(1), uint(2), uint(1), uint(0)).Return(true, nil)
			},
			code: appErr.CodeDuplicate,
		},
		{
			name:   "reverse of bidirectional",
			rt:     models.RelationType{ID: 1, Direction: models.DirectionBidirectional},
			source: ci(1, 10), target: ci(2, 20),
			setup: func(m *mockEdges) {
				m.On("ExistsTriple", uint(1), uint(2), uint(1), uint(0)).Return(false, nil)
				m.On("ExistsTriple", uint(2), uint(1), uint(1), uint(0)).Return(true, nil)
			},
			code: appErr.CodeDuplicate,
		},
		{
			name:   "self loop",
			rt:     models.RelationType{ID: 1, Direction: models.DirectionDirected},
			source: ci(1, 10), target: ci(1, 10),
			setup: func(m *mockEdges) {
				m.On("ExistsTriple", uint(1), uint(1), uint(1), uint(0)).Return(false, nil)
			},
			code: appErr.CodeSelfLoopForbidden,
		},
		{
			name:   "source model whitelist",
			rt:     models.RelationType{ID: 1, SourceModelIDs: []uint{11}},
			source: ci(1, 10), target: ci(2, 20),
			setup: func(m *mockEdges) {
				m.On("ExistsTriple", uint(1), uint(2), uint(1), uint(0)).Return(false, nil)
			},
			code: appErr.CodeSourceModelNotAllowed,
		},
		{
			name:   "target model whitelist",
			rt:     models.RelationType{ID: 1, TargetModelIDs: []uint{21, 22}},
			source: ci(1, 10), target: ci(2, 20),
			setup: func(m *mockEdges) {
				m.On("ExistsTriple", uint(1), uint(2), uint(1), uint(0)).Return(false, nil)
			},
			code: appErr.CodeTargetModelNotAllowed,
		},
		{
			name:   "one_one source taken",
			rt:     models.RelationType{ID: 1, Cardinality: models.CardinalityOneOne},
			source: ci(1, 10), target: ci(2, 20),
			setup: func(m *mockEdges) {
				m.On("ExistsTriple", uint(1), uint(2), uint(1), uint(0)).Return(false, nil)
				m.On("CountFromSource", uint(1), uint(1), uint(0)).Return(int64(1), nil)
			},
			code: appErr.CodeCardinalityViolation,
		},
		{
			name:   "one_one target taken",
			rt:     models.RelationType{ID: 1, Cardinality: models.CardinalityOneOne},
			source: ci(1, 10), target: ci(2, 20),
			setup: func(m *mockEdges) {
				m.On("ExistsTriple", uint(1), uint(2), uint(1), uint(0)).Return(false, nil)
				m.On("CountFromSource", uint(1), uint(1), uint(0)).Return(int64(0), nil)
				m.On("CountIntoTarget", uint(2), uint(1), uint(0)).Return(int64(1), nil)
			},
			code: appErr.CodeCardinalityViolation,
		},
		{
			name:   "one_many target already has a source",
			rt:     models.RelationType{ID: 1, Cardinality: models.CardinalityOneMany},
			source: ci(1, 10), target: ci(2, 20),
			setup: func(m *mockEdges) {
				m.On("ExistsTriple", uint(1), uint(2), uint(1), uint(0)).Return(false, nil)
				m.On("CountIntoTarget", uint(2), uint(1), uint(0)).Return(int64(1), nil)
			},
			code: appErr.CodeCardinalityViolation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			edges := new(mockEdges)
			tc.setup(edges)
			err := NewRelationValidator(edges).Validate(context.Background(), tc.source, tc.target, &tc.rt, 0)
			require.Error(t, err)
			require.Equal(t, tc.code, appErr.CodeOf(err))
			require.True(t, appErr.IsRelationConstraint(err))
		})
	}
}

func TestValidatorSelfLoopAllowed(t *testing.T) {
	edges := new(mockEdges)
	edges.On("ExistsTriple", uint(1), uint(1), uint(1), uint(0)).Return(false, nil)
	rt := &models.RelationType{ID: 1, AllowSelfLoop: true}
	require.NoError(t, NewRelationValidator(edges).Validate(context.Background(), ci(1, 10), ci(1, 10), rt, 0))
}

func TestValidatorOneManyAllowsFanOut(t *testing.T) {
	edges := new(mockEdges)
	edges.On("ExistsTriple", uint(1), uint(3), uint(1), uint(0)).Return(false, nil)
	edges.On("CountIntoTarget", uint(3), uint(1), uint(0)).Return(int64(0), nil)
	rt := &models.RelationType{ID: 1, Cardinality: models.CardinalityOneMany}
	require.NoError(t, NewRelationValidator(edges).Validate(context.Background(), ci(1, 10), ci(3, 20), rt, 0))
	edges.AssertNotCalled(t, "CountFromSource", mock.Anything, mock.Anything, mock.Anything)
}

func TestValidatorExcludeIDPassedThrough(t *testing.T) {
	edges := new(mockEdges)
	edges.On("ExistsTriple", uint(1), uint(2), uint(1), uint(77)).Return(false, nil)
	edges.On("CountFromSource", uint(1), uint(1), uint(77)).Return(int64(0), nil)
	edges.On("CountIntoTarget", uint(2), uint(1), uint(77)).Return(int64(0), nil)
	rt := &models.RelationType{ID: 1, Cardinality: models.CardinalityOneOne}
	require.NoError(t, NewRelationValidator(edges).Validate(context.Background(), ci(1, 10), ci(2, 20), rt, 77))
	edges.AssertExpectations(t)
}

func TestValidatorPropagatesStoreErrors(t *testing.T) {
	edges := new(mockEdges)
	edges.On("ExistsTriple", uint(1), uint(2), uint(1), uint(0)).Return(false, errors.New("db down"))
	err := NewRelationValidator(edges).Validate(context.Background(), ci(1, 10), ci(2, 20), &models.RelationType{ID: 1}, 0)
	require.Error(t, err)
	require.False(t, appErr.IsRelationConstraint(err))
}
