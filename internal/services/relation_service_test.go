package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmdb-studio/relgraph/internal/models"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
)

func TestEnsureRelationConcurrentCallsCreateOnce(t *testing.T) {
	s := newStack(t)
	app := s.fx.Model("application")
	srv := s.fx.Model("server")
	rt := s.fx.RelationType("runs_on", models.CardinalityManyMany, models.DirectionDirected)
	a := s.fx.CI(app.ID, "a", "")
	b := s.fx.CI(srv.ID, "b", "")

	const n = 8
	var wg sync.WaitGroup
	created := make(chan bool, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.store.EnsureRelation(context.Background(), &a, &b, rt.ID, models.SourceRule)
			created <- ok
			errs <- err
		}()
	}
	wg.Wait()
	close(created)
	close(errs)

	wins := 0
	for ok := range created {
		if ok {
			wins++
		}
	}
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, wins)
	require.Len(t, s.fx.Relations(), 1)
}

func TestEnsureRelationBidirectionalReverseCountsAsPresent(t *testing.T) {
	s := newStack(t)
	m := s.fx.Model("server")
	rt := s.fx.RelationType("peers", models.CardinalityManyMany, models.DirectionBidirectional)
	a := s.fx.CI(m.ID, "a", "")
	b := s.fx.CI(m.ID, "b", "")
	s.fx.Relation(b.ID, a.ID, rt.ID, models.SourceManual)

	rel, created, err := s.store.EnsureRelation(context.Background(), &a, &b, rt.ID, models.SourceRule)
	require.NoError(t, err)
	require.False(t, created)
	require.Nil(t, rel)
	require.Len(t, s.fx.Relations(), 1)
}

func TestEnsureRelationReportsConstraintFailures(t *testing.T) {
	s := newStack(t)
	m := s.fx.Model("server")
	rt := s.fx.RelationType("primary_of", models.CardinalityOneOne, models.DirectionDirected)
	a := s.fx.CI(m.ID, "a", "")
	b := s.fx.CI(m.ID, "b", "")
	c := s.fx.CI(m.ID, "c", "")
	s.fx.Relation(a.ID, b.ID, rt.ID, models.SourceManual)

	_, created, err := s.store.EnsureRelation(context.Background(), &a, &c, rt.ID, models.SourceRule)
	require.False(t, created)
	require.True(t, appErr.IsCode(err, appErr.CodeCardinalityViolation))
}

func TestCreateRelationMissingEndpoints(t *testing.T) {
	s := newStack(t)
	m := s.fx.Model("server")
	rt := s.fx.RelationType("runs_on", models.CardinalityManyMany, models.DirectionDirected)
	a := s.fx.CI(m.ID, "a", "")

	_, err := s.store.CreateRelation(context.Background(), a.ID, 999, rt.ID, models.SourceManual)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	b := s.fx.CI(m.ID, "b", "")
	_, err = s.store.CreateRelation(context.Background(), a.ID, b.ID, 999, models.SourceManual)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestListAndDeleteForCI(t *testing.T) {
	s := newStack(t)
	m := s.fx.Model("server")
	rt := s.fx.RelationType("links", models.CardinalityManyMany, models.DirectionDirected)
	a := s.fx.CI(m.ID, "a", "")
	b := s.fx.CI(m.ID, "b", "")
	c := s.fx.CI(m.ID, "c", "")
	s.fx.Relation(a.ID, b.ID, rt.ID, models.SourceManual)
	s.fx.Relation(c.ID, a.ID, rt.ID, models.SourceRule)
	s.fx.Relation(b.ID, c.ID, rt.ID, models.SourceRule)

	ctx := context.Background()
	got, err := s.store.ListForCI(ctx, a.ID, FullAccess)
	require.NoError(t, err)
	require.Len(t, got.Outgoing, 1)
	require.Len(t, got.Incoming, 1)
	require.Equal(t, 1, got.OutCount)
	require.Equal(t, 1, got.InCount)
	require.Equal(t, b.ID, got.Outgoing[0].TargetCIID)
	require.Equal(t, c.ID, got.Incoming[0].SourceCIID)

	n, err := s.store.DeleteRelationsForCI(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	rest := s.fx.Relations()
	require.Len(t, rest, 1)
	require.Equal(t, b.ID, rest[0].SourceCIID)

	require.True(t, appErr.IsCode(s.store.DeleteRelation(ctx, 12345), appErr.CodeNotFound))
}

func TestListForCIHonoursScope(t *testing.T) {
	s := newStack(t)
	m := s.fx.Model("server")
	rt := s.fx.RelationType("links", models.CardinalityManyMany, models.DirectionDirected)
	a := s.fx.CI(m.ID, "a", "")
	b := s.fx.CI(m.ID, "b", "")
	c := s.fx.CI(m.ID, "c", "")
	s.fx.Relation(a.ID, b.ID, rt.ID, models.SourceManual)
	s.fx.Relation(c.ID, a.ID, rt.ID, models.SourceRule)
	for id, dept := range map[uint]uint{a.ID: 1, b.ID: 1, c.ID: 2} {
		require.NoError(t, s.db.Model(&models.CIInstance{}).Where("id = ?", id).Update("department_id", dept).Error)
	}

	ctx := context.Background()
	dept1 := Access{UserID: 9, Scope: ScopeDepartment, DepartmentIDs: []uint{1}}
	got, err := s.store.ListForCI(ctx, a.ID, dept1)
	require.NoError(t, err)
	require.Equal(t, 1, got.OutCount)
	require.Zero(t, got.InCount, "edge from another department is hidden")
	require.Empty(t, got.Incoming)

	dept2 := Access{UserID: 9, Scope: ScopeDepartment, DepartmentIDs: []uint{2}}
	_, err = s.store.ListForCI(ctx, a.ID, dept2)
	require.True(t, appErr.IsCode(err, appErr.CodeForbidden))

	_, err = s.store.ListForCI(ctx, 4242, FullAccess)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}
