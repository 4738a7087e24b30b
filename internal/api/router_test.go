package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cmdb-studio/relgraph/internal/api/handlers"
	mw "github.com/cmdb-studio/relgraph/internal/api/middleware"
	"github.com/cmdb-studio/relgraph/internal/app"
	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/queue/tasks"
	"github.com/cmdb-studio/relgraph/internal/scan"
	"github.com/cmdb-studio/relgraph/internal/services"
	"github.com/cmdb-studio/relgraph/internal/testutil"
	"github.com/cmdb-studio/relgraph/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("info", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

var testSecret = []byte("router-test-secret")

// inlineDispatcher runs background work before returning so assertions see it.
type inlineDispatcher struct {
	h *tasks.RelationTaskHandler
}

func (d inlineDispatcher) DispatchPropagation(ctx context.Context, req services.PropagationRequest) error {
	return d.h.RunPropagation(ctx, req)
}

func (d inlineDispatcher) DispatchScan(ctx context.Context, req services.ScanRequest) error {
	d.h.RunScan(ctx, req)
	return nil
}

func (d inlineDispatcher) DispatchScheduleSync(ctx context.Context, modelID uint) error {
	return d.h.RunScheduleSync(ctx, modelID)
}

type env struct {
	t       *testing.T
	srv     *httptest.Server
	fx      *testutil.Fixtures
	token   string
	core    *app.Core
	runsOn  uint
	app     models.CIModel
	server  models.CIModel
	webApp  models.CIInstance
	webHost models.CIInstance
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewDB(t)
	core := app.NewCore(db, scan.NewMemoryLocks(), app.Options{ScanBatchSize: 10, ScanConcurrency: 2, TopologyMaxNodes: 100}, zap.NewNop())
	edge := core.WithDispatcher(inlineDispatcher{h: core.TaskHandler(true)})

	router := NewRouter(Dependencies{
		HMACSecret:    testSecret,
		Health:        handlers.NewHealthHandler(map[string]handlers.Check{"database": app.PingDB(db)}),
		RelationTypes: handlers.NewRelationTypesHandler(core.RelationTypes),
		Relations:     handlers.NewRelationsHandler(core.Relations, core.Topology),
		Topology:      handlers.NewTopologyHandler(core.Topology),
		Triggers:      handlers.NewTriggersHandler(core.Triggers),
		Scans:         handlers.NewScansHandler(edge.Scans),
		Events:        handlers.NewEventsHandler(edge.Events),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	fx := testutil.NewFixtures(t, db)
	e := &env{t: t, srv: srv, fx: fx, core: core}
	e.token = e.sign("admin", "all", 1)
	e.app = fx.Model("application")
	e.server = fx.Model("server")
	e.webApp = fx.CI(e.app.ID, "web-app", `{"deploy_ip":"192.168.1.100"}`)
	e.webHost = fx.CI(e.server.ID, "web-host", `{"ip":"192.168.1.100"}`)
	return e
}

func (e *env) sign(role, scope string, uid uint) string {
	claims := mw.Claims{
		Role:  role,
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(uid),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(e.t, err)
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta *struct {
		Total   int64 `json:"total"`
		HasMore bool  `json:"has_more"`
	} `json:"meta"`
}

func (e *env) do(method, path string, body any) (*http.Response, envelope) {
	e.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	res, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer res.Body.Close()

	var env envelope
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		require.NoError(e.t, json.NewDecoder(res.Body).Decode(&env))
	}
	return res, env
}

func (e *env) createRunsOn() {
	res, body := e.do(http.MethodPost, "/api/v1/relation-types", map[string]any{
		"code":        "runs_on",
		"name":        "Runs on",
		"direction":   "directed",
		"cardinality": "many_many",
	})
	require.Equal(e.t, http.StatusCreated, res.StatusCode)
	var rt models.RelationType
	require.NoError(e.t, json.Unmarshal(body.Data, &rt))
	e.runsOn = rt.ID
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t)
	res, err := e.srv.Client().Get(e.srv.URL + "/api/v1/relation-types")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, err = e.srv.Client().Get(e.srv.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRelationTypeLifecycle(t *testing.T) {
	e := newEnv(t)
	e.createRunsOn()

	res, body := e.do(http.MethodPost, "/api/v1/relation-types", map[string]any{"code": "runs_on", "name": "again"})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	require.Equal(t, "conflict", body.Error.Code)

	res, body = e.do(http.MethodPost, "/api/v1/relation-types", map[string]any{"name": "no code"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "invalid", body.Error.Code)

	res, body = e.do(http.MethodGet, "/api/v1/relation-types?keyword=runs", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.EqualValues(t, 1, body.Meta.Total)

	e.fx.Relation(e.webApp.ID, e.webHost.ID, e.runsOn, models.SourceManual)
	res, _ = e.do(http.MethodDelete, fmt.Sprintf("/api/v1/relation-types/%d", e.runsOn), nil)
	require.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = e.do(http.MethodGet, "/api/v1/relation-types/999", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestManualRelationConstraints(t *testing.T) {
	e := newEnv(t)
	e.createRunsOn()

	res, body := e.do(http.MethodPost, "/api/v1/relations", map[string]any{
		"source_ci_id": e.webApp.ID, "target_ci_id": e.webApp.ID, "relation_type_id": e.runsOn,
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "self_loop_forbidden", body.Error.Code)

	res, body = e.do(http.MethodPost, "/api/v1/relations", map[string]any{
		"source_ci_id": e.webApp.ID, "target_ci_id": e.webHost.ID, "relation_type_id": e.runsOn,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var rel models.Relation
	require.NoError(t, json.Unmarshal(body.Data, &rel))
	require.Equal(t, models.SourceManual, rel.SourceType)

	res, body = e.do(http.MethodPost, "/api/v1/relations", map[string]any{
		"source_ci_id": e.webApp.ID, "target_ci_id": e.webHost.ID, "relation_type_id": e.runsOn,
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "duplicate", body.Error.Code)

	res, _ = e.do(http.MethodDelete, fmt.Sprintf("/api/v1/relations/%d", rel.ID), nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Empty(t, e.fx.Relations())
}

func TestTriggerPropagationEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.createRunsOn()

	res, body := e.do(http.MethodPost, "/api/v1/relation-triggers", map[string]any{
		"name":             "app runs on server",
		"source_model_id":  e.app.ID,
		"target_model_id":  e.server.ID,
		"relation_type_id": e.runsOn,
		"trigger_type":     "reference",
		"source_field":     "deploy_ip",
		"target_field":     "ip",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body.Data))
	var tr models.RelationTrigger
	require.NoError(t, json.Unmarshal(body.Data, &tr))

	res, _ = e.do(http.MethodPost, "/api/v1/events/ci-written", map[string]any{"ci_id": e.webApp.ID, "created": true})
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	rels := e.fx.Relations()
	require.Len(t, rels, 1)
	require.Equal(t, e.webApp.ID, rels[0].SourceCIID)
	require.Equal(t, e.webHost.ID, rels[0].TargetCIID)
	require.Equal(t, models.SourceRule, rels[0].SourceType)

	res, body = e.do(http.MethodGet, fmt.Sprintf("/api/v1/instances/%d/relations?depth=2", e.webApp.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var view services.TopologyView
	require.NoError(t, json.Unmarshal(body.Data, &view))
	require.Len(t, view.Outgoing, 1)
	require.Empty(t, view.Incoming)
	require.Len(t, view.Nodes, 2)

	res, body = e.do(http.MethodGet, fmt.Sprintf("/api/v1/relation-triggers/%d/logs", tr.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.EqualValues(t, 1, body.Meta.Total)

	// replaying the write is idempotent
	res, _ = e.do(http.MethodPost, "/api/v1/events/ci-written", map[string]any{"ci_id": e.webApp.ID})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Len(t, e.fx.Relations(), 1)

	res, body = e.do(http.MethodGet, fmt.Sprintf("/api/v1/models/%d/triggers", e.app.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.EqualValues(t, 1, body.Meta.Total)

	res, body = e.do(http.MethodPut, fmt.Sprintf("/api/v1/relation-triggers/%d/toggle", tr.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(body.Data, &tr))
	require.False(t, tr.IsActive)

	res, _ = e.do(http.MethodPost, "/api/v1/events/ci-deleted", map[string]any{"ci_id": e.webHost.ID})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Empty(t, e.fx.Relations())
}

func TestBatchScanAndConfig(t *testing.T) {
	e := newEnv(t)
	e.createRunsOn()
	e.fx.ReferenceTrigger(e.app.ID, e.server.ID, e.runsOn, "deploy_ip", "ip")

	res, _ := e.do(http.MethodPost, fmt.Sprintf("/api/v1/models/%d/batch-scan", e.app.ID), nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Len(t, e.fx.Relations(), 1)

	res, body := e.do(http.MethodGet, fmt.Sprintf("/api/v1/batch-scan/tasks?model_id=%d", e.app.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list []models.BatchScanTask
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list, 1)
	require.Equal(t, models.ScanCompleted, list[0].Status)
	require.Equal(t, 1, list[0].CreatedCount)

	res, _ = e.do(http.MethodGet, fmt.Sprintf("/api/v1/batch-scan/tasks/%d", list[0].ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = e.do(http.MethodPost, "/api/v1/models/999/batch-scan", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = e.do(http.MethodPut, fmt.Sprintf("/api/v1/batch-scan/config/%d", e.app.ID), map[string]any{
		"batch_scan_enabled": true, "batch_scan_cron": "every night",
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "invalid", body.Error.Code)

	res, body = e.do(http.MethodPut, fmt.Sprintf("/api/v1/batch-scan/config/%d", e.app.ID), map[string]any{
		"batch_scan_enabled": true, "batch_scan_cron": "30 1 * * *",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var cfg services.ScanConfigView
	require.NoError(t, json.Unmarshal(body.Data, &cfg))
	require.True(t, cfg.Enabled)
	require.NotNil(t, cfg.NextRunAt)
	require.Equal(t, models.ScanCompleted, cfg.LastRunStatus)
	require.Contains(t, e.core.Scheduler.ListTasks(), "batch_scan_model_"+fmt.Sprint(e.app.ID))

	res, _ = e.do(http.MethodPost, "/api/v1/events/model-deleted", map[string]any{"model_id": e.server.ID})
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestTopologyExportCSV(t *testing.T) {
	e := newEnv(t)
	e.createRunsOn()
	e.fx.Relation(e.webApp.ID, e.webHost.ID, e.runsOn, models.SourceManual)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/topology/export", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	res, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/csv"))
	var buf bytes.Buffer
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "relation_id,source_id,source_name"))
	require.Contains(t, lines[1], "web-app")
	require.Contains(t, lines[1], "runs_on")

	res2, body := e.do(http.MethodGet, "/api/v1/topology?keyword=web", nil)
	require.Equal(t, http.StatusOK, res2.StatusCode)
	var view services.TopologyView
	require.NoError(t, json.Unmarshal(body.Data, &view))
	require.Len(t, view.Edges, 1)
}

func TestInstanceRelationsWithoutDepthListsDirectEdges(t *testing.T) {
	e := newEnv(t)
	rt := e.fx.RelationType("hosted_on", models.CardinalityManyMany, models.DirectionDirected)
	e.fx.Relation(e.webApp.ID, e.webHost.ID, rt.ID, models.SourceManual)

	res, body := e.do(http.MethodGet, fmt.Sprintf("/api/v1/instances/%d/relations", e.webApp.ID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var rels services.CIRelations
	require.NoError(t, json.Unmarshal(body.Data, &rels))
	require.Equal(t, e.webApp.ID, rels.CIID)
	require.Equal(t, 1, rels.OutCount)
	require.Equal(t, e.webHost.ID, rels.Outgoing[0].TargetCIID)
	require.Empty(t, rels.Incoming)
}

func TestSelfScopeHidesOthersCIs(t *testing.T) {
	e := newEnv(t)
	e.token = e.sign("user", "self", 42)

	res, body := e.do(http.MethodGet, fmt.Sprintf("/api/v1/instances/%d/relations", e.webApp.ID), nil)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	require.Equal(t, "forbidden", body.Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.do(http.MethodGet, "/api/v1/relation-types", nil)

	res, err := e.srv.Client().Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "relgraph_http_requests_total{")
	require.Contains(t, string(raw), `route="/api/v1/relation-types/`)
}
