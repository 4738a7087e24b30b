package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cmdb-studio/relgraph/internal/api/middleware"
	"github.com/cmdb-studio/relgraph/internal/services"
	"github.com/cmdb-studio/relgraph/internal/topology"
	"go.uber.org/zap"
)

type TopologyHandler struct {
	svc services.TopologyService
}

func NewTopologyHandler(svc services.TopologyService) *TopologyHandler {
	return &TopologyHandler{svc: svc}
}

func (h *TopologyHandler) Overview(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryUint(r, "model_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ciID, err := queryUint(r, "ci_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := services.OverviewFilter{
		ModelID: modelID,
		CIID:    ciID,
		Keyword: r.URL.Query().Get("keyword"),
		Depth:   queryInt(r, "depth", topology.MaxDepth),
	}
	view, err := h.svc.Overview(r.Context(), f, accessFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, view)
}

var exportHeader = []string{
	"relation_id",
	"source_id", "source_name", "source_code", "source_model",
	"relation_type", "relation_code", "direction",
	"target_id", "target_name", "target_code", "target_model",
	"source_type", "created_at",
}

// Export streams the visible edge table as CSV.
func (h *TopologyHandler) Export(w http.ResponseWriter, r *http.Request) {
	modelID, err := queryUint(r, "model_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := h.svc.ExportEdges(r.Context(), modelID, accessFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	name := fmt.Sprintf("topology-%s.csv", time.Now().UTC().Format("20060102-150405"))
	if modelID != 0 {
		name = fmt.Sprintf("topology-model-%d-%s.csv", modelID, time.Now().UTC().Format("20060102-150405"))
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(exportHeader)
	for _, row := range rows {
		_ = cw.Write([]string{
			u(row.RelationID),
			u(row.SourceID), row.SourceName, row.SourceCode, row.SourceModel,
			row.RelationType, row.RelationCode, string(row.Direction),
			u(row.TargetID), row.TargetName, row.TargetCode, row.TargetModel,
			string(row.Provenance), row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		middleware.LoggerFrom(r.Context()).Warn("topology export interrupted", zap.Error(err))
	}
}

func u(v uint) string { return strconv.FormatUint(uint64(v), 10) }
