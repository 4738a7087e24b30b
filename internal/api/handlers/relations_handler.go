package handlers

import (
	"net/http"

	"github.com/cmdb-studio/relgraph/internal/api/types"
	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/services"
	"github.com/cmdb-studio/relgraph/internal/topology"
)

// RelationsHandler serves manual edge writes and per-CI relation views.
type RelationsHandler struct {
	relations services.RelationService
	topo      services.TopologyService
}

func NewRelationsHandler(relations services.RelationService, topo services.TopologyService) *RelationsHandler {
	return &RelationsHandler{relations: relations, topo: topo}
}

func (h *RelationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.RelationCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rel, err := h.relations.CreateRelation(r.Context(), req.SourceCIID, req.TargetCIID, req.RelationTypeID, models.SourceManual)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, rel)
}

func (h *RelationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.relations.DeleteRelation(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForInstance returns the direct edges of one CI, or its neighbourhood
// graph when depth is given.
func (h *RelationsHandler) ForInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !r.URL.Query().Has("depth") {
		rels, err := h.relations.ListForCI(r.Context(), id, accessFrom(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, rels)
		return
	}
	depth := queryInt(r, "depth", topology.MinDepth)
	view, err := h.topo.Neighborhood(r.Context(), id, depth, accessFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, view)
}
