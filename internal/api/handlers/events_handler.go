package handlers

import (
	"net/http"

	"github.com/cmdb-studio/relgraph/internal/api/types"
	"github.com/cmdb-studio/relgraph/internal/services"
)

// EventsHandler receives CI lifecycle notifications from the CMDB core.
type EventsHandler struct {
	svc services.CIEventService
}

func NewEventsHandler(svc services.CIEventService) *EventsHandler {
	return &EventsHandler{svc: svc}
}

// CIWritten always answers 202 once the body is valid; propagation problems
// never reach the writer.
func (h *EventsHandler) CIWritten(w http.ResponseWriter, r *http.Request) {
	var ev types.CIWrittenEvent
	if err := decode(r, &ev); err != nil {
		writeError(w, r, err)
		return
	}
	h.svc.OnCIWritten(r.Context(), services.PropagationRequest{CIID: ev.CIID, Created: ev.Created, OldAttributes: ev.OldAttributes})
	writeData(w, r, http.StatusAccepted, map[string]any{"ci_id": ev.CIID})
}

func (h *EventsHandler) CIDeleted(w http.ResponseWriter, r *http.Request) {
	var ev types.CIDeletedEvent
	if err := decode(r, &ev); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.svc.OnCIDeleted(r.Context(), ev.CIID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"ci_id": ev.CIID, "relations_deleted": n})
}

func (h *EventsHandler) ModelDeleted(w http.ResponseWriter, r *http.Request) {
	var ev types.ModelDeletedEvent
	if err := decode(r, &ev); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.svc.OnModelDeleted(r.Context(), ev.ModelID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"model_id": ev.ModelID, "triggers_deactivated": n})
}
