package handlers

import (
	"net/http"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	"github.com/cmdb-studio/relgraph/internal/services"
)

type TriggersHandler struct {
	svc services.TriggerService
}

func NewTriggersHandler(svc services.TriggerService) *TriggersHandler {
	return &TriggersHandler{svc: svc}
}

func (h *TriggersHandler) List(w http.ResponseWriter, r *http.Request) {
	var f repository.TriggerFilter
	var err error
	if f.SourceModelID, err = queryUint(r, "source_model_id"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.TargetModelID, err = queryUint(r, "target_model_id"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.RelationTypeID, err = queryUint(r, "relation_type_id"); err != nil {
		writeError(w, r, err)
		return
	}
	f.IsActive = queryBool(r, "is_active")
	f.Page = pageFrom(r)

	items, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePage(w, r, items, f.Page, total)
}

// ForModel lists triggers whose source is the model in the path.
func (h *TriggersHandler) ForModel(w http.ResponseWriter, r *http.Request) {
	modelID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := repository.TriggerFilter{SourceModelID: modelID, IsActive: queryBool(r, "is_active"), Page: pageFrom(r)}
	items, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePage(w, r, items, f.Page, total)
}

func (h *TriggersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in services.TriggerInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.svc.Create(r.Context(), &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, t)
}

func (h *TriggersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, t)
}

func (h *TriggersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in services.TriggerInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.svc.Update(r.Context(), id, &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, t)
}

func (h *TriggersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TriggersHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.svc.Toggle(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, t)
}

func (h *TriggersHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.svc.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	f := repository.LogFilter{TriggerID: id, Status: models.ExecutionStatus(r.URL.Query().Get("status")), Page: pageFrom(r)}
	if f.SourceCIID, err = queryUint(r, "source_ci_id"); err != nil {
		writeError(w, r, err)
		return
	}
	items, total, err := h.svc.ListLogs(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePage(w, r, items, f.Page, total)
}
