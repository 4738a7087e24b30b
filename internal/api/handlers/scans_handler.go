package handlers

import (
	"net/http"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	"github.com/cmdb-studio/relgraph/internal/services"
)

const modelHistoryLimit = 20

type ScansHandler struct {
	svc services.ScanService
}

func NewScansHandler(svc services.ScanService) *ScansHandler {
	return &ScansHandler{svc: svc}
}

// Start queues a manual rescan. A model already being scanned is reported on
// the resulting task, not here.
func (h *ScansHandler) Start(w http.ResponseWriter, r *http.Request) {
	modelID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.RequestScan(r.Context(), modelID, callerID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, map[string]any{"model_id": modelID, "status": "accepted"})
}

func (h *ScansHandler) ModelHistory(w http.ResponseWriter, r *http.Request) {
	modelID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := h.svc.ListModelTasks(r.Context(), modelID, models.ScanStatus(r.URL.Query().Get("status")), modelHistoryLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, items)
}

func (h *ScansHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	f := repository.ScanTaskFilter{
		Status:        models.ScanStatus(r.URL.Query().Get("status")),
		TriggerSource: models.ScanSource(r.URL.Query().Get("trigger_source")),
		Page:          pageFrom(r),
	}
	var err error
	if f.ModelID, err = queryUint(r, "model_id"); err != nil {
		writeError(w, r, err)
		return
	}
	items, total, err := h.svc.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePage(w, r, items, f.Page, total)
}

func (h *ScansHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	task, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, task)
}

func (h *ScansHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	modelID, err := pathID(r, "model_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.svc.GetConfig(r.Context(), modelID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, view)
}

func (h *ScansHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	modelID, err := pathID(r, "model_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in services.ScanConfigInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.svc.UpdateConfig(r.Context(), modelID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, view)
}
