package handlers

import (
	"net/http"

	"github.com/cmdb-studio/relgraph/internal/services"
)

type RelationTypesHandler struct {
	svc services.RelationTypeService
}

func NewRelationTypesHandler(svc services.RelationTypeService) *RelationTypesHandler {
	return &RelationTypesHandler{svc: svc}
}

func (h *RelationTypesHandler) List(w http.ResponseWriter, r *http.Request) {
	page := pageFrom(r)
	items, total, err := h.svc.List(r.Context(), r.URL.Query().Get("keyword"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePage(w, r, items, page, total)
}

func (h *RelationTypesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in services.RelationTypeInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	rt, err := h.svc.Create(r.Context(), &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, rt)
}

func (h *RelationTypesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rt)
}

func (h *RelationTypesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in services.RelationTypeInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	rt, err := h.svc.Update(r.Context(), id, &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rt)
}

func (h *RelationTypesHandler) Delete(w http.ResponseWriter, r *http.Request) {
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
