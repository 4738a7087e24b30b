package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cmdb-studio/relgraph/internal/api/middleware"
	"github.com/cmdb-studio/relgraph/internal/api/types"
	"github.com/cmdb-studio/relgraph/internal/api/validators"
	"github.com/cmdb-studio/relgraph/internal/repository"
	"github.com/cmdb-studio/relgraph/internal/services"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, types.OK(middleware.GetRequestID(r.Context()), data))
}

func writePage(w http.ResponseWriter, r *http.Request, data any, page repository.Page, total int64) {
	writeJSON(w, http.StatusOK, types.Page(middleware.GetRequestID(r.Context()), data, page.Page, page.PageSize, total))
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := types.StatusFor(err)
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(r.Context()).Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, types.Fail(middleware.GetRequestID(r.Context()), types.FromAppError(err)))
}

// decode reads a JSON body into dst and runs struct validation.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return appErr.New(appErr.CodeInvalid, "request body is empty")
		}
		return appErr.Wrap(err, appErr.CodeInvalid, "invalid json")
	}
	if err := validators.New().Struct(dst); err != nil {
		e := appErr.New(appErr.CodeInvalid, "validation failed")
		for k, v := range validators.Describe(err) {
			e.WithMeta(k, v)
		}
		return e
	}
	return nil
}

func pathID(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, appErr.Newf(appErr.CodeInvalid, "invalid %s %q", name, raw)
	}
	return uint(id), nil
}

// queryUint returns 0 when the parameter is absent.
func queryUint(r *http.Request, name string) (uint, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, appErr.Newf(appErr.CodeInvalid, "invalid %s %q", name, raw)
	}
	return uint(v), nil
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, name string) *bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

func pageFrom(r *http.Request) repository.Page {
	return repository.Page{Page: queryInt(r, "page", 1), PageSize: queryInt(r, "page_size", 0)}.Normalize()
}

// accessFrom derives data visibility from the authenticated caller. Unknown
// scopes fall back to the caller's own CIs.
func accessFrom(r *http.Request) services.Access {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		return services.Access{Scope: services.ScopeSelf}
	}
	a := services.Access{UserID: p.UserID, Admin: p.IsAdmin(), DepartmentIDs: p.DepartmentIDs}
	switch services.DataScope(p.Scope) {
	case services.ScopeAll, services.ScopeDepartment:
		a.Scope = services.DataScope(p.Scope)
	default:
		a.Scope = services.ScopeSelf
	}
	return a
}

func callerID(r *http.Request) *uint {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok || p.UserID == 0 {
		return nil
	}
	id := p.UserID
	return &id
}
