package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Functions == nil {
		writeError(w, http.StatusServiceUnavailable, "function metadata store not configured")
		return
	}
	fns, err := h.deps.Functions.ListFunctions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, fns)
}

func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution log store not configured")
		return
	}
	functionID := chi.URLParam(r, "id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	execs, err := h.deps.Executions.ListExecutions(r.Context(), functionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"executions": execs,
	})
}
