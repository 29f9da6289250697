package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GET /api/runs lists in-flight runs from both HTTP and websocket clients.
func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Runs.Snapshot())
}

// DELETE /api/runs/{id}
func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Runs.Cancel(id) {
		writeError(w, http.StatusNotFound, "unknown run "+id)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
