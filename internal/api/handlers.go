package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Lianghan-Zhang/ecse-test/internal/advisor"
	"github.com/Lianghan-Zhang/ecse-test/internal/logutil"
	"github.com/Lianghan-Zhang/ecse-test/internal/protocol"
	"github.com/Lianghan-Zhang/ecse-test/pkg/mvemit"
	"github.com/Lianghan-Zhang/ecse-test/pkg/qbextract"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

const maxAdviseBody = 8 << 20

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /api/advise
// Body: {"queries": {"q1.sql": "SELECT ..."}, "options": {...}}
// Response: the run report as JSON, or mv_candidates.sql with ?format=sql.
func (h *Handler) handleAdvise(w http.ResponseWriter, r *http.Request) {
	log := logutil.FromContext(r.Context())

	var req protocol.AdviseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdviseBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Queries) == 0 {
		writeError(w, http.StatusBadRequest, "no queries")
		return
	}
	a, err := h.advisorFor(r.Context(), req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if err := h.Runs.Add(id, len(req.Queries), cancel); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer h.Runs.Remove(id)

	rep, err := a.Run(ctx, qbextract.FromMap(req.Queries))
	if err != nil {
		log.Warn("advise failed", zap.String("request_id", id), zap.Error(err))
		if errors.Is(err, context.Canceled) {
			writeError(w, http.StatusServiceUnavailable, "run cancelled")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "sql" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := mvemit.WriteSQL(w, rep.Candidates); err != nil {
			log.Warn("write response", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GET /api/catalog
// Response: the catalog summary, or the full snapshot with ?full=1.
func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	meta := h.meta()
	if meta == nil {
		writeError(w, http.StatusServiceUnavailable, advisor.ErrNoSchema.Error())
		return
	}
	if r.URL.Query().Get("full") != "" {
		w.Header().Set("Content-Type", "application/json")
		if err := meta.Snapshot().ExportJSON(w); err != nil {
			logutil.FromContext(r.Context()).Warn("write response", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, meta.Summary())
}

// advisorFor copies the template advisor for one request.
func (h *Handler) advisorFor(ctx context.Context, opts *protocol.Options) (*advisor.Advisor, error) {
	a := *h.Advisor
	cfg, err := opts.Apply(a.Config)
	if err != nil {
		return nil, err
	}
	a.Config = cfg
	a.Meta = h.meta()
	a.Logger = logutil.FromContext(ctx)
	return &a, nil
}

func (h *Handler) meta() *richcatalog.Meta {
	if h.Catalog != nil {
		return h.Catalog()
	}
	return h.Advisor.Meta
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
