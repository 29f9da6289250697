package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lianghan-Zhang/ecse-test/internal/advisor"
	"github.com/Lianghan-Zhang/ecse-test/internal/protocol"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// Handler holds shared resources injected from app.Server.
type Handler struct {
	// Advisor is the template for every run; requests copy it and apply
	// their own options.
	Advisor *advisor.Advisor
	// Catalog, when set, supplies the current schema metadata and takes
	// precedence over Advisor.Meta.
	Catalog  func() *richcatalog.Meta
	Runs     *protocol.Registry
	Gatherer prometheus.Gatherer
}

func SetupRoutes(h *Handler) http.Handler {
	if h.Runs == nil {
		h.Runs = protocol.NewRegistry()
	}
	gatherer := h.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	r.Get("/healthz", handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", h.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/advise", h.handleAdvise)
		r.Get("/catalog", h.handleCatalog)
		r.Get("/runs", h.handleRuns)
		r.Delete("/runs/{id}", h.handleCancelRun)
	})

	return r
}
