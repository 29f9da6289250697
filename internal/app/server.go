package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Lianghan-Zhang/ecse-test/internal/advisor"
	"github.com/Lianghan-Zhang/ecse-test/internal/api"
	"github.com/Lianghan-Zhang/ecse-test/internal/config"
	"github.com/Lianghan-Zhang/ecse-test/internal/metrics"
	"github.com/Lianghan-Zhang/ecse-test/internal/protocol"
	"github.com/Lianghan-Zhang/ecse-test/internal/tpcds"
	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

type Server struct {
	httpServer *http.Server
	Registry   *protocol.Registry
	Catalog    *richcatalog.DBCatalog // nil when the schema comes from a file
	Advisor    *advisor.Advisor

	cfg config.Config
	log *zap.Logger
}

// NewServer loads the schema (introspecting the database when a DSN is
// configured) and wires the advisor behind the HTTP routes.
func NewServer(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		Registry: protocol.NewRegistry(),
		Advisor:  &advisor.Advisor{Config: cfg, Logger: log, Metrics: metrics.New(reg)},
		cfg:      cfg,
		log:      log,
	}
	h := &api.Handler{Advisor: s.Advisor, Runs: s.Registry, Gatherer: reg}

	if cfg.Catalog.DSN != "" {
		rc, err := richcatalog.Open(cfg.Catalog.DSN, richcatalog.Options{Schemas: cfg.Catalog.Schemas})
		if err != nil {
			return nil, err
		}
		if err := rc.Refresh(ctx); err != nil {
			return nil, multierr.Append(errors.Wrap(err, "introspect catalog"), rc.Close())
		}
		s.Catalog = rc
		s.Advisor.Meta = rc.Meta()
		h.Catalog = rc.Meta
	} else {
		meta, err := tpcds.Load(cfg.Catalog.SchemaMeta)
		if err != nil {
			return nil, errors.Wrap(err, "load schema")
		}
		s.Advisor.Meta = meta
	}
	log.Info("catalog loaded",
		zap.String("checksum", s.Advisor.Meta.Checksum()),
		zap.Int("tables", len(s.Advisor.Meta.Tables())),
		zap.Bool("live", s.Catalog != nil),
	)

	s.httpServer = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.SetupRoutes(h),
	}
	return s, nil
}

// Run listens on the configured address until ctx ends or the process gets
// SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.Catalog != nil && s.cfg.Catalog.Refresh > 0 {
		stop := s.Catalog.StartAutoRefresh(ctx, richcatalog.AutoRefresh{
			Interval: s.cfg.Catalog.Refresh,
			OnChange: func(m *richcatalog.Meta) {
				s.log.Info("catalog changed", zap.String("checksum", m.Checksum()))
			},
			OnError: func(err error) {
				s.log.Warn("catalog refresh failed", zap.Error(err))
			},
		})
		defer stop()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case sig := <-quit:
		s.log.Info("shutting down", zap.Stringer("signal", sig))
	case <-ctx.Done():
		s.log.Info("shutting down", zap.Error(ctx.Err()))
	}

	if n := s.Registry.CancelAll(); n > 0 {
		s.log.Info("cancelled in-flight runs", zap.Int("runs", n))
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer stop()
	err := s.httpServer.Shutdown(shutdownCtx)
	<-errCh
	return err
}

// Close releases the live catalog connection, if any.
func (s *Server) Close() error {
	if s.Catalog != nil {
		return s.Catalog.Close()
	}
	return nil
}
