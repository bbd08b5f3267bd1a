package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-arndt/kapsel/internal/config"
)

type Server struct {
	cfg        *config.Config
	packages   PackageService
	containers ContainerLister
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	router     chi.Router
}

// NewServer builds the HTTP API. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(cfg *config.Config, pkgs PackageService, containers ContainerLister, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		packages:   pkgs,
		containers: containers,
		gatherer:   gatherer,
		logger:     logger,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/containers", s.handleListContainers)
		r.Get("/containers/{id}", s.handleGetContainer)

		r.Get("/packages", s.handleListPackages)
		r.Post("/packages", s.handleLoadPackage)
		r.Get("/packages/{pkg}", s.handleGetPackage)
		r.Delete("/packages/{pkg}", s.handleUnloadPackage)
		r.Post("/packages/{pkg}/recycle", s.handleRecyclePackage)
		r.Post("/packages/{pkg}/plugins/{plugin}/execute", s.handleExecute)
	})
	s.router = r
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
