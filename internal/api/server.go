// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/jobcost/internal/audit"
	"github.com/sells-group/jobcost/internal/config"
	"github.com/sells-group/jobcost/internal/estimate"
	"github.com/sells-group/jobcost/internal/ledger"
	"github.com/sells-group/jobcost/internal/model"
	"github.com/sells-group/jobcost/internal/progress"
	"github.com/sells-group/jobcost/internal/rollup"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the domain services the handlers call into.
type Services struct {
	Store     Pinger
	Estimates *estimate.Service
	Progress  *progress.Tracker
	Ledger    *ledger.Service
	Rollup    *rollup.Aggregator
	Audit     *audit.Logger
}

// Server routes HTTP requests to the domain services.
type Server struct {
	cfg config.ServerConfig
	svc Services
}

// NewServer creates an API server.
func NewServer(cfg config.ServerConfig, svc Services) *Server {
	return &Server{cfg: cfg, svc: svc}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: s.allowedHeaders(),
		MaxAge:         300,
	}))
	r.Use(rateLimit(s.cfg.RateLimit, s.cfg.RateBurst))

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(identify(s.cfg))

		r.Get("/dashboard", s.dashboard)
		r.Get("/audit", s.listAudit)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/phases", s.phaseSummary)
			r.Get("/totals", s.projectTotals)
			r.Get("/estimates", s.listEstimates)
			r.Get("/estimates/history", s.estimateHistory)
			r.Get("/progress", s.listProgress)
			r.Get("/phases/{phaseID}/progress", s.getProgress)

			r.With(requireActor).Post("/estimates", s.createEstimate)
			r.With(requireActor).Put("/phases/{phaseID}/progress", s.setProgress)
			r.With(requireActor).Put("/active", s.setProjectActive)
		})

		r.Get("/estimates/{estimateID}", s.getEstimate)
		r.With(requireActor).Patch("/estimates/{estimateID}", s.updateEstimate)
		r.With(requireActor).Delete("/estimates/{estimateID}", s.deleteEstimate)

		r.With(requireActor).Put("/invoices/{actualID}/phase", s.assignPhase(model.ActualInvoice))
		r.With(requireActor).Put("/bills/{actualID}/phase", s.assignPhase(model.ActualBill))
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  seconds(s.cfg.ReadTimeoutSecs, 15),
		WriteTimeout: seconds(s.cfg.WriteTimeoutSecs, 30),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) allowedHeaders() []string {
	h := []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"}
	if s.cfg.ActorHeader != "" {
		h = append(h, s.cfg.ActorHeader)
	}
	return h
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
