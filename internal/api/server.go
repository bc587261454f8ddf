// Package api exposes the sync engine and settlement service over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-logbook/internal/api/handlers"
	"github.com/dvloznov/finance-logbook/internal/api/middleware"
	"github.com/dvloznov/finance-logbook/internal/jobs"
)

// Deps are the services the server routes to. Settlements and Runs may be nil,
// which leaves their routes unmounted.
type Deps struct {
	Syncer      handlers.Syncer
	Queue       handlers.Queue
	Watermarks  handlers.Watermarks
	Runs        jobs.RunStore
	Settlements handlers.SettlementService
	// AfterSettlement runs after every settlement write.
	AfterSettlement func()
}

// Server is the logbook HTTP API.
type Server struct {
	deps           Deps
	log            zerolog.Logger
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(deps Deps, log zerolog.Logger) *Server {
	return &Server{deps: deps, log: log}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(s.log))
	r.Use(middleware.Logger(s.log))
	r.Use(middleware.CORS("*"))
	r.Use(chimw.Timeout(2 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	syncHandler := handlers.NewSyncHandler(s.deps.Syncer, s.deps.Queue, s.deps.Watermarks, s.deps.Runs)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync", syncHandler.Trigger)
		r.Get("/sync/status", syncHandler.Status)
		if s.deps.Runs != nil {
			r.Get("/sync/runs", syncHandler.ListRuns)
			r.Get("/sync/runs/{id}", syncHandler.GetRun)
		}

		if s.deps.Settlements != nil {
			settlements := handlers.NewSettlementsHandler(s.deps.Settlements, s.deps.AfterSettlement)
			r.Post("/settlements", settlements.Record)
			r.Delete("/settlements/{id}", settlements.Remove)
		}
	})

	return r
}
