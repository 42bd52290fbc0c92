// Package api assembles the portal HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/api/handlers"
	"github.com/cesfam/portal/internal/api/middleware"
	"github.com/cesfam/portal/internal/identity"
	"github.com/cesfam/portal/internal/observability/metrics"
)

// Config holds what the router needs
type Config struct {
	ServiceName  string
	Organization string
	Service      *identity.Service
	Metrics      *metrics.Metrics
	Checks       []handlers.Check
	Logger       *zap.Logger
}

// NewRouter builds the router with global middleware, probes and the v1 API
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "portal-api"
	}

	var rutObserver handlers.RUTObserver
	if cfg.Metrics != nil {
		rutObserver = cfg.Metrics
	}

	identifierHandler := handlers.NewIdentifierHandler(rutObserver, logger)
	patientHandler := handlers.NewPatientHandler(cfg.Service, cfg.Organization, logger)
	sessionHandler := handlers.NewSessionHandler(cfg.Service, logger)
	healthHandler := handlers.NewHealthHandler(cfg.Checks...)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/rut", identifierHandler.Routes())
		r.Mount("/patients", patientHandler.Routes())
		r.Mount("/sessions", sessionHandler.Routes())
	})

	return r
}
