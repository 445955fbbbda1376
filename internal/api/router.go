// Package api assembles the HTTP surface of the pharmacy service.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/api/handlers"
	"github.com/drfirst/go-rxcore/internal/api/middleware"
	"github.com/drfirst/go-rxcore/internal/observability/metrics"
	"github.com/drfirst/go-rxcore/pkg/circuitbreaker"
)

// Service is everything the API needs from the lifecycle engine.
type Service interface {
	handlers.PrescriptionService
	handlers.StockService
	handlers.ComplianceService
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// APIKeys maps API keys to client ids. Empty disables authentication.
	APIKeys        map[string]string
	RequestTimeout time.Duration
}

// NewRouter builds the chi router. Probe and metrics endpoints sit outside
// authentication.
func NewRouter(cfg RouterConfig, svc Service, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(breakers, m))
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if len(cfg.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		}
		r.Use(chimw.Timeout(cfg.RequestTimeout))

		r.Mount("/prescriptions", handlers.NewPrescriptionHandler(svc, logger.Named("prescriptions")).Routes())
		r.Mount("/stock", handlers.NewStockHandler(svc, logger.Named("stock")).Routes())
		r.Get("/compliance/summary", handlers.ComplianceSummary(svc))
	})

	return r
}
