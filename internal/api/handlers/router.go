package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/actor"
	"github.com/drfirst/go-medsafe/internal/api/middleware"
	"github.com/drfirst/go-medsafe/internal/domain/prescription"
	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterConfig wires the API.
type RouterConfig struct {
	ServiceName   string
	Version       string
	Safety        *safety.Service
	Prescriptions *prescription.Service
	Inbox         *idempotency.Inbox
	Verifier      *actor.TokenVerifier
	Metrics       *metrics.Metrics
	// Gatherer backs /metrics; nil serves the default gatherer.
	Gatherer prometheus.Gatherer
	// Readiness lists the dependencies checked by /ready.
	Readiness map[string]Pinger
	Logger    *zap.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.Tracing(cfg.ServiceName))

	// Health check (no auth)
	r.Get("/health", health(cfg.ServiceName, cfg.Version))
	r.Get("/ready", ready(cfg.Readiness, logger))
	r.Handle("/metrics", metrics.Handler(cfg.Gatherer))

	safetyHandler := NewSafetyHandler(cfg.Safety, logger)
	prescriptionHandler := NewPrescriptionHandler(cfg.Prescriptions, cfg.Inbox, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.Verifier, logger))
		safetyHandler.Register(r)
		r.Mount("/prescriptions", prescriptionHandler.Routes())
	})

	return r
}

func health(service, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": service,
			"version": version,
		})
	}
}

func ready(deps map[string]Pinger, logger *zap.Logger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for _, name := range names {
			if err := deps[name].Ping(ctx); err != nil {
				logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		state := "ready"
		if status != http.StatusOK {
			state = "not ready"
		}
		writeJSON(w, status, map[string]any{"status": state, "checks": checks})
	}
}
