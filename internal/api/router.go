package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/medidesk/clinic-scheduling/internal/logging"
	"github.com/medidesk/clinic-scheduling/internal/metrics"
	"github.com/medidesk/clinic-scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service  *scheduling.Service
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Env      string
	Version  string
	Logger   *logging.Logger
	Metrics  *metrics.SchedulingMetrics
	Registry *prometheus.Registry
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	// Appointment endpoints
	r.Post("/appointments", createAppointmentHandler(cfg.Service))
	r.Get("/appointments", listAppointmentsHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Put("/appointments/{id}", updateAppointmentHandler(cfg.Service))
	r.Put("/appointments/{id}/confirm", transitionHandler(cfg.Service, scheduling.StatusConfirmed))
	r.Put("/appointments/{id}/complete", transitionHandler(cfg.Service, scheduling.StatusCompleted))
	r.Put("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))
	r.Delete("/appointments/{id}", deleteAppointmentHandler(cfg.Service))

	// Slot inventory endpoints
	r.Get("/appointments/slots/{doctorID}/{date}", getSlotsHandler(cfg.Service))
	r.Put("/availability/{doctorID}/{date}", setAvailabilityHandler(cfg.Service))

	return r
}
