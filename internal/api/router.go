package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Service    Arbiter
	Postgres   Pinger
	Redis      Pinger
	Logger     zerolog.Logger
	AuthSecret string
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthSecret))

		r.Get("/availability", availabilityHandler(cfg.Service))
		r.Get("/availability/check", checkSlotHandler(cfg.Service))

		r.Post("/appointments", bookAppointmentHandler(cfg.Service))
		r.Get("/appointments", listAppointmentsHandler(cfg.Service))
		r.Put("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Service))
		r.Put("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))
		r.Put("/appointments/{id}/complete", completeAppointmentHandler(cfg.Service))
	})

	return r
}
