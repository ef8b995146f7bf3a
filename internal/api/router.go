package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hackgods/hams-appointments/internal/auth"
	"github.com/hackgods/hams-appointments/internal/metrics"
)

type RouterConfig struct {
	Appointments AppointmentService
	Slots        SlotService
	Verifier     *auth.Verifier
	Health       *HealthHandler
	Logger       *zap.Logger
	Metrics      *metrics.Collector

	RateLimitRPS   float64
	RateLimitBurst int

	MeetingBaseURL string
	Location       *time.Location // clinic zone, decides what "today" is
	Now            func() time.Time
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger.Named("http")

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log, cfg.Metrics))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	appts := &appointmentHandlers{svc: cfg.Appointments, log: log, meetingBaseURL: cfg.MeetingBaseURL}
	slots := &slotHandlers{svc: cfg.Slots, log: log, loc: cfg.Location, now: cfg.Now}

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier, log))

		r.Route("/appointments", func(r chi.Router) {
			r.Use(RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, log))

			r.Post("/", appts.book)
			r.Get("/", appts.list)
			r.Get("/{id}", appts.get)
			r.Get("/{id}/detail", appts.detail)
			r.Post("/{id}/respond", appts.respond())
			r.Post("/{id}/confirm", appts.confirm())
			r.Post("/{id}/reschedule-request", appts.requestReschedule())
			r.Post("/{id}/reschedule-decision", appts.decideReschedule())
			r.Post("/{id}/reschedule", appts.reschedule())
			r.Post("/{id}/cancel", appts.cancel())
			r.Post("/{id}/complete", appts.complete())
			r.Post("/{id}/reject", appts.reject())
			r.Post("/{id}/incomplete", appts.markIncomplete())
		})

		r.Route("/providers/{id}", func(r chi.Router) {
			r.Get("/slots", slots.availability)
			r.Get("/slots/{date}", slots.get)
			r.Put("/slots/{date}", slots.set)
			r.Get("/booked-slots", slots.booked)
		})
	})

	return r
}
