package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/observability/metrics"
	"github.com/hackgods/telemed-scheduling/internal/payments"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Booking      *booking.Orchestrator
	Availability *availability.Service
	Payments     *payments.Reconciler
	Webhook      *payments.StripeWebhookHandler

	Postgres Pinger
	Redis    Pinger

	JWTSecret      string
	Env            string
	Version        string
	MetricsHandler http.Handler
	Metrics        *metrics.SchedulingMetrics
	Logger         *logging.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger, cfg.Metrics))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Webhook != nil {
		r.Post("/webhooks/stripe", cfg.Webhook.Handle)
	}

	authFailed := func(w http.ResponseWriter, r *http.Request, err error) {
		writeDomainError(w, r, logger, err)
	}

	// Public routes; a bearer token is honoured when present.
	r.Group(func(public chi.Router) {
		public.Use(auth.Middleware(cfg.JWTSecret, false, authFailed))

		public.Get("/availability", listBookableHandler(cfg.Availability, logger))
		public.Post("/appointments", createAppointmentHandler(cfg.Booking, cfg.Appointments, logger))

		public.Route("/manage/{token}", func(m chi.Router) {
			m.Get("/", getManagedAppointmentHandler(cfg.Appointments, logger))
			m.Post("/cancel", cancelManagedAppointmentHandler(cfg.Appointments, logger))
			m.Post("/reschedule", rescheduleManagedAppointmentHandler(cfg.Appointments, logger))
		})
	})

	r.Group(func(private chi.Router) {
		private.Use(auth.Middleware(cfg.JWTSecret, true, authFailed))

		private.Get("/appointments", listAppointmentsHandler(cfg.Appointments, logger))
		private.Route("/appointments/{id}", func(a chi.Router) {
			a.Get("/", getAppointmentHandler(cfg.Appointments, logger))
			a.Delete("/", deleteAppointmentHandler(cfg.Appointments, logger))
			a.Post("/confirm", confirmAppointmentHandler(cfg.Appointments, logger))
			a.Post("/complete", completeAppointmentHandler(cfg.Appointments, logger))
			a.Post("/cancel", cancelAppointmentHandler(cfg.Appointments, logger))
			a.Post("/reschedule", rescheduleAppointmentHandler(cfg.Appointments, logger))
		})

		private.Route("/doctors/{id}/availability", func(d chi.Router) {
			d.Post("/", publishAvailabilityHandler(cfg.Availability, logger))
			d.Delete("/", clearDoctorHandler(cfg.Availability, logger))
			d.Post("/copy", copyScheduleHandler(cfg.Availability, logger))
			d.Get("/{day}", getAvailabilityHandler(cfg.Availability, logger))
			d.Put("/{day}", replaceSlotsHandler(cfg.Availability, logger))
			d.Delete("/{day}", deleteDayHandler(cfg.Availability, logger))
			d.Post("/{day}/deactivate", deactivateDayHandler(cfg.Availability, logger))
			d.Post("/{day}/slots/{slot}", addSlotHandler(cfg.Availability, logger))
			d.Delete("/{day}/slots/{slot}", removeSlotHandler(cfg.Availability, logger))
		})

		if cfg.Payments != nil {
			private.Post("/payments/sessions", createPaymentSessionHandler(cfg.Payments, logger))
			private.Post("/payments/sessions/{session}/reconcile", reconcileSessionHandler(cfg.Payments, logger))
			private.Get("/admin/payments", listPaymentIntentsHandler(cfg.Payments, logger))
		}
	})

	return r
}
