package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/parchi/internal/auth"
	"github.com/robertarktes/parchi/internal/idempotency"
	"github.com/robertarktes/parchi/internal/observability"
	"github.com/robertarktes/parchi/internal/rateLimit"
)

type RouterOptions struct {
	Authenticator auth.Authenticator
	RateLimiter   *rateLimit.RateLimiter
	RateLimits    RateLimits
	Idempotency   *idempotency.Idempotency
}

func SetupRouter(h *Handlers, logger observability.Logger, opts RouterOptions) *chi.Mux {
	if opts.Authenticator == nil {
		opts.Authenticator = auth.HeaderAuthenticator{}
	}
	if opts.RateLimits.Period <= 0 {
		opts.RateLimits.Period = time.Minute
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)
		r.Get("/registry", h.GetRegistry)
		r.Get("/events/{eventID}", h.GetEvent)
		r.Get("/tickets/{ticketID}/metadata", h.GetMetadata)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(opts.Authenticator, logger))
			r.Use(RateLimitMiddleware(opts.RateLimiter, opts.RateLimits, logger))
			r.Use(IdempotencyMiddleware(opts.Idempotency, logger))

			r.Post("/registry", h.InitRegistry)
			r.Post("/events", h.CreateEvent)
			r.Patch("/events/{eventID}", h.UpdateEvent)
			r.Post("/events/{eventID}/tickets", h.IssueTicket)
			r.Get("/events/{eventID}/tickets", h.ListTickets)
			r.Post("/events/{eventID}/tickets/claim", h.ClaimTicket)
			r.Get("/events/{eventID}/tickets/{holder}", h.GetTicket)
			r.Get("/events/{eventID}/tickets/{holder}/pass", h.GetPass)
			r.Post("/gate/scan", h.ScanPass)
		})
	})

	return r
}
