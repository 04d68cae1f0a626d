/*
server.go - HTTP server configuration and routing

PURPOSE:
  Configures the chi router with middleware and all API routes.

MIDDLEWARE STACK:
  1. RequestID  - Unique ID per request (for tracing)
  2. RealIP     - Client address from proxy headers
  3. httplog    - ECS request logging with the request id
  4. Recoverer  - Panic recovery (returns 500)
  5. CORS       - Cross-origin requests from the configured origins
  6. RateLimit  - Per-client token bucket (429 when exhausted)

ROUTE STRUCTURE:
  /api
    /health
    /leave-types, /settings, /blackouts, /holidays
    /employees
    /requests
    /admin

  Full endpoint list in handlers.go.

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: Per-client limiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"
)

type RouterOptions struct {
	Logger *slog.Logger

	// CORSOrigins defaults to the local development origins.
	CORSOrigins []string

	// RateLimitPerMinute per client address; 0 disables limiting.
	RateLimitPerMinute int
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:3000"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelInfo,
		Schema: httplog.SchemaECS,
		Skip: func(req *http.Request, respStatus int) bool {
			return req.URL.Path == "/api/health" && respStatus == http.StatusOK
		},
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if opts.RateLimitPerMinute > 0 {
		r.Use(RateLimit(NewClientLimiter(opts.RateLimitPerMinute)))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/leave-types", func(r chi.Router) {
			r.Get("/", h.ListLeaveTypes)
			r.Post("/", h.SaveLeaveType)
			r.Post("/validate", h.ValidateLeaveType)
			r.Get("/{id}", h.GetLeaveType)
		})

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)

		r.Route("/blackouts", func(r chi.Router) {
			r.Get("/", h.ListBlackouts)
			r.Post("/", h.SaveBlackout)
			r.Put("/{id}/enabled", h.SetBlackoutEnabled)
		})

		r.Post("/holidays", h.SaveHoliday)

		r.Route("/employees", func(r chi.Router) {
			r.Post("/", h.CreateEmployee)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetEmployee)
				r.Get("/balances", h.GetBalances)
				r.Get("/ledger", h.GetLedger)
				r.Get("/requests", h.ListEmployeeRequests)
				r.Get("/comp-off", h.ListCompOff)
				r.Post("/comp-off", h.GrantCompOff)
				r.Post("/encash", h.Encash)
			})
		})

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.SubmitRequest)
			r.Post("/evaluate", h.EvaluateRequest)
			r.Get("/pending", h.ListPendingRequests)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRequest)
				r.Post("/submit", h.SubmitDraft)
				r.Post("/decision", h.DecideRequest)
				r.Post("/cancel", h.CancelRequest)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/runs", h.ListRuns)
			r.Post("/runs/accrual", h.RunAccrual)
			r.Post("/runs/year-end", h.RunYearEnd)
			r.Post("/comp-off/expire", h.ExpireCompOff)
			r.Post("/escalations/tick", h.TickEscalations)
			r.Post("/catalog", h.ApplyCatalog)
		})
	})

	return r
}
