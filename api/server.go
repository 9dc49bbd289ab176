/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     zap request log (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/users/*      Earn, spend, balance, history, forecast
  /api/entries/*    Entry lifecycle
  /api/orders/*     Refunds
  /api/grades/*     Grade benefits
  /api/admin/*      Policies, sweep, expiry extension, reconcile (JWT)
  /health           Liveness
  /metrics          Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Admin guard
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig carries the router's optional collaborators.
type RouterConfig struct {
	// JWTSecret guards /api/admin. Empty leaves it open.
	JWTSecret []byte
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/earn", h.Earn)
			r.Post("/spend", h.Spend)
			r.Get("/balance", h.GetBalance)
			r.Get("/entries", h.GetEntries)
			r.Get("/expiring", h.GetExpiring)
		})

		r.Route("/entries/{id}", func(r chi.Router) {
			r.Get("/", h.GetEntry)
			r.Post("/activate", h.ActivateEntry)
			r.Post("/cancel", h.CancelEntry)
			r.Post("/lock", h.LockEntry)
			r.Post("/unlock", h.UnlockEntry)
		})

		r.Post("/orders/{orderID}/refund", h.Refund)
		r.Get("/grades/{grade}", h.GetGradeBenefits)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(cfg.JWTSecret))

			r.Route("/policies", func(r chi.Router) {
				r.Get("/", h.ListPolicies)
				r.Post("/", h.CreatePolicy)
				r.Get("/active", h.GetActivePolicy)
				r.Get("/{id}", h.GetPolicy)
				r.Put("/{id}", h.UpdatePolicy)
				r.Delete("/{id}", h.DeletePolicy)
				r.Post("/{id}/activate", h.ActivatePolicy)
				r.Post("/{id}/deactivate", h.DeactivatePolicy)
			})
			r.Post("/sweep", h.TriggerSweep)
			r.Post("/expiry/extend", h.ExtendExpiry)
			r.Post("/users/{userID}/reconcile", h.ReconcileUser)
		})
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(started)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
