package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/fleetctl/fleetctl/internal/obsmetrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// defaultRequestTimeout bounds every request so a stalled downstream
// (DB, IaaS adapter) cannot hold a handler goroutine indefinitely.
const defaultRequestTimeout = 30 * time.Second

// chiRoutePattern returns the matched route pattern for cardinality-safe
// metric labels, falling back to the raw path before routing completes.
func chiRoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// NewRouter assembles the shared middleware chain every HTTP surface
// (admin and bot-agent) is mounted under: request ID, structured
// logging, metrics, panic recovery, CORS, then the unauthenticated
// operational endpoints.
func NewRouter(log *zap.Logger, metrics *obsmetrics.Registry, db *sql.DB, metricsPath string) *chi.Mux {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(metricsMiddleware(metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		MaxAge:           300,
	}))
	r.Use(middleware.Timeout(defaultRequestTimeout))

	r.Get("/healthz", healthzHandler)
	r.Get("/readyz", readyzHandler(db))
	r.Handle(metricsPath, promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{}))

	return r
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyzHandler additionally verifies the database is reachable — a
// process that is up but can't reach Postgres should fail load-balancer
// health checks rather than accept traffic it can't serve.
func readyzHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			RespondError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable")
			return
		}
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
