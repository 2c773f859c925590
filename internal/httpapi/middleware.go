package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fleetctl/fleetctl/internal/obslog"
	"github.com/fleetctl/fleetctl/internal/obsmetrics"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// requestLogger attaches a per-request logger (carrying the chi request
// ID) to the context and logs completion at info, or warn/error for
// non-2xx, mirroring the access-log shape structured logging replaces.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			log := base.With(obslog.RequestID(reqID))
			ctx := obslog.WithLogger(r.Context(), log)
			r = r.WithContext(ctx)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			dur := time.Since(start)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", dur),
			}
			switch {
			case ww.Status() >= 500:
				log.Error("request completed", fields...)
			case ww.Status() >= 400:
				log.Warn("request completed", fields...)
			default:
				log.Info("request completed", fields...)
			}
		})
	}
}

// metricsMiddleware records every request's latency under its route
// pattern (not the raw path, to keep cardinality bounded) via
// obsmetrics.Registry.HTTPRequestDuration.
func metricsMiddleware(reg *obsmetrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chiRoutePattern(r)
			reg.HTTPRequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
				Observe(time.Since(start).Seconds())
		})
	}
}
