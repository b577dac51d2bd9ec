// Package middleware holds HTTP middleware shared by all routes
package middleware

import (
	"net/http"
	"time"

	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/observability"

	"github.com/gorilla/mux"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Logging logs every request with method, path, status and duration and records it in
// metrics. Paths are reported by route template so metric cardinality stays bounded.
func Logging(logger logging.Logger, metrics *observability.Metrics) mux.MiddlewareFunc {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			path := routePath(r)
			metrics.RecordHTTPRequest(r.Context(), r.Method, path, wrapped.statusCode, duration.Seconds())

			fields := []logging.Field{
				{Key: "method", Value: r.Method},
				{Key: "path", Value: r.URL.Path},
				{Key: "status", Value: wrapped.statusCode},
				{Key: "duration_ms", Value: duration.Milliseconds()},
				{Key: "remote_addr", Value: r.RemoteAddr},
			}
			if delivery := r.Header.Get("X-GitHub-Delivery"); delivery != "" {
				fields = append(fields, logging.Field{Key: "delivery_id", Value: delivery})
			}
			if event := r.Header.Get("X-GitHub-Event"); event != "" {
				fields = append(fields, logging.Field{Key: "event", Value: event})
			}
			if ua := r.Header.Get("User-Agent"); ua != "" {
				fields = append(fields, logging.Field{Key: "user_agent", Value: ua})
			}

			switch {
			case wrapped.statusCode >= 500:
				logger.Error("HTTP request completed", nil, fields...)
			case wrapped.statusCode >= 400:
				logger.Warn("HTTP request completed", fields...)
			case r.URL.Path == "/health" || r.URL.Path == "/metrics":
				logger.Debug("HTTP request completed", fields...)
			default:
				logger.Info("HTTP request completed", fields...)
			}
		})
	}
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
