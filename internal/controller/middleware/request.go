package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docflow/internal/logger"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestID reuses the caller's request ID or assigns a new one, and echoes it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request and turns handler panics into 500s.
func AccessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			l := logger.FromContext(r.Context(), log)

			defer func() {
				if v := recover(); v != nil {
					l.Error("panic recovered", "panic", v, "method", r.Method, "path", r.URL.Path)
					writeError(sw, "Internal server error", http.StatusInternalServerError)
				}
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", sw.status,
					"duration_ms", time.Since(start).Milliseconds(),
				}
				if sw.status >= 500 {
					l.Error("http request", attrs...)
					return
				}
				l.Info("http request", attrs...)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
