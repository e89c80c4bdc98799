package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"docflow/internal/logger"
)

// RequireAdminToken guards tenant administration and DLQ routes with the operator token.
// An empty token disables those routes.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, msg := bearerToken(r)
			if msg != "" {
				writeError(w, msg, http.StatusUnauthorized)
				return
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.FromContext(r.Context(), slog.Default()).Warn("admin token rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, "Invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
