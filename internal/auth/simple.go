// Package auth implements static bearer token authentication.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Exempt paths are served without a token so health checks and scrapers work.
var Exempt = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Middleware requires "Authorization: Bearer <token>" on every non-exempt
// path. An empty token disables authentication.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				http.Error(w, "missing API token", http.StatusUnauthorized)
				return
			}

			got := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "invalid API token", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
