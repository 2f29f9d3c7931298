// Package api implements the custodian REST API using chi.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authOptions struct {
	queryParam string
}

// AuthOption tunes AuthMiddleware.
type AuthOption func(*authOptions)

// AllowQueryToken also accepts the token from the named query parameter.
// Browsers cannot set headers on an EventSource, so the event stream needs it.
func AllowQueryToken(param string) AuthOption {
	return func(o *authOptions) { o.queryParam = param }
}

// AuthMiddleware returns middleware that validates a Bearer token.
// If enabled is false, all requests pass through (disabled mode).
// If enabled is true, requests must carry a valid "Authorization: Bearer <token>" header.
func AuthMiddleware(enabled bool, token string, opts ...AuthOption) func(http.Handler) http.Handler {
	var o authOptions
	for _, opt := range opts {
		opt(&o)
	}
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok && o.queryParam != "" {
				got = r.URL.Query().Get(o.queryParam)
				ok = got != ""
			}
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="custodian"`)
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
