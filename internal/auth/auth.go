// Package auth provides static API key authentication middleware.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator checks a shared API key on incoming requests. With an empty
// key authentication is disabled and every request passes.
type Authenticator struct {
	key    []byte
	exempt map[string]struct{}
}

// New builds an Authenticator. Exempt paths skip the check so probes and
// scrapers work without credentials.
func New(apiKey string, exemptPaths ...string) *Authenticator {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = struct{}{}
	}
	return &Authenticator{key: []byte(apiKey), exempt: exempt}
}

// Enabled reports whether a key is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.key) > 0
}

// Middleware rejects unauthenticated requests with a 401 JSON body.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := a.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if !a.authorized(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"Unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized accepts the key via X-API-Key or an Authorization bearer token.
// Comparison is constant time in the candidate value.
func (a *Authenticator) authorized(r *http.Request) bool {
	candidate := r.Header.Get("X-API-Key")
	if candidate == "" {
		header := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			candidate = after
		}
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), a.key) == 1
}
