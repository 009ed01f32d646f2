package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminMiddleware requires the configured admin bearer token. Repeated
// failures from one address are rate limited.
func (a *API) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin api disabled")
			return
		}
		ip := clientIP(r)
		if blocked, retryAfter := a.rateLimiter.check(ip); blocked {
			a.audit.logFailure(AuditAdminRateLimited, r, "locked out")
			writeRateLimited(w, retryAfter)
			return
		}

		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
			a.rateLimiter.recordFailure(ip)
			a.audit.logFailure(AuditAdminAuthFailure, r, "invalid admin token")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		a.rateLimiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
