package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or "" if the header is missing or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// AdminAuth requires the single configured admin bearer token — spec.md
// §6's admin surface has exactly one credential, not per-operator
// tokens. A missing or mismatched token is a 401 with no further detail
// (constant-time comparison to avoid a timing oracle on the token).
func AdminAuth(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := bearerToken(r)
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) != 1 {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken is exported so the bot-agent surface (a separate package,
// since its auth model is per-bot rather than a single shared secret)
// can reuse the same header-parsing rule as the admin surface.
func BearerToken(r *http.Request) string { return bearerToken(r) }
