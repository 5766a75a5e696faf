package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingsync/libs/httpx"
)

// RequireBusiness verifies the bearer token and replaces X-Business-Id with
// the token's business. EventSource clients cannot set headers, so GET
// requests may pass the token as access_token instead.
//
// With an empty secret the middleware trusts X-Business-Id as set by the gateway.
func RequireBusiness(secret string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token == "" && r.Method == http.MethodGet {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := ParseAndVerifyHS256(token, secret, time.Now())
			if err != nil || claims.BusinessID == "" {
				httpx.WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			r.Header.Set("X-Business-Id", claims.BusinessID)
			r.Header.Set("X-User-Id", claims.Sub)
			r.Header.Set("X-Role", claims.Role)
			next.ServeHTTP(w, r)
		})
	}
}
