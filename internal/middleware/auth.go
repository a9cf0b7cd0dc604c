package middleware

import (
	"net/http"
	"strings"

	"cohort/internal/auth"
	"cohort/internal/httputil"
)

// Auth validates the Bearer token on every request and attaches the
// authenticated user to the context. Requests without a valid token are
// rejected before they reach any handler; the health endpoint is exempt.
func Auth(verifier auth.JWTVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httputil.RespondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := verifier.VerifyToken(token)
			if err != nil {
				httputil.RespondError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, httputil.WithUser(r, claims.User()))
		})
	}
}
