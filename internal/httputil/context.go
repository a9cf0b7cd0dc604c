package httputil

import (
	"context"
	"net/http"

	"cohort/internal/domain/models"
)

// Context key type to avoid collisions
type contextKey string

const userKey contextKey = "user"

// WithUser attaches the authenticated user to the request context
func WithUser(r *http.Request, user *models.User) *http.Request {
	ctx := context.WithValue(r.Context(), userKey, user)
	return r.WithContext(ctx)
}

// GetUser retrieves the authenticated user from the context, or nil when
// the request did not pass authentication.
func GetUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userKey).(*models.User)
	return user
}
