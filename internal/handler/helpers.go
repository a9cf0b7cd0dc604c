package handler

import (
	"net/http"

	"cohort/internal/domain/models"
	"cohort/internal/httputil"
)

// requireUser extracts the authenticated user or writes a 401. The auth
// middleware populates the context, so a missing user means the route was
// wired outside the middleware chain.
func requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user := httputil.GetUser(r)
	if user == nil {
		httputil.RespondError(w, http.StatusUnauthorized, "not authenticated")
		return nil, false
	}
	return user, true
}

// optionalQuery returns a query parameter as a *string, nil when absent
// or empty.
func optionalQuery(r *http.Request, name string) *string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	return &v
}
