package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"cohort/internal/domain"
	"cohort/internal/httputil"
)

// handleError maps a service error onto the HTTP response. Typed domain
// errors carry their own status; wrapped sentinels are matched next; every
// other error is a 500 whose detail stays in the log, not the response.
func handleError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var httpErr domain.HTTPError
	if errors.As(err, &httpErr) {
		httputil.RespondError(w, httpErr.StatusCode(), err.Error())
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		httputil.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		httputil.RespondError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		httputil.RespondError(w, http.StatusForbidden, "forbidden")
	default:
		logger.Error("unexpected error", "error", err)
		httputil.RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}
