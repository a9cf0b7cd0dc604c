package domain

import (
	"errors"
	"net/http"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
// Implementing this interface keeps error handling at the transport
// boundary open to new error kinds without touching the handlers.
type HTTPError interface {
	error
	StatusCode() int
}

// Domain error types implementing HTTPError interface
type (
	// NotFoundError indicates a referenced study/project/role/field/version
	// does not exist or has been soft-deleted.
	NotFoundError struct {
		Message string
	}

	// ValidationError indicates malformed client input (bad data-version
	// string, unknown permission token, mismatched permission scope, ...).
	ValidationError struct {
		Message string
	}

	// UnauthorizedError indicates authentication failure
	UnauthorizedError struct {
		Message string
	}

	// ForbiddenError indicates the caller holds no grant matching the
	// requested operation.
	ForbiddenError struct {
		Message string
	}

	// StoreError indicates the backing store did not acknowledge an
	// operation or a transaction was aborted.
	StoreError struct {
		Message string
	}
)

// Error implementations
func (e *NotFoundError) Error() string     { return e.Message }
func (e *ValidationError) Error() string   { return e.Message }
func (e *UnauthorizedError) Error() string { return e.Message }
func (e *ForbiddenError) Error() string    { return e.Message }
func (e *StoreError) Error() string        { return e.Message }

// StatusCode implementations (HTTPError interface)
func (e *NotFoundError) StatusCode() int     { return http.StatusNotFound }
func (e *ValidationError) StatusCode() int   { return http.StatusBadRequest }
func (e *UnauthorizedError) StatusCode() int { return http.StatusUnauthorized }
func (e *ForbiddenError) StatusCode() int    { return http.StatusForbidden }
func (e *StoreError) StatusCode() int        { return http.StatusInternalServerError }

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("no permission")
	ErrStore        = errors.New("store operation failed")
)

// Is allows errors.Is() matching against the corresponding sentinels so
// callers can branch without knowing the concrete type.
func (e *NotFoundError) Is(target error) bool     { return target == ErrNotFound }
func (e *ValidationError) Is(target error) bool   { return target == ErrValidation }
func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }
func (e *ForbiddenError) Is(target error) bool    { return target == ErrForbidden }
func (e *StoreError) Is(target error) bool        { return target == ErrStore }
