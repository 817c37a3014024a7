// Package errs defines the error taxonomy shared by the api and worker services.
package errs

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrValidation marks bad client input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a todo or operation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized marks a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden marks an authenticated caller lacking the required scope.
	ErrForbidden = errors.New("forbidden")

	// ErrUnavailable marks an unreachable store, cache or queue.
	ErrUnavailable = errors.New("dependency unavailable")

	// ErrTransient marks a worker-side failure that queue redelivery may fix.
	ErrTransient = errors.New("transient processing failure")

	// ErrPoison marks a message that can never be processed.
	ErrPoison = errors.New("poison message")
)

// StatusCode maps an error to the HTTP status the api reports for it.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns a client-safe message for err.
func Message(err error) string {
	switch StatusCode(err) {
	case http.StatusBadRequest:
		return err.Error()
	case http.StatusNotFound:
		return "Todo not found"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusServiceUnavailable:
		return "Service temporarily unavailable"
	default:
		return "Internal server error"
	}
}

// IsContextErr reports whether err came from a cancelled or expired context.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
