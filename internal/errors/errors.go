// internal/errors/errors.go
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"github.com/tably/crossed-paths/internal/utils/pagination"
)

// ErrNotFound marks a targeted lookup that matched nothing. Query paths
// translate it to an empty result, not a failure.
var ErrNotFound = errors.New("record not found")

// InvalidVisitError rejects malformed visit input at the boundary.
// Never retried; surfaced to the submitting caller immediately.
type InvalidVisitError struct {
	Reason string
}

func (e *InvalidVisitError) Error() string {
	return "invalid visit: " + e.Reason
}

// InvalidVisit creates an InvalidVisitError with a formatted reason.
func InvalidVisit(format string, args ...any) error {
	return &InvalidVisitError{Reason: fmt.Sprintf(format, args...)}
}

// TransientStoreError wraps a storage failure that is safe to retry,
// given the aggregator's idempotency.
type TransientStoreError struct {
	Err error
}

func (e *TransientStoreError) Error() string {
	return "transient store error: " + e.Err.Error()
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Nil-safe.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Err: err}
}

// IsTransient reports whether err should be retried rather than surfaced.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// HTTPStatus converts domain/infra errors into an HTTP status and a
// client-safe message. Keeps handlers clean by centralizing error mapping.
func HTTPStatus(err error) (int, string) {
	var invalid *InvalidVisitError

	switch {
	case err == nil:
		return http.StatusOK, ""

	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Error()

	case errors.Is(err, pagination.ErrInvalidToken):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, "record not found"

	case IsTransient(err):
		return http.StatusServiceUnavailable, "store temporarily unavailable"

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"

	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request was canceled"

	default:
		// fallback → bubble up error message for debugging
		return http.StatusInternalServerError, err.Error()
	}
}
