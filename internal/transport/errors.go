package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors.
var (
	ErrProtocol          = errors.New("transport: remote reported an error")
	ErrPrematureEOF      = errors.New("transport: stream ended before the range was complete")
	ErrReadTimeout       = errors.New("transport: no data within read timeout")
	ErrRangeNotSupported = errors.New("transport: server does not support range requests")
	ErrUnknownLength     = errors.New("transport: server did not report a content length")
	ErrNotFound          = errors.New("transport: resource not found")
	ErrForbidden         = errors.New("transport: access forbidden")
	ErrUnauthorized      = errors.New("transport: unauthorized")
	ErrServerError       = errors.New("transport: server error")
)

// APIError is an upload API response carrying an explicit error code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upload api error: code %s (http %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("upload api error: code %s: %s (http %d)", e.Code, e.Message, e.Status)
}

// Is lets callers match any API error with errors.Is(err, ErrProtocol).
func (e *APIError) Is(target error) bool {
	return target == ErrProtocol
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotFound)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrProtocol, ErrForbidden)
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrProtocol, ErrUnauthorized)
	case code >= 500:
		return fmt.Errorf("%w: %w: %d", ErrProtocol, ErrServerError, code)
	default:
		return fmt.Errorf("%w: unexpected status code %d", ErrProtocol, code)
	}
}
