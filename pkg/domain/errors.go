package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// NotFoundError reports an unknown organism, segment, gene or export.
type NotFoundError struct {
	Kind string
	Name string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// BadRequestError reports a request the service cannot compile. Parameter
// names the offending query parameter or field.
type BadRequestError struct {
	Parameter string
	Reason    string
}

func (e BadRequestError) Error() string {
	if e.Parameter == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Parameter, e.Reason)
}

// BadRequest builds a BadRequestError with a formatted reason.
func BadRequest(parameter, format string, args ...any) error {
	return BadRequestError{Parameter: parameter, Reason: fmt.Sprintf(format, args...)}
}

// DecompressionError reports a payload that could not be restored with the
// organism's reference dictionary.
type DecompressionError struct {
	Organism string
	Name     string
	Err      error
}

func (e DecompressionError) Error() string {
	return fmt.Sprintf("decompress %s/%s: %v", e.Organism, e.Name, e.Err)
}

func (e DecompressionError) Unwrap() error { return e.Err }

// UpstreamError reports a failure of the pooled connection provider.
type UpstreamError struct {
	Op  string
	Err error
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e UpstreamError) Unwrap() error { return e.Err }

// ErrorType returns the taxonomy name of err, or "internal".
func ErrorType(err error) string {
	switch {
	case errors.As(err, new(NotFoundError)):
		return "NotFound"
	case errors.As(err, new(BadRequestError)):
		return "BadRequest"
	case errors.As(err, new(DecompressionError)):
		return "DecompressionFailure"
	case errors.As(err, new(UpstreamError)):
		return "UpstreamUnavailable"
	default:
		return "internal"
	}
}

// StatusCode maps an error to the HTTP status the service answers with.
func StatusCode(err error) int {
	switch ErrorType(err) {
	case "NotFound":
		return http.StatusNotFound
	case "BadRequest":
		return http.StatusBadRequest
	case "UpstreamUnavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
