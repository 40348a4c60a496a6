package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind partitions failures for the HTTP boundary. Every kind is
// operational except KindInternal, which is treated as a programmer or
// infrastructure fault and never shown to clients verbatim.
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "INVALID_ARGUMENT"
	KindUnauthorized    ErrorKind = "UNAUTHORIZED"
	KindForbidden       ErrorKind = "FORBIDDEN"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindConflict        ErrorKind = "CONFLICT"
	KindUnprocessable   ErrorKind = "UNPROCESSABLE"
	KindRateLimited     ErrorKind = "RATE_LIMITED"
	KindInternal        ErrorKind = "INTERNAL"
)

func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (k ErrorKind) Operational() bool {
	return k != KindInternal
}

type Error struct {
	Kind    ErrorKind
	Message string
	// Fields carries per-field validation errors for UNPROCESSABLE.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func failWith(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// kindOf extracts the kind, defaulting unknown errors to INTERNAL.
func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

type errorBody struct {
	Message    string            `json:"message"`
	StatusCode int               `json:"statusCode"`
	RequestID  string            `json:"requestId"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// writeError formats the sanitized client response. Non-operational errors
// are rewritten to a generic message when sanitize is set (production).
func writeError(w http.ResponseWriter, requestID string, err error, sanitize bool) {
	kind := kindOf(err)
	body := errorBody{StatusCode: kind.HTTPStatus(), RequestID: requestID}

	var e *Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Errors = e.Fields
	} else {
		body.Message = err.Error()
	}
	if !kind.Operational() && sanitize {
		body.Message = "internal server error"
		body.Errors = nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.StatusCode)
	_ = json.NewEncoder(w).Encode(map[string]errorBody{"error": body})
}
