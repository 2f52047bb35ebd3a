package router

import "fmt"

// Code identifies an error category on the wire. Codes are stable strings;
// clients switch on them rather than on messages.
type Code string

const (
	CodeBadRequest       Code = "bad_request"
	CodeUnauthorized     Code = "unauthorized"
	CodeForbidden        Code = "forbidden"
	CodeNotFound         Code = "not_found"
	CodeMethodNotAllowed Code = "method_not_allowed"
	CodeConflict         Code = "conflict"
	CodePayloadTooLarge  Code = "payload_too_large"
	CodeRateLimited      Code = "rate_limited"
	CodeStorageFull      Code = "storage_full"
	CodeDeviceMismatch   Code = "device_mismatch"
	CodeInternalError    Code = "internal_error"
	CodeUnavailable      Code = "service_unavailable"
)

// APIError is the error shape handlers and the dispatch path return when the
// failure is intentional and safe to show the client. Anything else that
// escapes a handler is mapped to a generic 500 without leaking its message.
type APIError struct {
	Status  int
	Code    Code
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// NewError builds an APIError with an explicit status, code, and message.
func NewError(status int, code Code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// ErrBadRequest builds a 400 input error.
func ErrBadRequest(message string) *APIError {
	return NewError(400, CodeBadRequest, message)
}

// ErrUnauthorized builds a 401 auth error.
func ErrUnauthorized(message string) *APIError {
	return NewError(401, CodeUnauthorized, message)
}

// ErrForbidden builds a 403 policy error.
func ErrForbidden(message string) *APIError {
	return NewError(403, CodeForbidden, message)
}

// ErrNotFound builds a 404 for an unroutable URI.
func ErrNotFound(message string) *APIError {
	return NewError(404, CodeNotFound, message)
}

// ErrConflict builds a 409 for a request colliding with in-flight state.
func ErrConflict(message string) *APIError {
	return NewError(409, CodeConflict, message)
}

// ErrUnavailable builds a 503 resource-exhaustion error.
func ErrUnavailable(message string) *APIError {
	return NewError(503, CodeUnavailable, message)
}
