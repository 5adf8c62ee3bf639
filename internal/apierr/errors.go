package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a user-visible error class. Codes are stable API surface;
// the mapped HTTP status is derived, never stored.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeRateLimited   Code = "RATE_LIMIT_EXCEEDED"
	CodeStoreError    Code = "STORE_ERROR"
	CodeCacheError    Code = "CACHE_ERROR"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// Error is the canonical service error. It wraps an optional cause and
// carries structured details that are safe to return to clients.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error with the given code and client-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a cause that is logged but never leaked to clients.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails returns the error with client-safe detail fields attached.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Validation builds a VALIDATION_ERROR for a specific field.
func Validation(field, reason string) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: "validation failed",
		Details: map[string]interface{}{"field": field, "reason": reason},
	}
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeStoreError, CodeCacheError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// From classifies an arbitrary error. Unrecognized errors become
// INTERNAL_ERROR with a generic message so no internal detail leaks.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(CodeInternal, "internal server error", err)
}

// Body is the uniform JSON error envelope returned on every non-2xx
// response.
type Body struct {
	Err    BodyError `json:"error"`
	Status int       `json:"status"`
}

// BodyError is the nested error object inside Body.
type BodyError struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
}

// NewBody assembles the wire error body for an error and request ID.
func NewBody(e *Error, requestID string) Body {
	return Body{
		Err: BodyError{
			Code:      e.Code,
			Message:   e.Message,
			Details:   e.Details,
			RequestID: requestID,
		},
		Status: HTTPStatus(e.Code),
	}
}
