package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode classifies relay failures. No code is ever allowed to take
// the control plane down; each is resolved at the connection, request or
// task that raised it.
type ErrorCode string

const (
	// ErrCodeNotFound: unknown or ended stream, resolved per request.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeProtocol: malformed signaling payload, logged and dropped.
	ErrCodeProtocol ErrorCode = "PROTOCOL_ERROR"
	// ErrCodeSession: SDP application or offer/answer generation failed,
	// reported to the one affected connection.
	ErrCodeSession ErrorCode = "SESSION_ERROR"
	// ErrCodeTransport: a write or send failed, terminating its task.
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"
	// ErrCodeStaleState: an operation raced a concurrent teardown and
	// was silently abandoned.
	ErrCodeStaleState ErrorCode = "STALE_STATE"
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a code, a client-facing message and an HTTP status.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, resource+" not found", http.StatusNotFound)
}

func NewSessionError(err error) *AppError {
	return Wrap(err, ErrCodeSession, "media session failure", http.StatusInternalServerError)
}

func NewTransportError(err error) *AppError {
	return Wrap(err, ErrCodeTransport, "transport failure", http.StatusBadGateway)
}

func NewInternalError(message string) *AppError {
	return New(ErrCodeInternal, message, http.StatusInternalServerError)
}
