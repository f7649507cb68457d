package errors

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
)

// ErrorCode is the stable machine-readable part of an error. Signaling
// replies and admin API bodies both carry it.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Signaling
	ErrCodeCannotConsume         ErrorCode = "CANNOT_CONSUME"
	ErrCodeTransportSetupFailure ErrorCode = "TRANSPORT_SETUP_FAILURE"
	ErrCodeHandshakeFailed       ErrorCode = "HANDSHAKE_FAILED"
	ErrCodeProtocolViolation     ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeTransportNotFound     ErrorCode = "TRANSPORT_NOT_FOUND"
	ErrCodeRouterUnavailable     ErrorCode = "ROUTER_UNAVAILABLE"
	ErrCodeWorkerUnavailable     ErrorCode = "WORKER_UNAVAILABLE"
	ErrCodeSessionClosed         ErrorCode = "SESSION_CLOSED"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInvalidInput:          http.StatusBadRequest,
	ErrCodeNotFound:              http.StatusNotFound,
	ErrCodeUnauthorized:          http.StatusUnauthorized,
	ErrCodeRateLimit:             http.StatusTooManyRequests,
	ErrCodeServiceUnavailable:    http.StatusServiceUnavailable,
	ErrCodeCannotConsume:         http.StatusConflict,
	ErrCodeTransportSetupFailure: http.StatusBadGateway,
	ErrCodeHandshakeFailed:       http.StatusBadRequest,
	ErrCodeProtocolViolation:     http.StatusConflict,
	ErrCodeTransportNotFound:     http.StatusNotFound,
	ErrCodeRouterUnavailable:     http.StatusConflict,
	ErrCodeWorkerUnavailable:     http.StatusServiceUnavailable,
	ErrCodeSessionClosed:         http.StatusGone,
}

// Status is the HTTP status the admin API answers with for c. Unknown codes
// map to 500.
func (c ErrorCode) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError is a coded error. Package level values act as sentinels:
// Wrap, Withf and WithDetail return copies and never mutate the receiver.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(" (")
		b.WriteString(e.Cause.Error())
		b.WriteString(")")
	}
	return b.String()
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError with the same code, so errors.Is finds a
// wrapped copy by its sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

func (e *AppError) clone() *AppError {
	c := *e
	c.Details = maps.Clone(e.Details)
	return &c
}

// Wrap returns a copy of e caused by err.
func (e *AppError) Wrap(err error) *AppError {
	c := e.clone()
	c.Cause = err
	return c
}

// Withf returns a copy of e with a more specific message.
func (e *AppError) Withf(format string, args ...interface{}) *AppError {
	c := e.clone()
	c.Message = fmt.Sprintf(format, args...)
	return c
}

// WithDetail returns a copy of e carrying one more detail field.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]interface{}, 1)
	}
	c.Details[key] = value
	return c
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: code.Status()}
}

// WrapCode attaches code and message to a foreign error.
func WrapCode(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

func NewInvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, resource+" not found")
}

func NewUnauthorizedError(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func NewRateLimitError() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func NewServiceUnavailableError(message string) *AppError {
	return New(ErrCodeServiceUnavailable, message)
}

// GetAppError returns the first AppError in err's chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if err != nil && errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
