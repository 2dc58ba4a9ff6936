// Package errors defines the service error type and the stable error codes
// exposed to API clients.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is a stable, client-facing error identifier.
type Code string

const (
	CodeInvalidProvider       Code = "INVALID_PROVIDER"
	CodeInvalidToken          Code = "INVALID_TOKEN"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeSessionExists         Code = "SESSION_EXISTS"
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeSessionAlreadySettled Code = "SESSION_ALREADY_SETTLED"
	CodeOnlyProvider          Code = "ONLY_PROVIDER"
	CodeOnlyPayer             Code = "ONLY_PAYER"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeRefundTooSoon         Code = "REFUND_TOO_SOON"
	CodeRefundDelayTooLong    Code = "REFUND_DELAY_TOO_LONG"
	CodePaused                Code = "CONTRACT_PAUSED"
	CodeInvalidOwner          Code = "INVALID_OWNER"
	CodeTransferFailed        Code = "TRANSFER_FAILED"

	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance Code = "INSUFFICIENT_ALLOWANCE"
	CodeUnknownToken          Code = "UNKNOWN_TOKEN"
	CodeNotTokenOwner         Code = "NOT_TOKEN_OWNER"
	CodeSchemaExists          Code = "SCHEMA_EXISTS"
	CodeSessionSettled        Code = "SESSION_SETTLED"

	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeInvalidAuth Code = "INVALID_TOKEN_SIGNATURE"
	CodeRateLimited Code = "RATE_LIMITED"
	CodeConflict    Code = "CONFLICT"
	CodeUnavailable Code = "UNAVAILABLE"
	CodeInternal    Code = "INTERNAL_ERROR"
)

// ServiceError carries a stable code, an HTTP status and the operation that
// raised it.
type ServiceError struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Op         string         `json:"op,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

// New creates a ServiceError.
func New(code Code, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap attaches a code and status to an underlying error.
func Wrap(err error, code Code, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches any ServiceError with the same code, so sentinel values work with
// errors.Is after WithOp or WithDetails copies.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *ServiceError) clone() *ServiceError {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

// WithOp returns a copy tagged with the failing operation.
func (e *ServiceError) WithOp(op string) *ServiceError {
	cp := e.clone()
	cp.Op = op
	return cp
}

// WithDetails returns a copy with an extra detail entry.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	cp := e.clone()
	if cp.Details == nil {
		cp.Details = make(map[string]any)
	}
	cp.Details[key] = value
	return cp
}

// WithCause returns a copy wrapping err.
func (e *ServiceError) WithCause(err error) *ServiceError {
	cp := e.clone()
	cp.Err = err
	return cp
}

// As extracts a ServiceError from the chain.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// From converts any error into a ServiceError; unknown errors become internal.
func From(err error) *ServiceError {
	if err == nil {
		return nil
	}
	if se, ok := As(err); ok {
		return se
	}
	return Internal(err)
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// HTTPStatusOf returns the HTTP status for err.
func HTTPStatusOf(err error) int {
	se := From(err)
	if se == nil {
		return http.StatusOK
	}
	if se.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return se.HTTPStatus
}

// Validation reports malformed input.
func Validation(message string) *ServiceError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, fmt.Sprintf("%s %s not found", resource, id), http.StatusNotFound).
		WithDetails("resource", resource)
}

// Unauthorized reports missing or unusable credentials.
func Unauthorized(message string) *ServiceError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

// InvalidToken reports a bearer token that failed verification.
func InvalidToken(err error) *ServiceError {
	return Wrap(err, CodeInvalidAuth, "invalid bearer token", http.StatusUnauthorized)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, fmt.Sprintf("rate limit of %d requests per %s exceeded", limit, window), http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal wraps an unexpected failure.
func Internal(err error) *ServiceError {
	return Wrap(err, CodeInternal, "internal error", http.StatusInternalServerError)
}
