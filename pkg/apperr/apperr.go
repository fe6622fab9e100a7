// Package apperr defines the error taxonomy shared by the service and its
// transports. Every error that crosses a transport boundary is reduced to a
// stable Code.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Code string

const (
	CodeValidation      Code = "validation_failed"
	CodeNotFound        Code = "not_found"
	CodePermission      Code = "permission_denied"
	CodeUnauthenticated Code = "unauthenticated"
	CodeRateLimited     Code = "rate_limited"
	CodeRetryable       Code = "unavailable"
	CodeProtocol        Code = "protocol_error"
	CodeInternal        Code = "internal"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// ValidationError is an invariant violation. It is never retried.
type ValidationError struct {
	Reason     string
	InvalidIDs []string
}

func (e *ValidationError) Error() string {
	if len(e.InvalidIDs) == 0 {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Reason, strings.Join(e.InvalidIDs, ","))
}

func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource string, id any) error {
	return &NotFoundError{Resource: resource, ID: fmt.Sprint(id)}
}

type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string { return "permission denied: " + e.Reason }

func Forbidden(reason string) error { return &PermissionError{Reason: reason} }

type RateLimitError struct {
	Policy     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Policy, e.RetryAfter)
}

// RetryAfterSeconds rounds up so clients never retry too early.
func (e *RateLimitError) RetryAfterSeconds() int {
	s := int((e.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// RetryableStoreError is a transient storage failure that survived the
// automatic retry.
type RetryableStoreError struct {
	Op  string
	Err error
}

func (e *RetryableStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *RetryableStoreError) Unwrap() error { return e.Err }

func Retryable(op string, err error) error {
	var r *RetryableStoreError
	if errors.As(err, &r) {
		return err
	}
	return &RetryableStoreError{Op: op, Err: err}
}

// ProtocolError is a malformed real-time frame. It closes the offending
// connection only.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

func Protocol(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func CodeOf(err error) Code {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		permission *PermissionError
		rate       *RateLimitError
		retryable  *RetryableStoreError
		protocol   *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &permission):
		return CodePermission
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.As(err, &rate):
		return CodeRateLimited
	case errors.As(err, &retryable),
		errors.Is(err, context.DeadlineExceeded):
		return CodeRetryable
	case errors.As(err, &protocol):
		return CodeProtocol
	default:
		return CodeInternal
	}
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeProtocol:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermission:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Public is the client-facing view of an error. Internal and retryable
// failures get a generic message so nothing about the store leaks out.
type Public struct {
	Code              Code     `json:"code"`
	Message           string   `json:"message"`
	InvalidIDs        []string `json:"invalidIds,omitempty"`
	RetryAfterSeconds int      `json:"retryAfterSeconds,omitempty"`
}

func ToPublic(err error) Public {
	code := CodeOf(err)
	p := Public{Code: code}
	switch code {
	case CodeValidation:
		var v *ValidationError
		errors.As(err, &v)
		p.Message = v.Reason
		p.InvalidIDs = v.InvalidIDs
	case CodeRateLimited:
		var r *RateLimitError
		errors.As(err, &r)
		p.Message = "too many requests"
		p.RetryAfterSeconds = r.RetryAfterSeconds()
	case CodeNotFound, CodePermission, CodeProtocol:
		p.Message = err.Error()
	case CodeUnauthenticated:
		p.Message = "authentication required"
	default:
		p.Message = "something went wrong, please try again"
	}
	return p
}
