package errorbank

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind enumerates supported application error categories.
type Kind string

const (
	KindBadRequest   Kind = "bad_request"
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindIntegrity    Kind = "integrity"
	KindConfig       Kind = "config"
	KindUnauthorized Kind = "unauthorized"
	KindImmutable    Kind = "immutable"
	KindUpstream     Kind = "upstream"
	KindInternal     Kind = "internal"
)

// AppError captures rich error context shared across transports.
type AppError struct {
	kind    Kind
	message string
	details map[string]any
	cause   error
}

// Option mutates an AppError during construction.
type Option func(*AppError)

// WithCause attaches an underlying error.
func WithCause(err error) Option {
	return func(appErr *AppError) {
		appErr.cause = err
	}
}

// WithDetail adds a single named detail value.
func WithDetail(key string, value any) Option {
	return func(appErr *AppError) {
		if appErr.details == nil {
			appErr.details = make(map[string]any)
		}
		appErr.details[key] = value
	}
}

// WithUpstreamStatus records the HTTP status returned by a gateway or till
// service so callers can decide whether the failed call is worth retrying.
func WithUpstreamStatus(status int) Option {
	return WithDetail("upstream_status", status)
}

// New constructs a new AppError with the supplied kind and message.
func New(kind Kind, message string, opts ...Option) *AppError {
	if message == "" {
		message = string(kind)
	}
	appErr := &AppError{kind: kind, message: message}
	for _, opt := range opts {
		opt(appErr)
	}
	return appErr
}

// Error satisfies the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Kind returns the error category.
func (e *AppError) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.kind
}

// Message returns the human-readable message.
func (e *AppError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Details returns optional metadata about the error.
func (e *AppError) Details() map[string]any {
	if e == nil {
		return nil
	}
	return e.details
}

// StatusCode resolves the HTTP status for the error kind.
func (e *AppError) StatusCode() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindImmutable:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps the error kind onto a gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if e == nil {
		return codes.Internal
	}
	switch e.kind {
	case KindBadRequest, KindValidation:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindUnauthorized:
		return codes.Unauthenticated
	case KindImmutable:
		return codes.FailedPrecondition
	case KindUpstream:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// BadRequest constructs a 400 error.
func BadRequest(message string, opts ...Option) *AppError {
	return New(KindBadRequest, message, opts...)
}

// Validation constructs an error for malformed order or item data.
func Validation(message string, opts ...Option) *AppError {
	return New(KindValidation, message, opts...)
}

// NotFound constructs a 404 error.
func NotFound(message string, opts ...Option) *AppError {
	return New(KindNotFound, message, opts...)
}

// Integrity constructs an error for ambiguous lookups and other persisted-data
// inconsistencies. These are fatal and must never be auto-resolved.
func Integrity(message string, opts ...Option) *AppError {
	return New(KindIntegrity, message, opts...)
}

// Config constructs an error for missing or invalid adapter configuration.
func Config(message string, opts ...Option) *AppError {
	return New(KindConfig, message, opts...)
}

// Unauthorized constructs an error for failed signature verification.
func Unauthorized(message string, opts ...Option) *AppError {
	return New(KindUnauthorized, message, opts...)
}

// Immutable constructs an error for writes rejected by post-payment
// immutability rules.
func Immutable(message string, opts ...Option) *AppError {
	return New(KindImmutable, message, opts...)
}

// Upstream constructs an error describing a gateway/till protocol failure.
func Upstream(message string, opts ...Option) *AppError {
	return New(KindUpstream, message, opts...)
}

// Internal constructs a generic 500 error.
func Internal(message string, opts ...Option) *AppError {
	return New(KindInternal, message, opts...)
}

// From returns an AppError for any error input, wrapping unexpected values.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error", WithCause(err))
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Kind() == kind
}
