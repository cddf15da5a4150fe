package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	CodeUnauthenticated     ErrorCode = "unauthenticated"
	CodeInvalidCredential   ErrorCode = "invalid_credential"
	CodeCapabilityNotFound  ErrorCode = "capability_not_found"
	CodePermissionDenied    ErrorCode = "permission_denied"
	CodeInvalidParameters   ErrorCode = "invalid_parameters"
	CodeExecutionFailed     ErrorCode = "execution_failed"
	CodeBatchFailed         ErrorCode = "batch_failed"
	CodeInvalidSubscription ErrorCode = "invalid_subscription_request"
	CodeSubscriptionMissing ErrorCode = "subscription_not_found"
	CodeJobNotFound         ErrorCode = "job_not_found"
	CodeJobTimeout          ErrorCode = "job_timeout"
	CodeInvalidRequest      ErrorCode = "invalid_request"
	CodeInternal            ErrorCode = "internal"
)

// Error is the structured error every gateway operation reports.
//
// Details carries data a caller needs to self-correct, e.g. the missing
// permissions or the offending field. It never carries stack traces.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error without details.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	out := &Error{Code: e.Code, Message: e.Message, Details: make(map[string]any, len(e.Details)+1)}
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return out
}

// AsError extracts a *Error from err. Errors of any other kind are
// reported as CodeInternal so that callers always get a structured value.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// IsCode reports whether err is a *Error with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// NewUnauthenticated reports a missing credential.
func NewUnauthenticated() *Error {
	return NewError(CodeUnauthenticated, "authentication required")
}

// NewInvalidCredential reports a credential that failed verification.
func NewInvalidCredential(reason string) *Error {
	if reason == "" {
		reason = "invalid or expired credential"
	}
	return NewError(CodeInvalidCredential, "%s", reason)
}

// NewCapabilityNotFound reports an unknown capability id.
func NewCapabilityNotFound(id string) *Error {
	return NewError(CodeCapabilityNotFound, "capability %q not found", id).
		WithDetail("capability", id)
}

// NewPermissionDenied reports the exact set of permissions the caller lacks.
func NewPermissionDenied(missing []string) *Error {
	return NewError(CodePermissionDenied, "missing required permissions: %s", strings.Join(missing, ", ")).
		WithDetail("missingPermissions", append([]string(nil), missing...))
}

// NewInvalidParameters reports a schema violation on field.
func NewInvalidParameters(field, reason string) *Error {
	e := NewError(CodeInvalidParameters, "%s", reason)
	if field != "" {
		e = e.WithDetail("field", field)
	}
	return e
}

// NewExecutionFailed wraps a handler failure message.
func NewExecutionFailed(message string) *Error {
	return NewError(CodeExecutionFailed, "%s", message)
}

// NewJobNotFound reports an unknown or no longer retained job.
func NewJobNotFound(id string) *Error {
	return NewError(CodeJobNotFound, "job %q not found", id).WithDetail("jobId", id)
}

// NewJobTimeout reports a job that exceeded its maximum runtime.
func NewJobTimeout(limit string) *Error {
	return NewError(CodeJobTimeout, "job exceeded maximum runtime of %s", limit)
}

// NewInvalidSubscription reports a rejected subscribe request.
func NewInvalidSubscription(reason string) *Error {
	return NewError(CodeInvalidSubscription, "%s", reason)
}

// NewInvalidRequest reports a structurally invalid request.
func NewInvalidRequest(reason string) *Error {
	return NewError(CodeInvalidRequest, "%s", reason)
}

// NewBatchFailed reports an all_or_nothing batch that stopped at index.
func NewBatchFailed(index int, cause *Error) *Error {
	e := NewError(CodeBatchFailed, "batch operation %d failed", index).
		WithDetail("failedIndex", index)
	if cause != nil {
		e = e.WithDetail("cause", cause)
	}
	return e
}

// NewSubscriptionNotFound reports an unknown or foreign subscription.
func NewSubscriptionNotFound(id string) *Error {
	return NewError(CodeSubscriptionMissing, "subscription %q not found", id).
		WithDetail("subscriptionId", id)
}

// NewInternal reports an unexpected failure without leaking its cause.
func NewInternal() *Error {
	return NewError(CodeInternal, "internal error")
}
