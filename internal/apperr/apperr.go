package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error codes surfaced to clients. The HTTP layer maps each
// code to a status; component code never imports net/http for this.
const (
	CodeValidation      = "VALIDATION"
	CodeAuthentication  = "AUTHENTICATION"
	CodeAuthorization   = "ACCESS_DENIED"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeGone            = "GONE"
	CodeGreylisted      = "GREYLISTED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeFeatureDisabled = "FEATURE_DISABLED"
	CodeDependency      = "DEPENDENCY_UNAVAILABLE"
	CodePayment         = "PAYMENT_REQUIRED"
	CodeInternal        = "INTERNAL"
)

var statusByCode = map[string]int{
	CodeValidation:      http.StatusBadRequest,
	CodeAuthentication:  http.StatusUnauthorized,
	CodeAuthorization:   http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeConflict:        http.StatusConflict,
	CodeGone:            http.StatusGone,
	CodeGreylisted:      http.StatusTooEarly,
	CodeRateLimited:     http.StatusTooManyRequests,
	CodeFeatureDisabled: http.StatusServiceUnavailable,
	CodeDependency:      http.StatusServiceUnavailable,
	CodePayment:         http.StatusPaymentRequired,
	CodeInternal:        http.StatusInternalServerError,
}

// Error is the typed error crossing every component boundary.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	// Reason carries a finer-grained machine token, e.g. "DuplicateEnvelope"
	// under CodeConflict. Optional.
	Reason string `json:"reason,omitempty"`
	// RetryAfterSec is advisory; >0 produces a Retry-After header.
	RetryAfterSec int   `json:"-"`
	cause         error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s/%s: %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with a code and formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause without leaking it to clients.
func Wrap(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithReason sets the fine-grained reason token.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithRetryAfter sets the advisory retry delay in seconds.
func (e *Error) WithRetryAfter(sec int) *Error {
	e.RetryAfterSec = sec
	return e
}

// Status returns the HTTP status for err. Unknown errors map to 500.
func Status(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		if s, ok := statusByCode[ae.Code]; ok {
			return s
		}
	}
	return http.StatusInternalServerError
}

// AsError extracts the typed error, wrapping unknown errors as Internal so
// the HTTP layer never leaks raw error strings from dependencies.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

// Convenience constructors for the common cases.

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Conflict(reason, format string, args ...any) *Error {
	return New(CodeConflict, format, args...).WithReason(reason)
}

func Dependency(cause error, format string, args ...any) *Error {
	return Wrap(CodeDependency, cause, format, args...)
}
