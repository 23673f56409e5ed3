package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes written in the structured error body.
const (
	ErrCodeAuthentication  = "AUTHENTICATION_ERROR"
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodePaymentRequired = "PAYMENT_REQUIRED"
	ErrCodePaymentInvalid  = "PAYMENT_INVALID"
	ErrCodeFacilitator     = "FACILITATOR_ERROR"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// ErrNotFound is returned by stores when no matching record exists.
var ErrNotFound = errors.New("x402: not found")

// Error is the structured error every gate boundary converts failures into.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]interface{}

	// Hint is an operator-facing remediation note, set on configuration errors.
	Hint  string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails returns e with key set in its details.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewAuthenticationError reports a missing or invalid credential.
func NewAuthenticationError(message string) *Error {
	return &Error{Code: ErrCodeAuthentication, Message: message, Status: http.StatusUnauthorized}
}

// NewConfigurationError reports an unresolvable recipient, token or endpoint price.
func NewConfigurationError(message, hint string, cause error) *Error {
	return &Error{
		Code:    ErrCodeConfiguration,
		Message: message,
		Status:  http.StatusInternalServerError,
		Hint:    hint,
		Cause:   cause,
	}
}

// NewPaymentInvalid reports an absent, malformed, mismatched or rejected payment.
func NewPaymentInvalid(message string) *Error {
	return &Error{Code: ErrCodePaymentInvalid, Message: message, Status: http.StatusPaymentRequired}
}

// NewFacilitatorError reports that the remote facilitator failed or was unreachable.
func NewFacilitatorError(message string, cause error) *Error {
	return &Error{Code: ErrCodeFacilitator, Message: message, Status: http.StatusBadGateway, Cause: cause}
}

// NewInternalError reports anything unanticipated.
func NewInternalError(message string, cause error) *Error {
	return &Error{Code: ErrCodeInternal, Message: message, Status: http.StatusInternalServerError, Cause: cause}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsFacilitatorError reports whether err is a facilitator failure.
func IsFacilitatorError(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code == ErrCodeFacilitator
}

// ErrorCode extracts the code from err, or "" when err is not an *Error.
func ErrorCode(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
