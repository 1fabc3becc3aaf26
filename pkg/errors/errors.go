// Package errors provides the structured error system for hotfetch with error
// codes, categories, and retry hints.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode identifies a class of failure within the hotfetch core.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Queue / optimizer errors
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeRequestFailed    ErrorCode = "REQUEST_FAILED"
	ErrCodeRequestCanceled  ErrorCode = "REQUEST_CANCELED"
	ErrCodeOptimizerStopped ErrorCode = "OPTIMIZER_STOPPED"

	// Connection pool errors
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionInvalid ErrorCode = "CONNECTION_INVALID"
	ErrCodePoolClosed        ErrorCode = "POOL_CLOSED"

	// Cache errors
	ErrCodeStoreClosed ErrorCode = "STORE_CLOSED"
	ErrCodeStoreExists ErrorCode = "STORE_EXISTS"

	// Operation errors
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes for reporting.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryQueue         ErrorCategory = "queue"
	CategoryConnection    ErrorCategory = "connection"
	CategoryCache         ErrorCategory = "cache"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// HotfetchError is the structured error carried through the request path.
// A cache miss is not an error; absence is signaled by boolean returns.
type HotfetchError struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Op        string        `json:"op,omitempty"`

	// Attempts is the number of execution attempts made before the error
	// became terminal. Zero when retries are not involved.
	Attempts int `json:"attempts,omitempty"`

	// Retryable marks failures the optimizer may transparently retry.
	Retryable bool `json:"retryable"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *HotfetchError) Error() string {
	switch {
	case e.Component != "" && e.Op != "":
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Op, e.Code, e.Message)
	case e.Component != "":
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *HotfetchError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so callers can compare against sentinel values.
func (e *HotfetchError) Is(target error) bool {
	if t, ok := target.(*HotfetchError); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a HotfetchError with category and retry defaults derived from
// the code.
func New(code ErrorCode, message string) *HotfetchError {
	return &HotfetchError{
		Code:      code,
		Category:  CategoryOf(code),
		Message:   message,
		Retryable: RetryableByDefault(code),
		Timestamp: time.Now(),
	}
}

// Newf creates a HotfetchError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *HotfetchError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a HotfetchError around an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *HotfetchError {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithComponent sets the originating component.
func (e *HotfetchError) WithComponent(component string) *HotfetchError {
	e.Component = component
	return e
}

// WithOp sets the operation that failed.
func (e *HotfetchError) WithOp(op string) *HotfetchError {
	e.Op = op
	return e
}

// WithCause sets the underlying cause.
func (e *HotfetchError) WithCause(cause error) *HotfetchError {
	e.Cause = cause
	return e
}

// WithAttempts records how many attempts were made.
func (e *HotfetchError) WithAttempts(attempts int) *HotfetchError {
	e.Attempts = attempts
	return e
}

// WithRetryable overrides the retry hint.
func (e *HotfetchError) WithRetryable(retryable bool) *HotfetchError {
	e.Retryable = retryable
	return e
}

// CategoryOf maps an error code to its category.
func CategoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	case ErrCodeCapacityExceeded, ErrCodeRequestFailed, ErrCodeRequestCanceled, ErrCodeOptimizerStopped:
		return CategoryQueue
	case ErrCodeConnectionTimeout, ErrCodeConnectionInvalid, ErrCodePoolClosed:
		return CategoryConnection
	case ErrCodeStoreClosed, ErrCodeStoreExists:
		return CategoryCache
	case ErrCodeOperationTimeout, ErrCodeNetworkError:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// RetryableByDefault reports whether a code is considered transient unless
// the caller says otherwise.
func RetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err carries a retryable hint. Unknown error
// types are treated as permanent.
func IsRetryable(err error) bool {
	if e, ok := AsHotfetchError(err); ok {
		return e.Retryable
	}
	return false
}

// IsCode reports whether err (or any error in its chain) carries the code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := AsHotfetchError(err)
	return ok && e.Code == code
}

// CodeOf extracts the error code, or ErrCodeInternalError for foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := AsHotfetchError(err); ok {
		return e.Code
	}
	return ErrCodeInternalError
}

// AsHotfetchError walks the Unwrap chain looking for a *HotfetchError.
func AsHotfetchError(err error) (*HotfetchError, bool) {
	for err != nil {
		if e, ok := err.(*HotfetchError); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
