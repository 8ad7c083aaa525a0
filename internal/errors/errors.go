// Package errors provides the error taxonomy shared by the sync core and the UI boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode represents a stable error code that can be surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrQueueFull  ErrorCode = "QUEUE_FULL"
	ErrNotRunning ErrorCode = "NOT_RUNNING"

	// Remote store errors
	ErrNetwork                   ErrorCode = "NETWORK"
	ErrRemoteQuota               ErrorCode = "REMOTE_QUOTA"
	ErrRemoteRateLimit           ErrorCode = "REMOTE_RATE_LIMIT"
	ErrRemoteAuth                ErrorCode = "REMOTE_AUTH"
	ErrRemotePermission          ErrorCode = "REMOTE_PERMISSION"
	ErrRemoteConflict            ErrorCode = "REMOTE_CONFLICT"
	ErrRemoteNotFound            ErrorCode = "REMOTE_NOT_FOUND"
	ErrRemoteConstraint          ErrorCode = "REMOTE_CONSTRAINT"
	ErrRemoteVersionIncompatible ErrorCode = "REMOTE_VERSION_INCOMPATIBLE"
	ErrRemotePartialFailure      ErrorCode = "REMOTE_PARTIAL_FAILURE"
	ErrRemoteTransient           ErrorCode = "REMOTE_TRANSIENT"
	ErrRemoteUnknown             ErrorCode = "REMOTE_UNKNOWN"

	// Local cache errors
	ErrCacheCorruption        ErrorCode = "CACHE_CORRUPTION"
	ErrCacheCapacityExceeded  ErrorCode = "CACHE_CAPACITY_EXCEEDED"
	ErrCacheUnknownCategory   ErrorCode = "CACHE_UNKNOWN_CATEGORY"
	ErrMutationRetryExhausted ErrorCode = "MUTATION_RETRY_EXHAUSTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// RemoteError is returned by remote store implementations. Code must be one of the
// remote taxonomy codes so the retry classifier can act on it.
type RemoteError struct {
	Code     ErrorCode
	Op       string
	EntityID string
	// RetryAfter is the server-provided delay, zero when the server sent none.
	RetryAfter time.Duration
	// Items holds per-item failures keyed by item key for ErrRemotePartialFailure.
	Items map[string]error
	Err   error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("]")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.EntityID != "" {
		b.WriteString(" ")
		b.WriteString(e.EntityID)
	}
	if len(e.Items) > 0 {
		fmt.Fprintf(&b, " (%d failed items)", len(e.Items))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// FailedItems returns the failed item keys in a stable order.
func (e *RemoteError) FailedItems() []string {
	ids := make([]string, 0, len(e.Items))
	for id := range e.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewRemote creates a RemoteError for an operation.
func NewRemote(code ErrorCode, op string, err error) *RemoteError {
	return &RemoteError{Code: code, Op: op, Err: err}
}

// CodeOf extracts the error code carried by err, or "" if it has none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var remoteErr *RemoteError
	if stderrors.As(err, &remoteErr) {
		return remoteErr.Code
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
