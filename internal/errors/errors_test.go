// Package errors tests for the error taxonomy and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrorCodeValues verifies all error codes have non-empty, unique values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrDatabase, ErrQueueFull, ErrNotRunning,
		ErrNetwork, ErrRemoteQuota, ErrRemoteRateLimit, ErrRemoteAuth, ErrRemotePermission,
		ErrRemoteConflict, ErrRemoteNotFound, ErrRemoteConstraint, ErrRemoteVersionIncompatible,
		ErrRemotePartialFailure, ErrRemoteTransient, ErrRemoteUnknown,
		ErrCacheCorruption, ErrCacheCapacityExceeded, ErrCacheUnknownCategory, ErrMutationRetryExhausted,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

// TestWrap verifies error wrapping and unwrapping.
func TestWrap(t *testing.T) {
	underlying := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlying)
	require.NotNil(t, err)
	assert.Equal(t, ErrDatabase, err.Code)
	assert.ErrorIs(t, err, underlying)
	assert.Nil(t, New(ErrInternal, "x").Err)
}

func TestRemoteError_Error(t *testing.T) {
	err := &RemoteError{Code: ErrRemoteRateLimit, Op: "update", EntityID: "order-1", RetryAfter: 45 * time.Second, Err: errors.New("slow down")}
	assert.Equal(t, "[REMOTE_RATE_LIMIT] update order-1: slow down", err.Error())

	partial := &RemoteError{
		Code:  ErrRemotePartialFailure,
		Op:    "save_batch",
		Items: map[string]error{"b": errors.New("x"), "a": errors.New("y")},
	}
	assert.Equal(t, "[REMOTE_PARTIAL_FAILURE] save_batch (2 failed items)", partial.Error())
	assert.Equal(t, []string{"a", "b"}, partial.FailedItems())
}

// TestIs verifies error code checking through wrapping layers.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrQueueFull, "full"), ErrQueueFull, true},
		{"non-matching AppError", New(ErrQueueFull, "full"), ErrInternal, false},
		{"wrapped RemoteError", fmt.Errorf("replay: %w", NewRemote(ErrRemoteAuth, "create", nil)), ErrRemoteAuth, true},
		{"standard error", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.code))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Equal(t, ErrRemoteConflict, CodeOf(NewRemote(ErrRemoteConflict, "update", nil)))
	assert.Equal(t, ErrCacheCorruption, CodeOf(fmt.Errorf("get: %w", New(ErrCacheCorruption, "bad record"))))
}
