package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mimisupply/synccore/internal/errors"
)

func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

func remote(code apperrors.ErrorCode) error {
	return apperrors.NewRemote(code, "update", errors.New("boom"))
}

// =====================================================
// Classification Tests
// =====================================================

// TestClassify_Table tests every row of the classification table.
func TestClassify_Table(t *testing.T) {
	c := NewClassifier(Policy{Rand: fixedRand(0)})

	tests := []struct {
		name      string
		err       error
		retryable bool
		delay     time.Duration
		message   string
		check     func(t *testing.T, d Decision)
	}{
		{
			name:      "network",
			err:       remote(apperrors.ErrNetwork),
			retryable: true,
			delay:     15 * time.Second,
			message:   MsgOffline,
			check:     func(t *testing.T, d Decision) { assert.True(t, d.GoOffline) },
		},
		{
			name:      "rate limit without retry-after",
			err:       remote(apperrors.ErrRemoteRateLimit),
			retryable: true,
			delay:     30 * time.Second,
			message:   MsgBusy,
		},
		{
			name:      "conflict",
			err:       remote(apperrors.ErrRemoteConflict),
			retryable: true,
			message:   MsgConflict,
			check:     func(t *testing.T, d Decision) { assert.True(t, d.Reresolve) },
		},
		{
			name:      "transient",
			err:       remote(apperrors.ErrRemoteTransient),
			retryable: true,
			message:   MsgInterrupted,
			check:     func(t *testing.T, d Decision) { assert.True(t, d.Recheck) },
		},
		{name: "quota", err: remote(apperrors.ErrRemoteQuota), message: MsgQuota},
		{name: "auth", err: remote(apperrors.ErrRemoteAuth), message: MsgSignIn},
		{name: "permission", err: remote(apperrors.ErrRemotePermission), message: MsgPermission},
		{
			name:    "version incompatible",
			err:     remote(apperrors.ErrRemoteVersionIncompatible),
			message: MsgUpdateApp,
			check:   func(t *testing.T, d Decision) { assert.True(t, d.Fatal) },
		},
		{
			name:  "not found",
			err:   remote(apperrors.ErrRemoteNotFound),
			check: func(t *testing.T, d Decision) { assert.True(t, d.Silent) },
		},
		{name: "constraint", err: remote(apperrors.ErrRemoteConstraint), message: MsgInvalid},
		{
			name:      "unknown",
			err:       errors.New("something odd"),
			retryable: true,
			delay:     5 * time.Second,
			message:   MsgUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(tt.err)
			assert.Equal(t, tt.retryable, d.Retryable)
			assert.Equal(t, tt.delay, d.Delay)
			assert.Equal(t, tt.message, d.UserMessage)
			if tt.check != nil {
				tt.check(t, d)
			}
		})
	}
}

// TestClassify_RateLimitRetryAfter tests that a server retry-after wins.
func TestClassify_RateLimitRetryAfter(t *testing.T) {
	c := NewClassifier(DefaultPolicy())

	err := &apperrors.RemoteError{
		Code:       apperrors.ErrRemoteRateLimit,
		Op:         "create",
		RetryAfter: 45 * time.Second,
	}
	d := c.Classify(err)

	assert.True(t, d.Retryable)
	assert.Equal(t, 45*time.Second, d.Delay)
	assert.Equal(t, "Service busy, retrying shortly", d.UserMessage)
}

// TestClassify_BusyJitter tests that the busy delay stays within bounds.
func TestClassify_BusyJitter(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		c := NewClassifier(Policy{Rand: fixedRand(r)})
		d := c.Classify(remote(apperrors.ErrRemoteRateLimit))
		assert.GreaterOrEqual(t, d.Delay, 30*time.Second)
		assert.LessOrEqual(t, d.Delay, 60*time.Second)
	}

	c := NewClassifier(Policy{Rand: fixedRand(0.5)})
	assert.Equal(t, 45*time.Second, c.Classify(remote(apperrors.ErrRemoteRateLimit)).Delay)
}

// TestClassify_NetworkErrors tests transport-level errors without a code.
func TestClassify_NetworkErrors(t *testing.T) {
	c := NewClassifier(DefaultPolicy())

	errs := []error{
		context.DeadlineExceeded,
		fmt.Errorf("fetch: %w", context.Canceled),
		&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
	}
	for _, err := range errs {
		d := c.Classify(err)
		assert.Equal(t, apperrors.ErrNetwork, d.Code, "error %v", err)
		assert.True(t, d.GoOffline)
		assert.True(t, d.Retryable)
	}
}

// TestClassify_Wrapped tests that codes survive wrapping.
func TestClassify_Wrapped(t *testing.T) {
	c := NewClassifier(DefaultPolicy())

	err := fmt.Errorf("replay order ord-1: %w", remote(apperrors.ErrRemoteQuota))
	d := c.Classify(err)
	assert.Equal(t, apperrors.ErrRemoteQuota, d.Code)
	assert.False(t, d.Retryable)
}

// TestClassify_PartialFailure tests per-item reclassification.
func TestClassify_PartialFailure(t *testing.T) {
	c := NewClassifier(DefaultPolicy())

	err := &apperrors.RemoteError{
		Code: apperrors.ErrRemotePartialFailure,
		Op:   "save_batch",
		Items: map[string]error{
			"0": remote(apperrors.ErrRemoteRateLimit),
			"2": remote(apperrors.ErrRemoteConstraint),
		},
	}
	d := c.Classify(err)

	require.Len(t, d.Items, 2)
	assert.True(t, d.Retryable)
	assert.True(t, d.Items["0"].Retryable)
	assert.False(t, d.Items["2"].Retryable)
	assert.Equal(t, MsgInvalid, d.Items["2"].UserMessage)

	allPermanent := &apperrors.RemoteError{
		Code:  apperrors.ErrRemotePartialFailure,
		Items: map[string]error{"1": remote(apperrors.ErrRemoteAuth)},
	}
	assert.False(t, c.Classify(allPermanent).Retryable)
}

// TestClassify_Nil tests that a nil error yields an empty decision.
func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, Decision{}, NewClassifier(DefaultPolicy()).Classify(nil))
}

// =====================================================
// Policy Tests
// =====================================================

// TestPolicy_NetworkBackoff tests exponential backoff for network failures.
func TestPolicy_NetworkBackoff(t *testing.T) {
	p := DefaultPolicy()
	c := NewClassifier(p)
	d := c.Classify(remote(apperrors.ErrNetwork))

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 15 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{5, 480 * time.Second},
		{8, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(d, tt.retryCount), "retry %d", tt.retryCount)
	}
}

// TestPolicy_NextAttempt tests that non-network delays are used as-is.
func TestPolicy_NextAttempt(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	busy := Decision{Code: apperrors.ErrRemoteRateLimit, Retryable: true, Delay: 45 * time.Second}
	assert.Equal(t, now.Add(45*time.Second), p.NextAttempt(busy, 3, now))

	conflict := Decision{Code: apperrors.ErrRemoteConflict, Retryable: true}
	assert.Equal(t, now, p.NextAttempt(conflict, 1, now))
}
