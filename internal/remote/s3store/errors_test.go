package s3store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mimisupply/synccore/internal/errors"
)

func responseError(status int, header http.Header, err error) error {
	if header == nil {
		header = http.Header{}
	}
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status, Header: header}},
		Err:      err,
	}
}

// TestMapError tests the translation of SDK errors into remote error codes.
func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.ErrorCode
	}{
		{"no such key", &types.NoSuchKey{}, apperrors.ErrRemoteNotFound},
		{"precondition", &smithy.GenericAPIError{Code: "PreconditionFailed"}, apperrors.ErrRemoteConflict},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, apperrors.ErrRemoteRateLimit},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, apperrors.ErrRemotePermission},
		{"bad key id", &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, apperrors.ErrRemoteAuth},
		{"api code wins over status", responseError(http.StatusServiceUnavailable, nil,
			&smithy.GenericAPIError{Code: "InternalError"}), apperrors.ErrRemoteTransient},
		{"status 401", responseError(http.StatusUnauthorized, nil, errors.New("x")), apperrors.ErrRemoteAuth},
		{"status 429", responseError(http.StatusTooManyRequests, nil, errors.New("x")), apperrors.ErrRemoteRateLimit},
		{"status 426", responseError(http.StatusUpgradeRequired, nil, errors.New("x")), apperrors.ErrRemoteVersionIncompatible},
		{"status 507", responseError(http.StatusInsufficientStorage, nil, errors.New("x")), apperrors.ErrRemoteQuota},
		{"status 502", responseError(http.StatusBadGateway, nil, errors.New("x")), apperrors.ErrRemoteTransient},
		{"status 422", responseError(http.StatusUnprocessableEntity, nil, errors.New("x")), apperrors.ErrRemoteConstraint},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), apperrors.ErrNetwork},
		{"unknown", errors.New("mystery"), apperrors.ErrRemoteUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("update", "ord-1", tt.err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, mapError("update", "ord-1", nil))
}

// TestMapError_RetryAfter tests Retry-After extraction.
func TestMapError_RetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")
	err := mapError("update", "ord-1", responseError(http.StatusTooManyRequests, header, errors.New("x")))

	var remoteErr *apperrors.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, 7*time.Second, remoteErr.RetryAfter)
	assert.Equal(t, "ord-1", remoteErr.EntityID)

	header.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	err = mapError("update", "ord-1", responseError(http.StatusServiceUnavailable, header, errors.New("x")))
	require.ErrorAs(t, err, &remoteErr)
	assert.Greater(t, remoteErr.RetryAfter, 50*time.Minute)

	header.Set("Retry-After", "soon")
	err = mapError("update", "ord-1", responseError(http.StatusServiceUnavailable, header, errors.New("x")))
	require.ErrorAs(t, err, &remoteErr)
	assert.Zero(t, remoteErr.RetryAfter)
}
