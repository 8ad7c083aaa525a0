package s3store

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	apperrors "github.com/mimisupply/synccore/internal/errors"
)

// apiCodes maps S3 error codes onto the remote error taxonomy.
var apiCodes = map[string]apperrors.ErrorCode{
	"NoSuchKey":                  apperrors.ErrRemoteNotFound,
	"NotFound":                   apperrors.ErrRemoteNotFound,
	"NoSuchBucket":               apperrors.ErrRemoteNotFound,
	"PreconditionFailed":         apperrors.ErrRemoteConflict,
	"ConditionalRequestConflict": apperrors.ErrRemoteConflict,
	"SlowDown":                   apperrors.ErrRemoteRateLimit,
	"Throttling":                 apperrors.ErrRemoteRateLimit,
	"ThrottlingException":        apperrors.ErrRemoteRateLimit,
	"TooManyRequests":            apperrors.ErrRemoteRateLimit,
	"RequestLimitExceeded":       apperrors.ErrRemoteRateLimit,
	"AccessDenied":               apperrors.ErrRemotePermission,
	"AllAccessDisabled":          apperrors.ErrRemotePermission,
	"InvalidAccessKeyId":         apperrors.ErrRemoteAuth,
	"SignatureDoesNotMatch":      apperrors.ErrRemoteAuth,
	"ExpiredToken":               apperrors.ErrRemoteAuth,
	"InvalidToken":               apperrors.ErrRemoteAuth,
	"QuotaExceeded":              apperrors.ErrRemoteQuota,
	"ServiceQuotaExceeded":       apperrors.ErrRemoteQuota,
	"InvalidArgument":            apperrors.ErrRemoteConstraint,
	"InvalidRequest":             apperrors.ErrRemoteConstraint,
	"EntityTooLarge":             apperrors.ErrRemoteConstraint,
	"MalformedXML":               apperrors.ErrRemoteConstraint,
	"UpgradeRequired":            apperrors.ErrRemoteVersionIncompatible,
	"InternalError":              apperrors.ErrRemoteTransient,
	"ServiceUnavailable":         apperrors.ErrRemoteTransient,
	"RequestTimeout":             apperrors.ErrRemoteTransient,
}

// httpError is implemented by the SDK's HTTP response errors.
type httpError interface {
	HTTPStatusCode() int
	HTTPResponse() *smithyhttp.Response
}

// mapError converts an SDK error into a RemoteError carrying the taxonomy
// code the retry classifier acts on.
func mapError(op, entityID string, err error) error {
	if err == nil {
		return nil
	}

	remoteErr := &apperrors.RemoteError{Code: apperrors.ErrRemoteUnknown, Op: op, EntityID: entityID, Err: err}

	var respErr httpError
	hasResp := errors.As(err, &respErr)
	if hasResp {
		remoteErr.RetryAfter = retryAfter(respErr.HTTPResponse())
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiCodes[apiErr.ErrorCode()]; ok {
			remoteErr.Code = code
			return remoteErr
		}
	}
	if hasResp {
		remoteErr.Code = statusCode(respErr.HTTPStatusCode())
		return remoteErr
	}

	var netErr net.Error
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		remoteErr.Code = apperrors.ErrNetwork
	}
	return remoteErr
}

// statusCode maps an HTTP status without a recognized S3 error code.
func statusCode(status int) apperrors.ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return apperrors.ErrRemoteAuth
	case status == http.StatusForbidden:
		return apperrors.ErrRemotePermission
	case status == http.StatusNotFound:
		return apperrors.ErrRemoteNotFound
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return apperrors.ErrRemoteConflict
	case status == http.StatusTooManyRequests:
		return apperrors.ErrRemoteRateLimit
	case status == http.StatusUpgradeRequired:
		return apperrors.ErrRemoteVersionIncompatible
	case status == http.StatusInsufficientStorage:
		return apperrors.ErrRemoteQuota
	case status == http.StatusServiceUnavailable:
		return apperrors.ErrRemoteRateLimit
	case status >= 500:
		return apperrors.ErrRemoteTransient
	case status >= 400:
		return apperrors.ErrRemoteConstraint
	default:
		return apperrors.ErrRemoteUnknown
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(resp *smithyhttp.Response) time.Duration {
	if resp == nil || resp.Response == nil {
		return 0
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
