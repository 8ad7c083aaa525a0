package degradation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mimisupply/synccore/internal/cache"
	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/models"
)

func fallbackKey(service models.ServiceType, key string) string {
	return string(service) + "/" + key
}

// ExecuteWithFallback runs op against service. On success the result is
// cached under cacheKey and the service is marked recovered. On failure the
// service is marked degraded and the last cached result is returned if there
// is one; otherwise the error is returned.
//
// Only outage-shaped failures degrade the service and fall back to the
// cache (see serviceFault). Any other error, such as not-found, constraint,
// permission or conflict, is returned as is and leaves the service's health
// untouched.
func ExecuteWithFallback[T any](ctx context.Context, t *Tracker, service models.ServiceType, cacheKey string, op func(context.Context) (T, error)) (T, error) {
	result, err := op(ctx)
	if err == nil {
		t.ReportRecovery(service)
		if t.cache != nil {
			if perr := t.cache.Put(ctx, fallbackKey(service, cacheKey), models.CategoryFallback, result, t.ttl()...); perr != nil {
				t.logger.Warn("failed to cache fallback result",
					zap.String("service", string(service)),
					zap.String("key", cacheKey),
					zap.Error(perr))
			}
		}
		return result, nil
	}

	if !serviceFault(err) {
		return result, err
	}

	t.ReportFailure(service, err)
	if t.cache == nil {
		return result, err
	}
	cached, ok := cache.Get[T](ctx, t.cache, fallbackKey(service, cacheKey), models.CategoryFallback)
	if !ok {
		return result, err
	}

	t.logger.Debug("serving cached fallback",
		zap.String("service", string(service)),
		zap.String("key", cacheKey),
		zap.Error(err))
	return cached, nil
}

// serviceFault reports whether err means the service itself is unreachable
// or unhealthy, as opposed to rejecting this particular request.
func serviceFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNetwork, apperrors.ErrRemoteRateLimit, apperrors.ErrRemoteTransient, apperrors.ErrRemoteUnknown:
		return true
	case "":
		// Uncoded errors, transport failures included, count as unknown.
		return true
	}
	return false
}

func (t *Tracker) ttl() []time.Duration {
	if t.fallbackTTL <= 0 {
		return nil
	}
	return []time.Duration{t.fallbackTTL}
}
