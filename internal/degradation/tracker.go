// Package degradation tracks the health of remote dependencies and picks a
// fallback behavior for each failing one.
package degradation

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mimisupply/synccore/internal/cache"
	"github.com/mimisupply/synccore/internal/logging"
	"github.com/mimisupply/synccore/internal/models"
)

// Fallback is the behavior the app switches to while a service is degraded.
type Fallback string

const (
	FallbackNone           Fallback = "none"
	FallbackCacheAndQueue  Fallback = "use_cache_and_queue_writes"
	FallbackLastKnown      Fallback = "last_known_location"
	FallbackDeferPayment   Fallback = "defer_payment"
	FallbackPollForUpdates Fallback = "poll_for_updates"
	FallbackCachedSession  Fallback = "use_cached_session"
	FallbackDropEvents     Fallback = "drop_events"
)

var fallbacks = map[models.ServiceType]Fallback{
	models.ServiceRemoteStore: FallbackCacheAndQueue,
	models.ServiceLocation:    FallbackLastKnown,
	models.ServicePayment:     FallbackDeferPayment,
	models.ServicePush:        FallbackPollForUpdates,
	models.ServiceAuth:        FallbackCachedSession,
	models.ServiceAnalytics:   FallbackDropEvents,
}

// Status messages shown in the degradation banner.
const (
	MessageMinor    = "Some features limited"
	MessageModerate = "Offline mode"
	MessageSevere   = "Core features only"
)

// LevelChange is published when the aggregate level changes.
type LevelChange struct {
	Previous models.DegradationLevel `json:"previous"`
	Current  models.DegradationLevel `json:"current"`
	At       time.Time               `json:"at"`
}

// Observer receives degradation metrics.
type Observer interface {
	DegradationLevel(level models.DegradationLevel)
	ServiceHealth(service models.ServiceType, degraded bool)
}

type nopObserver struct{}

func (nopObserver) DegradationLevel(models.DegradationLevel) {}
func (nopObserver) ServiceHealth(models.ServiceType, bool) {}

// Options configures a Tracker.
type Options struct {
	// Cache holds the last good results for ExecuteWithFallback. Optional.
	Cache       *cache.Store
	FallbackTTL time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	Observer    Observer
}

// Tracker aggregates per-service health into a degradation level.
//
// Each service's health is an immutable snapshot behind its own atomic
// pointer, so concurrent failures on different services never overwrite
// each other.
type Tracker struct {
	services    map[models.ServiceType]*atomic.Pointer[models.ServiceHealth]
	cache       *cache.Store
	fallbackTTL time.Duration
	now         func() time.Time
	logger      *zap.Logger
	observer    Observer

	mu     sync.Mutex
	level  models.DegradationLevel
	subs   map[int]chan LevelChange
	nextID int
}

// NewTracker creates a Tracker with every service healthy.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	t := &Tracker{
		services:    make(map[models.ServiceType]*atomic.Pointer[models.ServiceHealth]),
		cache:       opts.Cache,
		fallbackTTL: opts.FallbackTTL,
		now:         opts.Clock,
		logger:      logging.Or(opts.Logger, "degradation"),
		observer:    opts.Observer,
		subs:        make(map[int]chan LevelChange),
	}
	start := t.now()
	for _, s := range models.ServiceTypes() {
		p := &atomic.Pointer[models.ServiceHealth]{}
		p.Store(&models.ServiceHealth{Service: s, State: models.Healthy, Since: start})
		t.services[s] = p
	}
	return t
}

// ReportFailure marks service degraded.
func (t *Tracker) ReportFailure(service models.ServiceType, err error) {
	p, ok := t.services[service]
	if !ok {
		t.logger.Warn("failure reported for unknown service", zap.String("service", string(service)))
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	now := t.now()
	for {
		old := p.Load()
		next := &models.ServiceHealth{
			Service:   service,
			State:     models.Degraded,
			LastError: msg,
			Since:     old.Since,
			Failures:  old.Failures + 1,
		}
		if !old.IsDegraded() {
			next.Since = now
		}
		if p.CompareAndSwap(old, next) {
			if !old.IsDegraded() {
				t.logger.Warn("service degraded", zap.String("service", string(service)), zap.String("error", msg))
				t.observer.ServiceHealth(service, true)
			}
			break
		}
	}
	t.publish()
}

// ReportRecovery marks service healthy.
func (t *Tracker) ReportRecovery(service models.ServiceType) {
	p, ok := t.services[service]
	if !ok {
		return
	}

	now := t.now()
	for {
		old := p.Load()
		if !old.IsDegraded() {
			return
		}
		next := &models.ServiceHealth{Service: service, State: models.Healthy, Since: now}
		if p.CompareAndSwap(old, next) {
			t.logger.Info("service recovered",
				zap.String("service", string(service)),
				zap.Duration("degraded_for", now.Sub(old.Since)))
			t.observer.ServiceHealth(service, false)
			break
		}
	}
	t.publish()
}

// Health returns the current health of service.
func (t *Tracker) Health(service models.ServiceType) models.ServiceHealth {
	p, ok := t.services[service]
	if !ok {
		return models.ServiceHealth{Service: service, State: models.Healthy}
	}
	return *p.Load()
}

// Snapshot returns the health of every service in a stable order.
func (t *Tracker) Snapshot() []models.ServiceHealth {
	out := make([]models.ServiceHealth, 0, len(t.services))
	for _, s := range models.ServiceTypes() {
		out = append(out, *t.services[s].Load())
	}
	return out
}

// IsServiceAvailable reports whether service is healthy.
func (t *Tracker) IsServiceAvailable(service models.ServiceType) bool {
	return !t.Health(service).IsDegraded()
}

// Level returns the aggregate degradation level.
func (t *Tracker) Level() models.DegradationLevel {
	return ComputeLevel(t.Snapshot())
}

// ComputeLevel aggregates service health: severe when two or more critical
// services are degraded; moderate for one critical or three or more
// non-critical; minor for one or two non-critical.
func ComputeLevel(health []models.ServiceHealth) models.DegradationLevel {
	critical, other := 0, 0
	for _, h := range health {
		if !h.IsDegraded() {
			continue
		}
		if h.Service.Critical() {
			critical++
		} else {
			other++
		}
	}
	switch {
	case critical >= 2:
		return models.LevelSevere
	case critical == 1, other >= 3:
		return models.LevelModerate
	case other >= 1:
		return models.LevelMinor
	default:
		return models.LevelNone
	}
}

// StatusMessage returns the banner text for the current level. It returns
// false when nothing is degraded.
func (t *Tracker) StatusMessage() (string, bool) {
	switch t.Level() {
	case models.LevelMinor:
		return MessageMinor, true
	case models.LevelModerate:
		return MessageModerate, true
	case models.LevelSevere:
		return MessageSevere, true
	default:
		return "", false
	}
}

// Fallback returns the behavior to use for service, or FallbackNone while
// it is healthy.
func (t *Tracker) Fallback(service models.ServiceType) Fallback {
	if t.IsServiceAvailable(service) {
		return FallbackNone
	}
	if f, ok := fallbacks[service]; ok {
		return f
	}
	return FallbackNone
}

// Subscribe returns a channel receiving level changes and a function that
// ends the subscription. Changes are dropped for subscribers that fall
// behind.
func (t *Tracker) Subscribe() (<-chan LevelChange, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan LevelChange, 8)
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
}

// publish recomputes the level and notifies subscribers if it changed.
func (t *Tracker) publish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.Level()
	if current == t.level {
		return
	}
	change := LevelChange{Previous: t.level, Current: current, At: t.now()}
	t.level = current
	t.observer.DegradationLevel(current)

	t.logger.Info("degradation level changed",
		zap.Stringer("previous", change.Previous),
		zap.Stringer("current", change.Current))

	for _, ch := range t.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
