// Package maintenance runs periodic cache upkeep: expiry sweeps, size
// enforcement and metrics snapshots.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mimisupply/synccore/internal/cache"
	"github.com/mimisupply/synccore/internal/logging"
	"github.com/mimisupply/synccore/internal/models"
)

const (
	DefaultExpirySpec  = "@every 5m"
	DefaultSizeSpec    = "@every 10m"
	DefaultMetricsSpec = "@every 1m"
)

// Job names reported to the Observer.
const (
	JobExpiry  = "expiry"
	JobSize    = "size"
	JobMetrics = "metrics"
)

// Cache is the part of cache.Store the janitor maintains.
type Cache interface {
	EvictExpired(ctx context.Context) (int, error)
	EnforceSizeLimits(ctx context.Context) (int, error)
	Statistics() cache.Statistics
}

// Observer receives job results and cache size snapshots.
type Observer interface {
	MaintenanceRun(job string, d time.Duration, err error)
	CacheSize(category models.CacheCategory, entries int, bytes int64)
}

type nopObserver struct{}

func (nopObserver) MaintenanceRun(string, time.Duration, error) {}
func (nopObserver) CacheSize(models.CacheCategory, int, int64) {}

// Janitor schedules maintenance jobs on a cron scheduler. Its lifecycle is
// owned by the process through Start and Stop.
type Janitor struct {
	cache    Cache
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
	observer Observer

	expirySchedule  string
	sizeSchedule    string
	metricsSchedule string
}

// Option customises the Janitor.
type Option func(*Janitor)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(j *Janitor) {
		if c != nil {
			j.cron = c
		}
	}
}

// WithNow overrides the clock used to time jobs.
func WithNow(now func() time.Time) Option {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Janitor) {
		if l != nil {
			j.log = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(j *Janitor) {
		if o != nil {
			j.observer = o
		}
	}
}

// WithSchedules overrides the cron specs. Empty specs keep their defaults;
// "-" disables a job.
func WithSchedules(expiry, size, metrics string) Option {
	return func(j *Janitor) {
		if expiry != "" {
			j.expirySchedule = expiry
		}
		if size != "" {
			j.sizeSchedule = size
		}
		if metrics != "" {
			j.metricsSchedule = metrics
		}
	}
}

// NewJanitor creates a Janitor for c.
func NewJanitor(c Cache, opts ...Option) *Janitor {
	j := &Janitor{
		cache:           c,
		now:             time.Now,
		observer:        nopObserver{},
		expirySchedule:  DefaultExpirySpec,
		sizeSchedule:    DefaultSizeSpec,
		metricsSchedule: DefaultMetricsSpec,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.log == nil {
		j.log = logging.WithModule("maintenance")
	}
	if j.cron == nil {
		j.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return j
}

type job struct {
	name string
	spec string
	run  func(context.Context) error
}

func (j *Janitor) jobs() []job {
	return []job{
		{JobExpiry, j.expirySchedule, j.sweepExpired},
		{JobSize, j.sizeSchedule, j.enforceLimits},
		{JobMetrics, j.metricsSchedule, j.snapshot},
	}
}

// Start registers the jobs and launches the scheduler. An invalid cron spec
// is returned before anything runs.
func (j *Janitor) Start() error {
	if j.cache == nil {
		return nil
	}
	for _, jb := range j.jobs() {
		if jb.spec == "-" {
			continue
		}
		if _, err := j.cron.AddFunc(jb.spec, func() {
			_ = j.execute(context.Background(), jb)
		}); err != nil {
			return err
		}
	}
	j.cron.Start()
	j.log.Info("maintenance started",
		zap.String("expiry", j.expirySchedule),
		zap.String("size", j.sizeSchedule),
		zap.String("metrics", j.metricsSchedule))
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs
// have finished.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// RunOnce executes every job sequentially and aggregates their errors.
func (j *Janitor) RunOnce(ctx context.Context) error {
	if j.cache == nil {
		return nil
	}
	var errs error
	for _, jb := range j.jobs() {
		errs = multierr.Append(errs, j.execute(ctx, jb))
	}
	return errs
}

func (j *Janitor) execute(ctx context.Context, jb job) error {
	started := j.now()
	err := jb.run(ctx)
	j.observer.MaintenanceRun(jb.name, j.now().Sub(started), err)
	if err != nil {
		j.log.Warn("maintenance job failed", zap.String("job", jb.name), zap.Error(err))
	}
	return err
}

func (j *Janitor) sweepExpired(ctx context.Context) error {
	n, err := j.cache.EvictExpired(ctx)
	if n > 0 {
		j.log.Debug("expired cache entries removed", zap.Int("count", n))
	}
	return err
}

func (j *Janitor) enforceLimits(ctx context.Context) error {
	n, err := j.cache.EnforceSizeLimits(ctx)
	if n > 0 {
		j.log.Debug("cache entries evicted for size", zap.Int("count", n))
	}
	return err
}

func (j *Janitor) snapshot(context.Context) error {
	st := j.cache.Statistics()
	for category, cs := range st.Categories {
		j.observer.CacheSize(category, cs.Entries, cs.Bytes)
	}
	j.log.Debug("cache snapshot",
		zap.Int("entries", st.TotalEntries),
		zap.Int64("bytes", st.TotalBytes),
		zap.Float64("hit_rate", st.HitRate))
	return nil
}
