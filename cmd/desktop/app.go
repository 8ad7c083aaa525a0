package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mimisupply/synccore/cmd/desktop/handlers"
	"github.com/mimisupply/synccore/internal/cache"
	"github.com/mimisupply/synccore/internal/config"
	"github.com/mimisupply/synccore/internal/connectivity"
	"github.com/mimisupply/synccore/internal/db"
	"github.com/mimisupply/synccore/internal/degradation"
	"github.com/mimisupply/synccore/internal/maintenance"
	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/remote/memstore"
	"github.com/mimisupply/synccore/internal/remote/s3store"
	"github.com/mimisupply/synccore/internal/sync"
	"github.com/mimisupply/synccore/internal/sync/conflict"
	"github.com/mimisupply/synccore/internal/sync/queue"
	"github.com/mimisupply/synccore/internal/sync/retry"
	"github.com/mimisupply/synccore/internal/telemetry"
)

const readHeaderTimeout = 10 * time.Second

// app owns every long-lived component of the desktop process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	database  *db.DB
	closers   []func() error
	cache     *cache.Store
	queue     *queue.MutationQueue
	tracker   *degradation.Tracker
	sync      *sync.Coordinator
	monitor   connectivity.Monitor
	probe     *connectivity.HTTPProbe
	janitor   *maintenance.Janitor
	metrics   *telemetry.Metrics
	hub       *WSHub
	server    *http.Server
	forwarder context.CancelFunc
	forwards  stdsync.WaitGroup
}

// failureLog reports mutations that will never be applied.
type failureLog struct {
	logger *zap.Logger
}

func (f failureLog) MutationFailed(m models.Mutation, d retry.Decision) {
	f.logger.Warn("mutation abandoned",
		zap.String("id", m.ID),
		zap.String("kind", string(m.Kind())),
		zap.String("code", string(d.Code)),
		zap.String("message", d.UserMessage),
		zap.Int("retries", m.RetryCount))
}

// newApp opens local storage and builds the sync core. Nothing runs until
// start is called.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: telemetry.New(telemetry.DefaultNamespace)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.closeStorage())
			a = nil
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return a, fmt.Errorf("create data directory: %w", err)
	}
	a.database, err = db.Open(cfg.Storage.DataDir)
	if err != nil {
		return a, err
	}
	if err := a.database.Migrate(); err != nil {
		return a, err
	}

	if err := a.buildCache(ctx); err != nil {
		return a, err
	}
	if err := a.buildQueue(ctx); err != nil {
		return a, err
	}

	remote, err := a.buildRemote(ctx)
	if err != nil {
		return a, err
	}

	a.tracker = degradation.NewTracker(degradation.Options{
		Cache:       a.cache,
		FallbackTTL: a.cache.TTL(models.CategoryFallback),
		Logger:      moduleLogger(logger, "degradation"),
		Observer:    a.metrics,
	})

	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return a, err
	}
	conflicts := db.NewConflictRepository(a.database)
	a.closers = append(a.closers, conflicts.Close)

	a.sync, err = sync.NewCoordinator(sync.Dependencies{
		Queue:    a.queue,
		Remote:   remote,
		Cache:    a.cache,
		Resolver: conflict.NewResolver(strategy, conflict.Options{Logger: moduleLogger(logger, "conflict")}),
		Classifier: retry.NewClassifier(retry.Policy{
			DefaultDelay: cfg.Retry.DefaultDelay,
			NetworkDelay: cfg.Retry.NetworkDelay,
			BusyMinDelay: cfg.Retry.BusyMinDelay,
			BusyMaxDelay: cfg.Retry.BusyMaxDelay,
			BackoffCap:   cfg.Retry.BackoffCap,
		}),
		Tracker:   a.tracker,
		Conflicts: conflicts,
		Reporter:  failureLog{logger: moduleLogger(logger, "sync")},
	}, sync.Options{
		Workers:           cfg.Sync.Workers,
		ReplayInterval:    cfg.Sync.ReplayInterval,
		ReconcileInterval: cfg.Sync.ReconcileInterval,
		CycleTimeout:      cfg.Sync.CycleTimeout,
		MaxRetries:        cfg.Queue.MaxRetries,
		ReplayOnEnqueue:   cfg.Sync.ReplayOnEnqueue,
		Logger:            moduleLogger(logger, "sync"),
		Observer:          a.metrics,
	})
	if err != nil {
		return a, err
	}

	if cfg.Connectivity.ProbeURL != "" {
		a.probe = connectivity.NewHTTPProbe(connectivity.ProbeOptions{
			URL:      cfg.Connectivity.ProbeURL,
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Connectivity.ProbeTimeout,
			Logger:   moduleLogger(logger, "connectivity"),
		})
		a.monitor = a.probe
	} else {
		// Without a probe the remote is assumed reachable; network failures
		// still take the coordinator offline until the next cycle succeeds.
		a.monitor = connectivity.NewManual(true)
	}

	a.janitor = maintenance.NewJanitor(a.cache,
		maintenance.WithLogger(moduleLogger(logger, "maintenance")),
		maintenance.WithObserver(a.metrics),
		maintenance.WithSchedules(
			cfg.Maintenance.ExpirySchedule,
			cfg.Maintenance.SizeSchedule,
			cfg.Maintenance.MetricsSchedule,
		),
	)

	a.hub = NewWSHub(moduleLogger(logger, "websocket"))
	a.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

func moduleLogger(logger *zap.Logger, module string) *zap.Logger {
	return logger.With(zap.String("module", module))
}

func (a *app) buildCache(ctx context.Context) error {
	var backend cache.Backend
	switch a.cfg.Storage.CacheBackend {
	case "file":
		fb, err := cache.NewFileBackend(filepath.Join(a.cfg.Storage.DataDir, "cache"))
		if err != nil {
			return err
		}
		backend = fb
	default:
		repo := db.NewCacheRepository(a.database)
		a.closers = append(a.closers, repo.Close)
		backend = repo
	}

	ttls := make(map[models.CacheCategory]time.Duration, len(a.cfg.Cache.TTL))
	for name, ttl := range a.cfg.Cache.TTL {
		category, err := models.ParseCategory(name)
		if err != nil {
			return fmt.Errorf("cache.ttl: %w", err)
		}
		ttls[category] = ttl
	}
	limits := cache.DefaultLimits()
	for name, limit := range a.cfg.Cache.Limits {
		category, err := models.ParseCategory(name)
		if err != nil {
			return fmt.Errorf("cache.limits: %w", err)
		}
		limits[category] = limit
	}

	store, err := cache.NewStore(backend, cache.Options{
		DefaultTTL:  a.cfg.Cache.DefaultTTL,
		CategoryTTL: ttls,
		Limits:      limits,
		Compress:    a.cfg.Cache.Compress,
		HotEntries:  a.cfg.Cache.HotEntries,
		Logger:      moduleLogger(a.logger, "cache"),
		Observer:    a.metrics,
	})
	if err != nil {
		return err
	}
	if err := store.Load(ctx); err != nil {
		return err
	}
	a.cache = store
	return nil
}

func (a *app) buildQueue(ctx context.Context) error {
	opts := queue.Options{
		MaxSize:  a.cfg.Queue.MaxSize,
		Logger:   moduleLogger(a.logger, "queue"),
		Observer: a.metrics,
	}
	if a.cfg.Queue.Durable {
		journal := db.NewMutationRepository(a.database)
		a.closers = append(a.closers, journal.Close)
		opts.Journal = journal
	}
	a.queue = queue.NewMutationQueue(opts)

	n, err := a.queue.Restore(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("pending mutations restored", zap.Int("count", n))
	}
	return nil
}

func (a *app) buildRemote(ctx context.Context) (sync.RemoteStore, error) {
	if a.cfg.Remote.Driver != "s3" {
		a.logger.Warn("using in-memory remote store; changes are not shared")
		return memstore.New(), nil
	}
	s3cfg := a.cfg.Remote.S3
	return s3store.New(ctx, s3store.Config{
		Provider:  s3store.Provider(s3cfg.Provider),
		Endpoint:  s3cfg.Endpoint,
		AccountID: s3cfg.AccountID,
		Bucket:    s3cfg.Bucket,
		Region:    s3cfg.Region,
		AccessKey: s3cfg.AccessKey,
		SecretKey: s3cfg.SecretKey,
		Prefix:    s3cfg.Prefix,
		UseSSL:    s3cfg.UseSSL,
	}, s3store.Options{Logger: moduleLogger(a.logger, "s3store")})
}

// routes builds the local status API.
func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	syncHandler := handlers.NewSyncHandler(a.sync, a.cfg.Sync.CycleTimeout, moduleLogger(a.logger, "api"))
	statusHandler := handlers.NewStatusHandler(a.tracker, a.cache, Version)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", statusHandler.Health)
		r.Get("/degradation", statusHandler.GetDegradation)
		r.Get("/cache/stats", statusHandler.GetCacheStats)
		r.Get("/sync/status", syncHandler.GetStatus)
		r.Post("/sync/now", syncHandler.SyncNow)
		r.Post("/mutations", syncHandler.Enqueue)
	})
	r.Get("/ws", HandleWebSocket(a.hub))
	if a.cfg.Telemetry.Enabled {
		r.Handle("/metrics", a.metrics.Handler())
	}
	return r
}

// start launches the background components and the HTTP listener. The
// listener address is returned so callers using port 0 can find it.
func (a *app) start(ctx context.Context) (net.Addr, error) {
	if err := a.janitor.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance: %w", err)
	}
	if a.probe != nil {
		a.probe.Start(ctx)
	}
	a.sync.Start(ctx, a.monitor)

	fwdCtx, cancel := context.WithCancel(ctx)
	a.forwarder = cancel
	events, unsubscribeSync := a.sync.Subscribe()
	changes, unsubscribeLevel := a.tracker.Subscribe()
	a.forwards.Add(2)
	go func() {
		defer a.forwards.Done()
		defer unsubscribeSync()
		a.hub.ForwardSync(fwdCtx, events)
	}()
	go func() {
		defer a.forwards.Done()
		defer unsubscribeLevel()
		a.hub.ForwardDegradation(fwdCtx, changes)
	}()

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("synccore started",
		zap.String("addr", ln.Addr().String()),
		zap.String("remote", a.cfg.Remote.Driver),
		zap.Bool("durable_queue", a.queue.Durable()),
		zap.Int("pending", a.queue.Count()))
	return ln.Addr(), nil
}

// shutdown stops the listener first so no new mutations arrive, then the
// background components, then closes storage.
func (a *app) shutdown(ctx context.Context) error {
	var errs error
	if a.server != nil {
		errs = multierr.Append(errs, a.server.Shutdown(ctx))
	}
	if a.sync != nil {
		a.sync.Stop()
	}
	if a.probe != nil {
		a.probe.Stop()
	}
	if a.janitor != nil {
		select {
		case <-a.janitor.Stop().Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("maintenance: %w", ctx.Err()))
		}
	}
	if a.forwarder != nil {
		a.forwarder()
		a.forwards.Wait()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	errs = multierr.Append(errs, a.closeStorage())
	a.logger.Info("synccore stopped", zap.Int("pending", a.queue.Count()))
	return errs
}

func (a *app) closeStorage() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.database != nil {
		errs = multierr.Append(errs, a.database.Close())
		a.database = nil
	}
	return errs
}
