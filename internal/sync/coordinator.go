package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mimisupply/synccore/internal/cache"
	"github.com/mimisupply/synccore/internal/connectivity"
	"github.com/mimisupply/synccore/internal/degradation"
	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/logging"
	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/sync/conflict"
	"github.com/mimisupply/synccore/internal/sync/queue"
	"github.com/mimisupply/synccore/internal/sync/retry"
)

// State is the coordinator's connectivity state.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Defaults for Options.
const (
	DefaultWorkers           = 4
	DefaultReplayInterval    = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultCycleTimeout      = 5 * time.Minute
	DefaultMaxRetries        = 5
)

// Dependencies are the components a Coordinator composes. Queue and Remote
// are required; the rest are optional or defaulted.
type Dependencies struct {
	Queue      *queue.MutationQueue
	Remote     RemoteStore
	Cache      *cache.Store
	Resolver   *conflict.Resolver
	Classifier *retry.Classifier
	Tracker    *degradation.Tracker
	Conflicts  ConflictRecorder
	Reporter   FailureReporter
}

// Options configures a Coordinator.
type Options struct {
	// Workers bounds the entities replayed concurrently.
	Workers           int
	ReplayInterval    time.Duration
	ReconcileInterval time.Duration
	// CycleTimeout bounds each remote call made by a cycle.
	CycleTimeout time.Duration
	// MaxRetries is given to enqueued mutations that carry none.
	MaxRetries int
	// ReplayOnEnqueue starts a replay as soon as a mutation is enqueued
	// while online.
	ReplayOnEnqueue bool
	Clock           func() time.Time
	Logger          *zap.Logger
	Observer        Observer
}

// DefaultOptions returns the standard coordinator options.
func DefaultOptions() Options {
	return Options{
		Workers:           DefaultWorkers,
		ReplayInterval:    DefaultReplayInterval,
		ReconcileInterval: DefaultReconcileInterval,
		CycleTimeout:      DefaultCycleTimeout,
		MaxRetries:        DefaultMaxRetries,
		ReplayOnEnqueue:   true,
	}
}

// Coordinator drains the mutation queue into the remote store while online
// and reconciles the local cache with remote changes.
//
// At most one replay cycle runs at a time; triggers that arrive during a
// cycle coalesce into one follow-up cycle. Within a cycle, mutations for the
// same entity are applied in enqueue order and different entities are
// replayed concurrently. Mutations enqueued during a cycle wait for the
// follow-up cycle, so one entity is never replayed by two goroutines at once.
// The inflight set only feeds Status.
type Coordinator struct {
	queue      *queue.MutationQueue
	remote     RemoteStore
	cache      *cache.Store
	resolver   *conflict.Resolver
	classifier *retry.Classifier
	policy     retry.Policy
	tracker    *degradation.Tracker
	conflicts  ConflictRecorder
	reporter   FailureReporter
	opts       Options
	sem        *semaphore.Weighted
	now        func() time.Time
	logger     *zap.Logger
	observer   Observer
	events     *eventHub

	mu    stdsync.Mutex
	state State
	// onlineCtx is cancelled when going offline, which stops new remote
	// calls from being started.
	onlineCtx     context.Context
	goOffline     context.CancelFunc
	networkDown   bool
	halted        string
	lastSync      time.Time
	lastReconcile time.Time
	lastError     string
	lastCycle     *CycleResult
	inflight      map[string]struct{}

	cycleMu      stdsync.Mutex
	cycleRunning bool
	rerun        bool
	waiters      []chan *CycleResult
	cycles       stdsync.WaitGroup

	reconcileMu stdsync.Mutex

	runMu   stdsync.Mutex
	running bool
	monitor connectivity.Monitor
	stopCh  chan struct{}
	loops   stdsync.WaitGroup
}

// NewCoordinator creates a Coordinator in the offline state.
func NewCoordinator(deps Dependencies, opts Options) (*Coordinator, error) {
	if deps.Queue == nil {
		return nil, errors.New("sync coordinator: nil queue")
	}
	if deps.Remote == nil {
		return nil, errors.New("sync coordinator: nil remote store")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ReplayInterval <= 0 {
		opts.ReplayInterval = DefaultReplayInterval
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	logger := logging.Or(opts.Logger, "sync")
	if deps.Resolver == nil {
		deps.Resolver = conflict.NewResolver(conflict.DefaultStrategy, conflict.Options{Clock: opts.Clock, Logger: logger})
	}
	if deps.Classifier == nil {
		deps.Classifier = retry.NewClassifier(retry.DefaultPolicy())
	}

	return &Coordinator{
		queue:      deps.Queue,
		remote:     deps.Remote,
		cache:      deps.Cache,
		resolver:   deps.Resolver,
		classifier: deps.Classifier,
		policy:     deps.Classifier.Policy(),
		tracker:    deps.Tracker,
		conflicts:  deps.Conflicts,
		reporter:   deps.Reporter,
		opts:       opts,
		sem:        semaphore.NewWeighted(int64(opts.Workers)),
		now:        opts.Clock,
		logger:     logger,
		observer:   opts.Observer,
		events:     newEventHub(),
		state:      StateOffline,
		inflight:   make(map[string]struct{}),
	}, nil
}

// ===== Lifecycle =====

// Start follows monitor for connectivity and runs the periodic replay and
// reconcile loops until Stop or ctx is done. With a nil monitor the state
// only changes through SetOnline.
func (c *Coordinator) Start(ctx context.Context, monitor connectivity.Monitor) {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return
	}
	c.running = true
	c.monitor = monitor
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.runMu.Unlock()

	var (
		updates     <-chan bool
		unsubscribe = func() {}
	)
	if monitor != nil {
		updates, unsubscribe = monitor.Subscribe()
		c.SetOnline(monitor.Reachable())
	}

	c.loops.Add(3)
	go c.monitorLoop(ctx, stopCh, updates, unsubscribe)
	go c.replayLoop(ctx, stopCh)
	go c.reconcileLoop(ctx, stopCh)

	c.logger.Info("sync coordinator started",
		zap.Int("workers", c.opts.Workers),
		zap.Duration("replay_interval", c.opts.ReplayInterval),
		zap.Duration("reconcile_interval", c.opts.ReconcileInterval))
}

// Stop ends the background loops, goes offline and waits for the running
// cycle to finish. Remote calls already dispatched complete first.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.runMu.Unlock()

	c.loops.Wait()

	c.mu.Lock()
	c.setStateLocked(false)
	c.mu.Unlock()

	c.cycles.Wait()
	c.events.close()
	c.logger.Info("sync coordinator stopped")
}

func (c *Coordinator) monitorLoop(ctx context.Context, stopCh <-chan struct{}, updates <-chan bool, unsubscribe func()) {
	defer c.loops.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case reachable, ok := <-updates:
			if !ok {
				return
			}
			c.SetOnline(reachable)
		}
	}
}

func (c *Coordinator) replayLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer c.loops.Done()

	ticker := time.NewTicker(c.opts.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			state, down := c.state, c.networkDown
			c.mu.Unlock()

			if state == StateOffline {
				// A failed call took us offline while the monitor still
				// reports the network as reachable; try again.
				if down && (c.monitor == nil || c.monitor.Reachable()) {
					c.SetOnline(true)
				}
				continue
			}
			if c.queue.Count() > 0 {
				c.schedule()
			}
		}
	}
}

func (c *Coordinator) reconcileLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer c.loops.Done()

	ticker := time.NewTicker(c.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if c.State() != StateOnline {
				continue
			}
			if _, err := c.Reconcile(ctx); err != nil {
				c.logger.Warn("periodic reconcile failed", zap.Error(err))
			}
		}
	}
}

// ===== State =====

// SetOnline switches between Online and Offline. Going online starts a
// replay followed by a reconcile; going offline stops new remote calls from
// being started.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	changed := c.setStateLocked(online)
	c.networkDown = false
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("connectivity changed", zap.String("state", string(c.State())))
	c.publishStatus()

	if online {
		c.cycles.Add(1)
		go func() {
			defer c.cycles.Done()
			<-c.schedule()
			if _, err := c.Reconcile(context.Background()); err != nil {
				c.logger.Debug("reconcile after reconnect failed", zap.Error(err))
			}
		}()
	}
}

// setStateLocked applies a transition and reports whether the state changed.
// Callers hold mu.
func (c *Coordinator) setStateLocked(online bool) bool {
	if online == (c.state == StateOnline) {
		return false
	}
	if online {
		c.onlineCtx, c.goOffline = context.WithCancel(context.Background())
		c.state = StateOnline
		return true
	}
	c.goOffline()
	c.onlineCtx, c.goOffline = nil, nil
	c.state = StateOffline
	return true
}

// markNetworkDown goes offline after a network failure. The replay loop
// brings the coordinator back online once the monitor agrees.
func (c *Coordinator) markNetworkDown(err error) {
	c.mu.Lock()
	changed := c.setStateLocked(false)
	if changed {
		c.networkDown = true
	}
	c.mu.Unlock()

	if changed {
		c.logger.Warn("remote store unreachable, going offline", zap.Error(err))
		c.publishStatus()
	}
}

// halt stops syncing for the rest of the session.
func (c *Coordinator) halt(d retry.Decision) {
	c.mu.Lock()
	c.halted = d.UserMessage
	c.lastError = d.UserMessage
	c.mu.Unlock()

	c.logger.Error("sync halted", zap.String("error_code", string(d.Code)), zap.String("reason", d.UserMessage))
	c.publishStatus()
}

// State returns the current connectivity state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount returns the number of mutations waiting in the queue.
func (c *Coordinator) PendingCount() int {
	return c.queue.Count()
}

// LastSyncDate returns when the last replay cycle finished.
func (c *Coordinator) LastSyncDate() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync, !c.lastSync.IsZero()
}

// ===== Operations =====

// Enqueue queues a mutation. A zero MaxRetries is replaced by the configured
// default. While online the mutation is replayed right away when
// ReplayOnEnqueue is set.
func (c *Coordinator) Enqueue(ctx context.Context, m models.Mutation) (models.Mutation, error) {
	if m.MaxRetries == 0 {
		m.MaxRetries = c.opts.MaxRetries
	}
	m, err := c.queue.Enqueue(ctx, m)
	if err != nil {
		return m, err
	}
	c.publishStatus()

	if c.opts.ReplayOnEnqueue && c.State() == StateOnline {
		c.schedule()
	}
	return m, nil
}

// ForceSyncNow runs a replay cycle followed by a reconcile and returns the
// combined result. A cycle already running finishes first.
func (c *Coordinator) ForceSyncNow(ctx context.Context) (*CycleResult, error) {
	if c.State() != StateOnline {
		return nil, apperrors.New(apperrors.ErrNetwork, "offline: changes will sync when reconnected")
	}

	var result *CycleResult
	select {
	case result = <-c.schedule():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The cycle result is shared by every coalesced caller and by Status.
	out := *result
	n, err := c.Reconcile(ctx)
	out.Reconciled = n
	return &out, err
}

// schedule requests a replay cycle and returns a channel that receives the
// result of the first cycle starting after the request.
func (c *Coordinator) schedule() <-chan *CycleResult {
	ch := make(chan *CycleResult, 1)

	c.cycleMu.Lock()
	c.waiters = append(c.waiters, ch)
	if c.cycleRunning {
		c.rerun = true
		c.cycleMu.Unlock()
		return ch
	}
	c.cycleRunning = true
	c.cycles.Add(1)
	c.cycleMu.Unlock()

	go c.cycleLoop()
	return ch
}

func (c *Coordinator) cycleLoop() {
	defer c.cycles.Done()

	for {
		c.cycleMu.Lock()
		waiters := c.waiters
		c.waiters = nil
		c.rerun = false
		c.cycleMu.Unlock()

		result := c.runCycle()
		for _, w := range waiters {
			w <- result
		}

		c.cycleMu.Lock()
		if !c.rerun && len(c.waiters) == 0 {
			c.cycleRunning = false
			c.cycleMu.Unlock()
			return
		}
		c.cycleMu.Unlock()
	}
}
