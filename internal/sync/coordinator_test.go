package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mimisupply/synccore/internal/cache"
	"github.com/mimisupply/synccore/internal/connectivity"
	"github.com/mimisupply/synccore/internal/degradation"
	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/remote/memstore"
	"github.com/mimisupply/synccore/internal/sync/conflict"
	"github.com/mimisupply/synccore/internal/sync/queue"
	"github.com/mimisupply/synccore/internal/sync/retry"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type recordingReporter struct {
	mu        stdsync.Mutex
	mutations []models.Mutation
	decisions []retry.Decision
}

func (r *recordingReporter) MutationFailed(m models.Mutation, d retry.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations = append(r.mutations, m)
	r.decisions = append(r.decisions, d)
}

func (r *recordingReporter) failures() ([]models.Mutation, []retry.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Mutation(nil), r.mutations...), append([]retry.Decision(nil), r.decisions...)
}

type memConflicts struct {
	mu   stdsync.Mutex
	logs []models.ConflictLog
}

func (m *memConflicts) RecordConflict(_ context.Context, log models.ConflictLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memConflicts) all() []models.ConflictLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ConflictLog(nil), m.logs...)
}

type harness struct {
	remote    *memstore.Store
	queue     *queue.MutationQueue
	cache     *cache.Store
	tracker   *degradation.Tracker
	reporter  *recordingReporter
	conflicts *memConflicts
	coord     *Coordinator
}

// newHarness builds a coordinator over an in-memory remote store. Replay on
// enqueue is off so tests drive cycles with ForceSyncNow.
func newHarness(t *testing.T, configure ...func(*Dependencies, *Options)) *harness {
	t.Helper()

	backend, err := cache.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store, err := cache.NewStore(backend, cache.Options{})
	require.NoError(t, err)

	h := &harness{
		remote:    memstore.New(),
		queue:     queue.NewMutationQueue(queue.Options{}),
		cache:     store,
		tracker:   degradation.NewTracker(degradation.Options{}),
		reporter:  &recordingReporter{},
		conflicts: &memConflicts{},
	}

	deps := Dependencies{
		Queue:     h.queue,
		Remote:    h.remote,
		Cache:     h.cache,
		Tracker:   h.tracker,
		Conflicts: h.conflicts,
		Reporter:  h.reporter,
	}
	opts := DefaultOptions()
	opts.ReplayOnEnqueue = false
	opts.Logger = zap.NewNop()
	for _, f := range configure {
		f(&deps, &opts)
	}

	h.coord, err = NewCoordinator(deps, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		h.coord.Stop()
		h.coord.SetOnline(false)
		h.coord.cycles.Wait()
	})
	return h
}

// goOnline switches the coordinator online and waits for the replay and
// reconcile that follow.
func (h *harness) goOnline() {
	h.coord.SetOnline(true)
	h.coord.cycles.Wait()
}

func (h *harness) enqueue(t *testing.T, p models.MutationPayload, maxRetries int) models.Mutation {
	t.Helper()
	m, err := h.coord.Enqueue(context.Background(), models.NewMutation(p, maxRetries))
	require.NoError(t, err)
	return m
}

func testOrder(id string, version int64, at time.Time) models.Order {
	return models.Order{
		ID:            id,
		CustomerID:    "cust-1",
		PartnerID:     "partner-1",
		Status:        models.OrderPending,
		Items:         []models.OrderItem{{ProductID: "p1", Name: "Ramen", Quantity: 2, PriceCents: 1200}},
		SubtotalCents: 2400,
		FeesCents:     300,
		TaxCents:      200,
		TipCents:      100,
		TotalCents:    3000,
		Version:       version,
		UpdatedAt:     at,
	}
}

func testProfile(id string, version int64, name string, at time.Time) models.UserProfile {
	return models.UserProfile{
		ID:           id,
		DisplayName:  name,
		Role:         models.RoleCustomer,
		Version:      version,
		UpdatedAt:    at,
		LastActiveAt: at,
	}
}

func testLocation(version int64, lat float64) models.DriverLocation {
	return models.DriverLocation{
		ID:         "drv-1",
		Latitude:   lat,
		Longitude:  2,
		Version:    version,
		RecordedAt: t0.Add(time.Duration(version) * time.Second),
	}
}

func forceSync(t *testing.T, h *harness) *CycleResult {
	t.Helper()
	result, err := h.coord.ForceSyncNow(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

// =====================================================
// Construction Tests
// =====================================================

// TestNewCoordinator tests dependency validation and defaults.
func TestNewCoordinator(t *testing.T) {
	_, err := NewCoordinator(Dependencies{Remote: memstore.New()}, Options{})
	assert.Error(t, err)

	_, err = NewCoordinator(Dependencies{Queue: queue.NewMutationQueue(queue.Options{})}, Options{})
	assert.Error(t, err)

	c, err := NewCoordinator(Dependencies{Queue: queue.NewMutationQueue(queue.Options{}), Remote: memstore.New()}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateOffline, c.State())
	assert.Equal(t, DefaultWorkers, c.opts.Workers)
	assert.Equal(t, DefaultMaxRetries, c.opts.MaxRetries)
	assert.Equal(t, conflict.DefaultStrategy, c.resolver.Strategy())

	_, ok := c.LastSyncDate()
	assert.False(t, ok)
}

// TestGroupByEntity tests per-entity grouping by first appearance.
func TestGroupByEntity(t *testing.T) {
	a1 := models.Mutation{ID: "a1", Payload: models.UpdateProfile{Profile: testProfile("a", 1, "A", t0)}}
	b1 := models.Mutation{ID: "b1", Payload: models.UpdateProfile{Profile: testProfile("b", 1, "B", t0)}}
	a2 := models.Mutation{ID: "a2", Payload: models.UpdateProfile{Profile: testProfile("a", 2, "A2", t0)}}
	o1 := models.Mutation{ID: "o1", Payload: models.CreateOrder{Order: testOrder("a", 1, t0)}}

	groups := groupByEntity([]models.Mutation{a1, b1, a2, o1})
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"a1", "a2"}, []string{groups[0][0].ID, groups[0][1].ID})
	assert.Equal(t, "b1", groups[1][0].ID)
	assert.Equal(t, "o1", groups[2][0].ID)
	assert.Empty(t, groupByEntity(nil))
}

// =====================================================
// Replay Tests
// =====================================================

// TestCoordinator_ReplaySuccess tests that an online replay applies and
// caches a mutation.
func TestCoordinator_ReplaySuccess(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	order := testOrder("ord-1", 1, t0)
	h.enqueue(t, models.CreateOrder{Order: order}, 0)
	assert.Equal(t, 1, h.coord.PendingCount())

	result := forceSync(t, h)
	assert.Equal(t, 1, result.Drained)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Pending)
	assert.Equal(t, 0, result.Reconciled)

	stored, ok := h.remote.Get(models.EntityOrder, "ord-1")
	require.True(t, ok)
	assert.True(t, models.SameContent(order, stored))

	cached, ok := h.cache.GetEntity(context.Background(), models.EntityOrder, "ord-1")
	require.True(t, ok)
	assert.True(t, models.SameContent(order, cached))

	_, ok = h.coord.LastSyncDate()
	assert.True(t, ok)
	assert.True(t, h.tracker.IsServiceAvailable(models.ServiceRemoteStore))
}

// TestCoordinator_OfflineQueues tests that writes made offline wait for
// connectivity and then replay.
func TestCoordinator_OfflineQueues(t *testing.T) {
	h := newHarness(t)

	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 0)
	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u2", 1, "Grace", t0)}, 0)
	assert.Equal(t, 2, h.coord.PendingCount())

	_, err := h.coord.ForceSyncNow(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
	assert.Equal(t, 0, h.remote.Calls(memstore.OpUpdate))

	h.goOnline()
	assert.Equal(t, 0, h.coord.PendingCount())
	assert.Equal(t, 2, h.remote.Len())
	assert.Equal(t, StateOnline, h.coord.State())
}

// TestCoordinator_SameEntityOrdering tests that mutations of one entity are
// applied in enqueue order.
func TestCoordinator_SameEntityOrdering(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	created := testOrder("ord-1", 1, t0)
	confirmed := created.WithStatus(models.OrderConfirmed, t0.Add(time.Minute))
	preparing := confirmed.WithStatus(models.OrderPreparing, t0.Add(2*time.Minute))

	h.enqueue(t, models.CreateOrder{Order: created}, 0)
	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 0)
	h.enqueue(t, models.UpdateOrderStatus{Order: confirmed, Previous: models.OrderPending}, 0)
	h.enqueue(t, models.UpdateOrderStatus{Order: preparing, Previous: models.OrderConfirmed}, 0)

	result := forceSync(t, h)
	assert.Equal(t, 4, result.Succeeded)

	history := h.remote.History(models.EntityOrder, "ord-1")
	require.Len(t, history, 3)
	var statuses []models.OrderStatus
	for _, e := range history {
		statuses = append(statuses, e.(models.Order).Status)
	}
	assert.Equal(t, []models.OrderStatus{models.OrderPending, models.OrderConfirmed, models.OrderPreparing}, statuses)
}

// TestCoordinator_SameEntityAcrossCycles tests that a mutation enqueued while
// its entity is still replaying waits for the follow-up cycle.
func TestCoordinator_SameEntityAcrossCycles(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) { o.Workers = 4 })
	h.goOnline()

	created := testOrder("ord-1", 1, t0)
	confirmed := created.WithStatus(models.OrderConfirmed, t0.Add(time.Minute))
	h.enqueue(t, models.CreateOrder{Order: created}, 0)

	release := h.remote.Hold(memstore.OpCreate)
	defer release()

	first := make(chan *CycleResult, 1)
	go func() {
		result, _ := h.coord.ForceSyncNow(context.Background())
		first <- result
	}()
	require.Eventually(t, func() bool { return h.remote.Calls(memstore.OpCreate) == 1 }, time.Second, 5*time.Millisecond)

	h.enqueue(t, models.UpdateOrderStatus{Order: confirmed, Previous: models.OrderPending}, 0)
	second := make(chan *CycleResult, 1)
	go func() {
		result, _ := h.coord.ForceSyncNow(context.Background())
		second <- result
	}()

	assert.Never(t, func() bool { return h.remote.Calls(memstore.OpUpdate) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []string{"order:ord-1"}, h.coord.Status().InFlight)

	release()
	for _, ch := range []chan *CycleResult{first, second} {
		select {
		case result := <-ch:
			require.NotNil(t, result)
		case <-time.After(2 * time.Second):
			t.Fatal("sync did not finish")
		}
	}

	history := h.remote.History(models.EntityOrder, "ord-1")
	require.Len(t, history, 2)
	assert.Equal(t, models.OrderPending, history[0].(models.Order).Status)
	assert.Equal(t, models.OrderConfirmed, history[1].(models.Order).Status)
	assert.Equal(t, 0, h.queue.Count())
}

// TestCoordinator_ConcurrentEntities tests that different entities replay
// in parallel.
func TestCoordinator_ConcurrentEntities(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) { o.Workers = 2 })
	h.goOnline()

	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 0)
	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u2", 1, "Grace", t0)}, 0)

	release := h.remote.Hold(memstore.OpUpdate)
	defer release()

	done := make(chan *CycleResult, 1)
	go func() {
		result, _ := h.coord.ForceSyncNow(context.Background())
		done <- result
	}()

	assert.Eventually(t, func() bool { return h.remote.Calls(memstore.OpUpdate) == 2 }, time.Second, 5*time.Millisecond)
	status := h.coord.Status()
	assert.True(t, status.Syncing)
	assert.Equal(t, []string{"user_profile:u1", "user_profile:u2"}, status.InFlight)

	release()
	select {
	case result := <-done:
		require.NotNil(t, result)
		assert.Equal(t, 2, result.Succeeded)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not finish")
	}
	assert.Empty(t, h.coord.Status().InFlight)
}

// TestCoordinator_ConcurrentForceSyncNow tests that callers sharing one cycle
// each get their own result while Status reads the last cycle.
func TestCoordinator_ConcurrentForceSyncNow(t *testing.T) {
	h := newHarness(t)
	h.goOnline()
	h.enqueue(t, models.CreateOrder{Order: testOrder("ord-1", 1, t0)}, 0)

	release := h.remote.Hold(memstore.OpCreate)
	defer release()

	first := make(chan *CycleResult, 1)
	go func() {
		result, _ := h.coord.ForceSyncNow(context.Background())
		first <- result
	}()
	require.Eventually(t, func() bool { return h.remote.Calls(memstore.OpCreate) == 1 }, time.Second, 5*time.Millisecond)

	const callers = 4
	results := make([]*CycleResult, callers)
	var wg stdsync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.coord.ForceSyncNow(context.Background())
		}(i)
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				_ = h.coord.Status()
			}
		}
	}()

	release()
	wg.Wait()
	close(stop)

	select {
	case result := <-first:
		require.NotNil(t, result)
		assert.Equal(t, 1, result.Succeeded)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not finish")
	}
	seen := make(map[*CycleResult]bool)
	for _, result := range results {
		require.NotNil(t, result)
		assert.False(t, seen[result], "result shared between callers")
		seen[result] = true
	}
	assert.Equal(t, 0, h.queue.Count())
}

// TestCoordinator_EnqueueTriggersReplay tests immediate replay while online.
func TestCoordinator_EnqueueTriggersReplay(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) { o.ReplayOnEnqueue = true })
	h.goOnline()

	h.enqueue(t, models.CompleteDelivery{Completion: models.DeliveryCompletion{ID: "ord-1", DriverID: "drv-1", PhotoKey: "img-1", CompletedAt: t0}}, 0)

	assert.Eventually(t, func() bool {
		_, ok := h.remote.Get(models.EntityDeliveryCompletion, "ord-1")
		return ok && h.coord.PendingCount() == 0
	}, time.Second, 5*time.Millisecond)
}

// =====================================================
// Failure Handling Tests
// =====================================================

// TestCoordinator_RetryExhausted tests that a mutation is dropped and
// reported once its retries are used up.
func TestCoordinator_RetryExhausted(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	transient := func() error {
		return apperrors.NewRemote(apperrors.ErrRemoteTransient, "update", nil)
	}
	h.remote.FailNext(memstore.OpUpdate, transient(), transient(), transient())

	m := h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 3)

	result := forceSync(t, h)
	assert.Equal(t, 1, result.Dropped)
	assert.Equal(t, 0, h.coord.PendingCount())
	assert.Equal(t, 3, h.remote.Calls(memstore.OpUpdate))
	assert.Equal(t, 0, h.remote.Len())

	failed, decisions := h.reporter.failures()
	require.Len(t, failed, 1)
	assert.Equal(t, m.ID, failed[0].ID)
	assert.Equal(t, 3, failed[0].RetryCount)
	assert.NotEmpty(t, failed[0].LastError)
	assert.Equal(t, apperrors.ErrMutationRetryExhausted, decisions[0].Code)
}

// TestCoordinator_RateLimitDefersEntity tests that a delayed mutation holds
// back later mutations of the same entity.
func TestCoordinator_RateLimitDefersEntity(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	h.remote.FailNext(memstore.OpUpdate, &apperrors.RemoteError{Code: apperrors.ErrRemoteRateLimit, Op: "update", RetryAfter: time.Hour})

	first := h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 0)
	second := h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 2, "Ada L.", t0.Add(time.Minute))}, 0)

	before := time.Now()
	result := forceSync(t, h)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 1, result.Deferred)

	pending := h.queue.Snapshot()
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.False(t, pending[0].NotBefore.Before(before.Add(time.Hour)))
	assert.Equal(t, 0, pending[1].RetryCount)

	assert.Equal(t, retry.MsgBusy, h.coord.Status().LastError)

	result = forceSync(t, h)
	assert.Equal(t, 2, result.Deferred)
	assert.Equal(t, 1, h.remote.Calls(memstore.OpUpdate))
}

// TestCoordinator_PermanentFailure tests that a non-retryable error is
// reported without retrying.
func TestCoordinator_PermanentFailure(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	events, cancel := h.coord.Subscribe()
	defer cancel()

	h.remote.FailNext(memstore.OpUpdate, apperrors.NewRemote(apperrors.ErrRemoteConstraint, "update", nil))
	m := h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 0)

	result := forceSync(t, h)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, h.remote.Calls(memstore.OpUpdate))

	_, decisions := h.reporter.failures()
	require.Len(t, decisions, 1)
	assert.Equal(t, retry.MsgInvalid, decisions[0].UserMessage)

	var failure *FailureEvent
	for failure == nil {
		select {
		case e := <-events:
			if e.Type == EventMutationFailed {
				failure = e.Failure
			}
		case <-time.After(time.Second):
			t.Fatal("no failure event")
		}
	}
	assert.Equal(t, m.ID, failure.MutationID)
	assert.Equal(t, apperrors.ErrRemoteConstraint, failure.Code)
	assert.Equal(t, "user_profile:u1", failure.EntityKey)
}

// TestCoordinator_NotFoundIsSilent tests that a vanished target is dropped
// without telling the user.
func TestCoordinator_NotFoundIsSilent(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	h.remote.FailNext(memstore.OpUpdate, apperrors.NewRemote(apperrors.ErrRemoteNotFound, "update", nil))
	h.enqueue(t, models.UpdateOrderStatus{Order: testOrder("ord-9", 2, t0)}, 0)

	result := forceSync(t, h)
	assert.Equal(t, 1, result.Failed)
	failed, _ := h.reporter.failures()
	assert.Empty(t, failed)
}

// TestCoordinator_LostResponse tests that a write whose response was lost is
// confirmed by reading it back instead of being sent twice.
func TestCoordinator_LostResponse(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	h.remote.LoseNextResponse(memstore.OpCreate)
	order := testOrder("ord-1", 1, t0)
	h.enqueue(t, models.CreateOrder{Order: order}, 0)

	result := forceSync(t, h)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, h.remote.Calls(memstore.OpCreate))
	assert.Equal(t, 1, h.remote.Calls(memstore.OpFetch))
	assert.Len(t, h.remote.History(models.EntityOrder, "ord-1"), 1)

	cached, ok := h.cache.GetEntity(context.Background(), models.EntityOrder, "ord-1")
	require.True(t, ok)
	assert.True(t, models.SameContent(order, cached))
}

// TestCoordinator_NetworkFailure tests that a network error takes the
// coordinator offline and keeps the mutation.
func TestCoordinator_NetworkFailure(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	h.remote.SetOffline(true)
	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 0)

	result, err := h.coord.ForceSyncNow(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Retried)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))

	assert.Equal(t, StateOffline, h.coord.State())
	pending := h.queue.Snapshot()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.False(t, pending[0].NotBefore.IsZero())
	assert.Equal(t, retry.MsgOffline, h.coord.Status().LastError)
	assert.False(t, h.tracker.IsServiceAvailable(models.ServiceRemoteStore))
}

// TestCoordinator_HaltOnVersionIncompatible tests that an incompatible
// client stops syncing and keeps its mutations.
func TestCoordinator_HaltOnVersionIncompatible(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) { o.Workers = 1 })
	h.goOnline()

	h.remote.FailNext(memstore.OpCreate, apperrors.NewRemote(apperrors.ErrRemoteVersionIncompatible, "create", nil))
	h.enqueue(t, models.CreateOrder{Order: testOrder("ord-1", 1, t0)}, 0)
	h.enqueue(t, models.CreateOrder{Order: testOrder("ord-2", 1, t0)}, 0)

	result, err := h.coord.ForceSyncNow(context.Background())
	require.NotNil(t, result)
	assert.Error(t, err)
	assert.Equal(t, retry.MsgUpdateApp, h.coord.Status().Halted)
	assert.Equal(t, 2, h.coord.PendingCount())

	result, err = h.coord.ForceSyncNow(context.Background())
	require.NotNil(t, result)
	assert.Error(t, err)
	assert.True(t, result.Skipped)

	_, ok := h.remote.Get(models.EntityOrder, "ord-1")
	assert.False(t, ok)
}

// TestCoordinator_AuthFailureDoesNotHalt tests that auth and permission
// rejections fail the one mutation and replay carries on.
func TestCoordinator_AuthFailureDoesNotHalt(t *testing.T) {
	for _, code := range []apperrors.ErrorCode{apperrors.ErrRemoteAuth, apperrors.ErrRemotePermission} {
		t.Run(string(code), func(t *testing.T) {
			h := newHarness(t, func(_ *Dependencies, o *Options) { o.Workers = 1 })
			h.goOnline()

			h.remote.FailNext(memstore.OpCreate, apperrors.NewRemote(code, "create", nil))
			h.enqueue(t, models.CreateOrder{Order: testOrder("ord-1", 1, t0)}, 0)
			h.enqueue(t, models.CreateOrder{Order: testOrder("ord-2", 1, t0)}, 0)

			result := forceSync(t, h)
			assert.False(t, result.Skipped)
			assert.Equal(t, 1, result.Failed)
			assert.Equal(t, 1, result.Succeeded)
			assert.Empty(t, h.coord.Status().Halted)
			assert.Equal(t, 0, h.coord.PendingCount())
		})
	}
}

// =====================================================
// Conflict Tests
// =====================================================

// TestCoordinator_ConflictMerge tests that a rejected write is merged with
// the remote version and sent again.
func TestCoordinator_ConflictMerge(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Resolver = conflict.NewResolver(conflict.StrategyMerge, conflict.Options{})
	})
	h.goOnline()

	remote := testOrder("ord-1", 2, t0.Add(10*time.Second))
	remote.Status = models.OrderPreparing
	h.remote.Seed(remote)

	local := testOrder("ord-1", 2, t0.Add(5*time.Second))
	local.TipCents = 300
	local.DeliveryInstructions = "Leave at door"
	h.enqueue(t, models.UpdateOrderStatus{Order: local, Previous: models.OrderPending}, 0)

	result := forceSync(t, h)
	assert.Equal(t, 1, result.Succeeded)

	stored, ok := h.remote.Get(models.EntityOrder, "ord-1")
	require.True(t, ok)
	merged := stored.(models.Order)
	assert.Equal(t, models.OrderPreparing, merged.Status)
	assert.Equal(t, int64(300), merged.TipCents)
	assert.Equal(t, int64(3200), merged.TotalCents)
	assert.Equal(t, "Leave at door", merged.DeliveryInstructions)
	assert.Equal(t, int64(3), merged.Version)

	logs := h.conflicts.all()
	require.Len(t, logs, 1)
	assert.Equal(t, conflict.ResolutionMerged, logs[0].Resolution)
	assert.Equal(t, string(conflict.StrategyMerge), logs[0].Strategy)

	cached, ok := h.cache.GetEntity(context.Background(), models.EntityOrder, "ord-1")
	require.True(t, ok)
	assert.Equal(t, int64(3), cached.VersionMarker())
}

// TestCoordinator_ConflictRemoteWins tests that a write losing to a newer
// remote version is settled without writing.
func TestCoordinator_ConflictRemoteWins(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	remote := testProfile("u1", 4, "Ada Lovelace", t0.Add(time.Minute))
	h.remote.Seed(remote)
	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 3, "Ada", t0)}, 0)

	result := forceSync(t, h)
	assert.Equal(t, 1, result.Succeeded)
	assert.Len(t, h.remote.History(models.EntityUserProfile, "u1"), 1)

	logs := h.conflicts.all()
	require.Len(t, logs, 1)
	assert.Equal(t, conflict.ResolutionRemoteWins, logs[0].Resolution)

	cached, ok := h.cache.GetEntity(context.Background(), models.EntityUserProfile, "u1")
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", cached.(models.UserProfile).DisplayName)
}

// =====================================================
// Batch Tests
// =====================================================

// TestCoordinator_PartialBatch tests that a partially applied batch is
// split into per-item mutations.
func TestCoordinator_PartialBatch(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	h.remote.FailNextBatchItems(map[int]error{
		1: &apperrors.RemoteError{Code: apperrors.ErrRemoteRateLimit, Op: "save_batch", RetryAfter: time.Hour},
		2: apperrors.NewRemote(apperrors.ErrRemoteConstraint, "save_batch", nil),
	})
	batch := h.enqueue(t, models.SaveLocationBatch{
		DriverID:  "drv-1",
		Locations: []models.DriverLocation{testLocation(1, 1.0), testLocation(2, 1.1), testLocation(3, 1.2)},
	}, 0)

	result := forceSync(t, h)
	assert.Equal(t, 1, result.Retried)

	stored, ok := h.remote.Get(models.EntityDriverLocation, "drv-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), stored.VersionMarker())

	pending := h.queue.Snapshot()
	require.Len(t, pending, 1)
	assert.NotEqual(t, batch.ID, pending[0].ID)
	assert.Equal(t, models.KindSaveLocation, pending[0].Kind())
	assert.Equal(t, int64(2), pending[0].Payload.(models.SaveLocation).Location.Version)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, batch.EnqueuedAt, pending[0].EnqueuedAt)

	failed, decisions := h.reporter.failures()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(3), failed[0].Payload.(models.SaveLocation).Location.Version)
	assert.Equal(t, apperrors.ErrRemoteConstraint, decisions[0].Code)
}

// =====================================================
// Reconcile Tests
// =====================================================

// TestCoordinator_Reconcile tests pulling remote changes into the cache.
func TestCoordinator_Reconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Reconcile(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))

	// Cached copies written by this client earlier
	require.NoError(t, h.cache.PutEntity(ctx, testOrder("ord-1", 1, t0)))
	localProfile := testProfile("u1", 3, "Ada (local)", t0.Add(10*time.Second))
	require.NoError(t, h.cache.PutEntity(ctx, localProfile))

	product := models.Product{ID: "pr1", PartnerID: "pa1", Name: "Ramen", PriceCents: 1200, InStock: true, Version: 1, UpdatedAt: t0}
	newerOrder := testOrder("ord-1", 2, t0.Add(500*time.Millisecond))
	newerOrder.Status = models.OrderConfirmed
	h.remote.Seed(product)
	h.remote.Seed(newerOrder)
	h.remote.Seed(testProfile("u1", 2, "Ada (remote)", t0))

	h.coord.SetOnline(true)
	h.coord.cycles.Wait()

	cachedProduct, ok := h.cache.GetEntity(ctx, models.EntityProduct, "pr1")
	require.True(t, ok)
	assert.True(t, models.SameContent(product, cachedProduct))

	cachedOrder, ok := h.cache.GetEntity(ctx, models.EntityOrder, "ord-1")
	require.True(t, ok)
	assert.Equal(t, models.OrderConfirmed, cachedOrder.(models.Order).Status)

	cachedProfile, ok := h.cache.GetEntity(ctx, models.EntityUserProfile, "u1")
	require.True(t, ok)
	assert.Equal(t, "Ada (local)", cachedProfile.(models.UserProfile).DisplayName)

	logs := h.conflicts.all()
	require.Len(t, logs, 1)
	assert.Equal(t, conflict.ResolutionLocalWins, logs[0].Resolution)
	assert.NotNil(t, h.coord.Status().LastReconcile)

	n, err := h.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestCoordinator_ReconcileCount tests the applied count.
func TestCoordinator_ReconcileCount(t *testing.T) {
	h := newHarness(t)
	h.goOnline()

	h.remote.Seed(testProfile("u1", 1, "Ada", t0))
	h.remote.Seed(testProfile("u2", 1, "Grace", t0))

	n, err := h.coord.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestCoordinator_StartStop tests following a connectivity monitor.
func TestCoordinator_StartStop(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) {
		o.ReplayOnEnqueue = true
		o.ReplayInterval = 20 * time.Millisecond
	})
	monitor := connectivity.NewManual(false)

	events, _ := h.coord.Subscribe()
	h.coord.Start(context.Background(), monitor)
	assert.Equal(t, StateOffline, h.coord.State())

	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 0)
	assert.Equal(t, 0, h.remote.Calls(memstore.OpUpdate))

	monitor.Set(true)
	assert.Eventually(t, func() bool {
		return h.coord.State() == StateOnline && h.coord.PendingCount() == 0 && h.remote.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	monitor.Set(false)
	assert.Eventually(t, func() bool { return h.coord.State() == StateOffline }, time.Second, 5*time.Millisecond)

	h.coord.Stop()
	for range events {
	}
	assert.Equal(t, StateOffline, h.coord.State())
}

// TestCoordinator_RecoversAfterNetworkDown tests that the replay loop comes
// back online after a failed call once the monitor reports reachability.
func TestCoordinator_RecoversAfterNetworkDown(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) {
		o.ReplayInterval = 20 * time.Millisecond
	})
	monitor := connectivity.NewManual(true)
	h.coord.Start(context.Background(), monitor)
	h.coord.cycles.Wait()

	events, cancel := h.coord.Subscribe()
	defer cancel()

	h.remote.SetOffline(true)
	h.enqueue(t, models.UpdateProfile{Profile: testProfile("u1", 1, "Ada", t0)}, 0)
	_, err := h.coord.ForceSyncNow(context.Background())
	assert.Error(t, err)

	h.remote.SetOffline(false)
	assert.Eventually(t, func() bool { return h.coord.State() == StateOnline }, 2*time.Second, 5*time.Millisecond)

	wentOffline := false
	for len(events) > 0 {
		e := <-events
		if e.Type == EventStatus && e.Status.State == StateOffline {
			wentOffline = true
		}
	}
	assert.True(t, wentOffline)
}
