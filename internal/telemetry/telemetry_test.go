package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimisupply/synccore/internal/cache"
	"github.com/mimisupply/synccore/internal/degradation"
	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/sync"
	"github.com/mimisupply/synccore/internal/sync/queue"
)

var (
	_ cache.Observer       = (*Metrics)(nil)
	_ queue.Observer       = (*Metrics)(nil)
	_ sync.Observer        = (*Metrics)(nil)
	_ degradation.Observer = (*Metrics)(nil)
)

// =====================================================
// Observer Tests
// =====================================================

// TestMetrics_Queue tests queue and replay counters.
func TestMetrics_Queue(t *testing.T) {
	m := New("")

	m.QueueDepth(3)
	m.MutationEnqueued(models.KindCreateOrder)
	m.MutationEnqueued(models.KindCreateOrder)
	m.MutationOutcome(models.KindCreateOrder, sync.OutcomeSucceeded)
	m.MutationOutcome(models.KindSaveLocation, sync.OutcomeRetried)
	m.ConflictResolved(models.EntityOrder, "merged")
	m.CycleCompleted(150 * time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.mutationsEnqueued.WithLabelValues("create_order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutationOutcomes.WithLabelValues("save_location", "retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("order", "merged")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.cycleDuration))
}

// TestMetrics_Cache tests cache access, eviction and size metrics.
func TestMetrics_Cache(t *testing.T) {
	m := New("test")

	m.CacheAccess(models.CategoryOrders, true)
	m.CacheAccess(models.CategoryOrders, false)
	m.CacheAccess(models.CategoryOrders, false)
	m.CacheEvicted(models.CategoryImages, "size", 4)
	m.CacheSize(models.CategoryImages, 10, 2048)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheAccess.WithLabelValues("orders", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheAccess.WithLabelValues("orders", "miss")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.cacheEvictions.WithLabelValues("images", "size")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.cacheEntries.WithLabelValues("images")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.cacheBytes.WithLabelValues("images")))
}

// TestMetrics_Degradation tests degradation gauges and maintenance runs.
func TestMetrics_Degradation(t *testing.T) {
	m := New("")

	m.DegradationLevel(models.LevelModerate)
	m.ServiceHealth(models.ServiceRemoteStore, true)
	m.ServiceHealth(models.ServicePush, false)
	m.MaintenanceRun("expiry", time.Second, nil)
	m.MaintenanceRun("expiry", time.Second, errors.New("disk"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.degradationLevel))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serviceDegraded.WithLabelValues("remote_store")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.serviceDegraded.WithLabelValues("push")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("expiry", "failure")))
}

// =====================================================
// Exposition Tests
// =====================================================

// TestMetrics_Handler tests the text exposition of the private registry.
func TestMetrics_Handler(t *testing.T) {
	m := New("")
	m.QueueDepth(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "synccore_queue_depth 7")
	assert.Contains(t, string(body), "go_goroutines")

	// Separate instances never share a registry
	other := New("")
	assert.NotSame(t, m.Registry(), other.Registry())
}
