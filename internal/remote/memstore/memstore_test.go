package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/models"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func profile(version int64, name string) models.UserProfile {
	return models.UserProfile{ID: "u1", DisplayName: name, Role: models.RoleCustomer, Version: version, UpdatedAt: t0}
}

// TestStore_CreateUpdateFetch tests the basic write path and version checks.
func TestStore_CreateUpdateFetch(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Create(ctx, profile(1, "Ada"))
	require.NoError(t, err)

	// Replaying the same create is acknowledged
	_, err = s.Create(ctx, profile(1, "Ada"))
	require.NoError(t, err)

	_, err = s.Create(ctx, profile(1, "Grace"))
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteConflict))

	_, err = s.Update(ctx, profile(2, "Ada L."))
	require.NoError(t, err)

	_, err = s.Update(ctx, profile(2, "Stale"))
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteConflict))

	got, err := s.Fetch(ctx, models.EntityUserProfile, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", got.(models.UserProfile).DisplayName)
	assert.Len(t, s.History(models.EntityUserProfile, "u1"), 2)

	_, err = s.Fetch(ctx, models.EntityUserProfile, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteNotFound))
	assert.Equal(t, 2, s.Calls(OpFetch))
}

// TestStore_FaultInjection tests injected failures, lost responses and offline mode.
func TestStore_FaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()

	boom := errors.New("boom")
	s.FailNext(OpUpdate, boom)
	_, err := s.Update(ctx, profile(1, "Ada"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())

	s.LoseNextResponse(OpUpdate)
	_, err = s.Update(ctx, profile(1, "Ada"))
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteTransient))
	_, ok := s.Get(models.EntityUserProfile, "u1")
	assert.True(t, ok, "lost response must still apply the write")

	s.SetOffline(true)
	_, err = s.Fetch(ctx, models.EntityUserProfile, "u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
	s.SetOffline(false)

	assert.True(t, s.SetVersion(models.EntityUserProfile, "u1", 7))
	got, _ := s.Get(models.EntityUserProfile, "u1")
	assert.Equal(t, int64(7), got.VersionMarker())
	assert.False(t, s.SetVersion(models.EntityOrder, "none", 1))
}

// TestStore_SaveBatch tests partial batch failures.
func TestStore_SaveBatch(t *testing.T) {
	ctx := context.Background()
	s := New()

	locs := make([]models.Entity, 3)
	for i := range locs {
		locs[i] = models.DriverLocation{ID: "d1", Latitude: float64(i), Version: int64(i + 1), RecordedAt: t0.Add(time.Duration(i) * time.Second)}
	}

	s.FailNextBatchItems(map[int]error{1: apperrors.NewRemote(apperrors.ErrRemoteRateLimit, "save", nil)})
	saved, err := s.SaveBatch(ctx, locs)
	require.Error(t, err)

	var remoteErr *apperrors.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, apperrors.ErrRemotePartialFailure, remoteErr.Code)
	assert.Equal(t, []string{"1"}, remoteErr.FailedItems())
	assert.Len(t, saved, 2)

	got, _ := s.Get(models.EntityDriverLocation, "d1")
	assert.Equal(t, float64(2), got.(models.DriverLocation).Latitude)
}

// TestStore_FetchChanges tests change tracking by server time.
func TestStore_FetchChanges(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: t0}
	s := New(WithClock(c.Now))

	s.Seed(models.Partner{ID: "p1", Name: "Noodle Bar", Version: 1, UpdatedAt: t0})
	c.now = t0.Add(time.Minute)
	s.Seed(models.Product{ID: "pr1", PartnerID: "p1", Name: "Ramen", Version: 1, UpdatedAt: t0})

	changes, err := s.FetchChanges(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, models.EntityPartner, changes[0].EntityType())

	changes, err = s.FetchChanges(ctx, t0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "pr1", changes[0].EntityID())
}

// TestStore_Hold tests that held calls wait for release or cancellation.
func TestStore_Hold(t *testing.T) {
	s := New()
	release := s.Hold(OpUpdate)

	done := make(chan error, 1)
	go func() {
		_, err := s.Update(context.Background(), profile(1, "Ada"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("held call returned before release")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	require.NoError(t, <-done)

	release = s.Hold(OpFetch)
	defer release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Fetch(ctx, models.EntityUserProfile, "u1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
}
