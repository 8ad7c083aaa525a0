// Package sync replays queued mutations against the remote store and keeps
// the local cache reconciled with it.
package sync

import (
	"context"
	"time"

	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/sync/retry"
)

// RemoteStore is the multi-writer data store shared by every client.
// Errors must carry the remote taxonomy codes (see apperrors.RemoteError)
// so the retry classifier can act on them.
type RemoteStore interface {
	// Create stores a new entity and returns the stored version.
	Create(ctx context.Context, e models.Entity) (models.Entity, error)

	// Update stores a newer version of an entity. A stored version that is
	// not older than e is reported as a conflict.
	Update(ctx context.Context, e models.Entity) (models.Entity, error)

	// Fetch returns the stored entity, or a not-found error.
	Fetch(ctx context.Context, t models.EntityType, id string) (models.Entity, error)

	// FetchChanges returns entities written after since.
	FetchChanges(ctx context.Context, since time.Time) ([]models.Entity, error)

	// SaveBatch saves several entities. Failed items are reported in a
	// partial failure keyed by models.BatchItemKey; the returned slice holds
	// the saved items.
	SaveBatch(ctx context.Context, es []models.Entity) ([]models.Entity, error)
}

// FailureReporter is told about mutations that will never be applied, so
// the flow that created them can tell the user.
type FailureReporter interface {
	MutationFailed(m models.Mutation, d retry.Decision)
}

// ConflictRecorder persists resolved conflicts. db.ConflictRepository is
// the production implementation.
type ConflictRecorder interface {
	RecordConflict(ctx context.Context, log models.ConflictLog) error
}

// Outcome is the result of one mutation within a replay cycle.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetried   Outcome = "retried"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

// Observer receives replay metrics.
type Observer interface {
	MutationOutcome(kind models.MutationKind, outcome Outcome)
	CycleCompleted(d time.Duration)
	ConflictResolved(t models.EntityType, resolution string)
}

type nopObserver struct{}

func (nopObserver) MutationOutcome(models.MutationKind, Outcome) {}
func (nopObserver) CycleCompleted(time.Duration) {}
func (nopObserver) ConflictResolved(models.EntityType, string) {}
