// Package queue provides the mutation queue that holds writes made while the
// remote store is unreachable.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/logging"
	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/uuid"
)

// DefaultMaxSize bounds the number of pending mutations.
const DefaultMaxSize = 10000

// Journal persists queued mutations so they survive a restart.
// db.MutationRepository is the production implementation.
type Journal interface {
	Append(ctx context.Context, m models.Mutation) error
	Prepend(ctx context.Context, ms []models.Mutation) error
	Remove(ctx context.Context, id string) error
	Load(ctx context.Context) ([]models.Mutation, error)
}

// Observer receives queue metrics.
type Observer interface {
	QueueDepth(n int)
	MutationEnqueued(kind models.MutationKind)
}

type nopObserver struct{}

func (nopObserver) QueueDepth(int) {}
func (nopObserver) MutationEnqueued(models.MutationKind) {}

// Options configures a MutationQueue.
type Options struct {
	MaxSize int
	// Journal is optional; without it the queue lives in memory only.
	Journal  Journal
	Clock    func() time.Time
	Logger   *zap.Logger
	Observer Observer
}

// MutationQueue is a thread-safe FIFO of pending mutations.
//
// A mutation is owned by the queue from Enqueue until Ack. DrainAll hands the
// whole contents to the caller at once; the caller either Requeues or Acks
// every drained mutation. With a journal, drained but unacknowledged
// mutations are replayed after a crash.
type MutationQueue struct {
	mu       sync.RWMutex
	items    []models.Mutation
	maxSize  int
	journal  Journal
	now      func() time.Time
	logger   *zap.Logger
	observer Observer
}

// NewMutationQueue creates a new MutationQueue.
func NewMutationQueue(opts Options) *MutationQueue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	q := &MutationQueue{
		maxSize:  opts.MaxSize,
		journal:  opts.Journal,
		now:      opts.Clock,
		logger:   logging.Or(opts.Logger, "queue"),
		observer: opts.Observer,
	}
	if q.observer == nil {
		q.observer = nopObserver{}
	}
	return q
}

// Durable reports whether the queue is backed by a journal.
func (q *MutationQueue) Durable() bool {
	return q.journal != nil
}

// Enqueue appends m to the tail. An empty ID or EnqueuedAt is assigned. With
// a journal, the mutation is persisted before it becomes visible to DrainAll.
func (q *MutationQueue) Enqueue(ctx context.Context, m models.Mutation) (models.Mutation, error) {
	if m.ID == "" {
		m.ID = uuid.New()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now()
	}
	if err := m.Validate(); err != nil {
		return m, apperrors.Wrap(apperrors.ErrInvalid, "invalid mutation", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return m, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}
	if q.journal != nil {
		if err := q.journal.Append(ctx, m); err != nil {
			return m, apperrors.Wrap(apperrors.ErrDatabase, "journal mutation", err)
		}
	}
	q.items = append(q.items, m)
	q.observer.MutationEnqueued(m.Kind())
	q.observer.QueueDepth(len(q.items))

	q.logger.Debug("mutation enqueued",
		zap.String("mutation_id", m.ID),
		zap.String("kind", string(m.Kind())),
		zap.String("entity", m.EntityKey()),
		zap.Int("pending", len(q.items)))
	return m, nil
}

// DrainAll atomically removes and returns the entire contents in FIFO order.
func (q *MutationQueue) DrainAll() []models.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.items
	q.items = nil
	q.observer.QueueDepth(0)
	return drained
}

// Requeue puts ms back at the head of the queue, ahead of anything enqueued
// since they were drained, keeping their relative order. Requeue ignores the
// size bound: a drained mutation is never lost.
func (q *MutationQueue) Requeue(ctx context.Context, ms []models.Mutation) error {
	if len(ms) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]models.Mutation, 0, len(ms)+len(q.items))
	items = append(items, ms...)
	q.items = append(items, q.items...)
	q.observer.QueueDepth(len(q.items))

	if q.journal != nil {
		if err := q.journal.Prepend(ctx, ms); err != nil {
			// The in-memory queue stays authoritative for this process.
			q.logger.Warn("failed to journal requeued mutations", zap.Int("count", len(ms)), zap.Error(err))
			return apperrors.Wrap(apperrors.ErrDatabase, "journal requeue", err)
		}
	}
	return nil
}

// Ack records the terminal outcome of a drained mutation, removing it from
// the journal.
func (q *MutationQueue) Ack(ctx context.Context, id string) error {
	if q.journal == nil {
		return nil
	}
	if err := q.journal.Remove(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "journal ack", err)
	}
	return nil
}

// Restore loads journaled mutations ahead of anything already queued.
// Mutations already present are skipped. It returns the number restored.
func (q *MutationQueue) Restore(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}
	loaded, err := q.journal.Load(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "restore queue", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	present := make(map[string]bool, len(q.items))
	for _, m := range q.items {
		present[m.ID] = true
	}
	restored := make([]models.Mutation, 0, len(loaded)+len(q.items))
	for _, m := range loaded {
		if !present[m.ID] {
			restored = append(restored, m)
		}
	}
	n := len(restored)
	q.items = append(restored, q.items...)
	q.observer.QueueDepth(len(q.items))

	if n > 0 {
		q.logger.Info("restored pending mutations", zap.Int("count", n))
	}
	return n, nil
}

// Count returns the number of pending mutations.
func (q *MutationQueue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending mutations in queue order.
func (q *MutationQueue) Snapshot() []models.Mutation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]models.Mutation, len(q.items))
	copy(out, q.items)
	return out
}
