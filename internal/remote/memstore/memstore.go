// Package memstore provides an in-process remote store with fault injection.
// It backs the local demo mode and the sync tests.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/models"
)

// Op names a remote store operation for fault injection and counters.
type Op string

const (
	OpCreate       Op = "create"
	OpUpdate       Op = "update"
	OpFetch        Op = "fetch"
	OpFetchChanges Op = "fetch_changes"
	OpSaveBatch    Op = "save_batch"
)

type record struct {
	entity   models.Entity
	modified time.Time
}

// Store is a map-backed remote store.
//
// Writes follow optimistic concurrency: a write whose version is not newer
// than the stored version is a conflict, unless it carries identical
// content, in which case it is acknowledged again.
type Store struct {
	mu       sync.Mutex
	records  map[string]record
	history  map[string][]models.Entity
	failures map[Op][]error
	lose     map[Op]int
	items    []map[int]error
	gates    map[Op]chan struct{}
	calls    map[Op]int
	offline  bool
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the server clock used for change tracking.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		records:  make(map[string]record),
		history:  make(map[string][]models.Entity),
		failures: make(map[Op][]error),
		lose:     make(map[Op]int),
		gates:    make(map[Op]chan struct{}),
		calls:    make(map[Op]int),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ===== Fault injection =====

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (s *Store) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// LoseNextResponse applies the next write of op and then reports a transient
// failure, as if the response was lost in transit.
func (s *Store) LoseNextResponse(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lose[op]++
}

// FailNextBatchItems makes the next SaveBatch reject the items at the given
// indexes with the given errors. The other items are saved.
func (s *Store) FailNextBatchItems(items map[int]error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items)
}

// SetOffline makes every call fail with a network error while offline is set.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Hold blocks calls of op until the returned release function is called.
func (s *Store) Hold(op Op) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[op] = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gates[op] == gate {
				delete(s.gates, op)
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// ===== Inspection =====

// Seed stores e as if another client had written it.
func (s *Store) Seed(e models.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(e)
}

// SetVersion overwrites the stored version of an entity, simulating a
// concurrent writer. It reports whether the entity exists.
func (s *Store) SetVersion(t models.EntityType, id string, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[models.EntityKey(t, id)]
	if !ok {
		return false
	}
	s.put(models.WithVersion(rec.entity, version))
	return true
}

// Get returns the stored entity, if any.
func (s *Store) Get(t models.EntityType, id string) (models.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[models.EntityKey(t, id)]
	return rec.entity, ok
}

// History returns every accepted write for an entity in apply order.
func (s *Store) History(t models.EntityType, id string) []models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Entity(nil), s.history[models.EntityKey(t, id)]...)
}

// Calls returns the number of calls made to op, including failed ones.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// ===== Remote store operations =====

// Create stores a new entity. Creating an entity that already exists is
// acknowledged when the content is identical, accepted when e is a newer
// version, and a conflict otherwise.
func (s *Store) Create(ctx context.Context, e models.Entity) (models.Entity, error) {
	if err := s.begin(ctx, OpCreate); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save("create", e); err != nil {
		return nil, err
	}
	return e, s.lost(OpCreate)
}

// Update stores a newer version of an entity, creating it when absent.
func (s *Store) Update(ctx context.Context, e models.Entity) (models.Entity, error) {
	if err := s.begin(ctx, OpUpdate); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save("update", e); err != nil {
		return nil, err
	}
	return e, s.lost(OpUpdate)
}

// Fetch returns the stored entity or a not-found error.
func (s *Store) Fetch(ctx context.Context, t models.EntityType, id string) (models.Entity, error) {
	if err := s.begin(ctx, OpFetch); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[models.EntityKey(t, id)]
	if !ok {
		return nil, &apperrors.RemoteError{Code: apperrors.ErrRemoteNotFound, Op: "fetch", EntityID: id}
	}
	return rec.entity, nil
}

// FetchChanges returns entities written after since, oldest first.
func (s *Store) FetchChanges(ctx context.Context, since time.Time) ([]models.Entity, error) {
	if err := s.begin(ctx, OpFetchChanges); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []record
	for _, rec := range s.records {
		if rec.modified.After(since) {
			changed = append(changed, rec)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].modified.Equal(changed[j].modified) {
			return models.KeyOf(changed[i].entity) < models.KeyOf(changed[j].entity)
		}
		return changed[i].modified.Before(changed[j].modified)
	})

	out := make([]models.Entity, len(changed))
	for i, rec := range changed {
		out[i] = rec.entity
	}
	return out, nil
}

// SaveBatch saves each entity with Update semantics. Items that fail are
// reported in a partial failure keyed by models.BatchItemKey; the returned
// slice holds the saved items in input order.
func (s *Store) SaveBatch(ctx context.Context, es []models.Entity) ([]models.Entity, error) {
	if err := s.begin(ctx, OpSaveBatch); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var injected map[int]error
	if len(s.items) > 0 {
		injected, s.items = s.items[0], s.items[1:]
	}

	saved := make([]models.Entity, 0, len(es))
	failed := make(map[string]error)
	for i, e := range es {
		if err, ok := injected[i]; ok {
			failed[models.BatchItemKey(i)] = err
			continue
		}
		if err := s.save("save_batch", e); err != nil {
			failed[models.BatchItemKey(i)] = err
			continue
		}
		saved = append(saved, e)
	}

	if len(failed) > 0 {
		return saved, &apperrors.RemoteError{
			Code:  apperrors.ErrRemotePartialFailure,
			Op:    "save_batch",
			Items: failed,
		}
	}
	return saved, s.lost(OpSaveBatch)
}

// begin counts the call, waits on any gate and returns an injected failure.
func (s *Store) begin(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	gate := s.gates[op]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return apperrors.NewRemote(apperrors.ErrNetwork, string(op), ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return apperrors.NewRemote(apperrors.ErrNetwork, string(op), errors.New("network unreachable"))
	}
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// lost consumes a pending lost response for op. Callers hold mu.
func (s *Store) lost(op Op) error {
	if s.lose[op] == 0 {
		return nil
	}
	s.lose[op]--
	return apperrors.NewRemote(apperrors.ErrRemoteTransient, string(op), errors.New("connection reset before response"))
}

// save applies the optimistic concurrency check. Callers hold mu.
func (s *Store) save(op string, e models.Entity) error {
	if existing, ok := s.records[models.KeyOf(e)]; ok {
		if models.SameContent(existing.entity, e) {
			return nil
		}
		if existing.entity.VersionMarker() >= e.VersionMarker() {
			return conflict(op, e)
		}
	}
	s.put(e)
	return nil
}

func (s *Store) put(e models.Entity) {
	key := models.KeyOf(e)
	s.records[key] = record{entity: e, modified: s.now()}
	s.history[key] = append(s.history[key], e)
}

func conflict(op string, e models.Entity) error {
	return &apperrors.RemoteError{
		Code:     apperrors.ErrRemoteConflict,
		Op:       op,
		EntityID: e.EntityID(),
		Err:      errors.New("stored version is newer"),
	}
}
