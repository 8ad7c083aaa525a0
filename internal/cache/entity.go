package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mimisupply/synccore/internal/models"
)

// PutEntity caches an entity snapshot under its entity key in the category
// of its type.
func (s *Store) PutEntity(ctx context.Context, e models.Entity, ttl ...time.Duration) error {
	raw, err := models.EncodeEntity(e)
	if err != nil {
		return err
	}
	return s.Put(ctx, models.KeyOf(e), e.EntityType().Category(), raw, ttl...)
}

// GetEntity returns the cached snapshot of an entity. Undecodable snapshots
// are purged and reported as misses.
func (s *Store) GetEntity(ctx context.Context, t models.EntityType, id string) (models.Entity, bool) {
	key := models.EntityKey(t, id)
	rec, ok := s.lookup(ctx, key, t.Category())
	if !ok {
		return nil, false
	}
	data, err := s.payload(rec)
	if err == nil {
		var e models.Entity
		if e, err = models.DecodeEntity(data); err == nil && e.EntityType() == t {
			s.hit(t.Category())
			return e, true
		}
	}
	s.logger.Warn("cached entity corrupt", zap.String("key", key), zap.Error(err))
	s.purge(ctx, rec, ReasonCorruption)
	s.miss(t.Category())
	return nil, false
}
