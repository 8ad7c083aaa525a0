// Package cache provides the bounded, categorized local cache that keeps the
// app usable while the remote store is unreachable.
package cache

import (
	"context"

	"github.com/mimisupply/synccore/internal/models"
)

// Backend persists cache records, one record per (category, key).
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write inserts or replaces a record.
	Write(ctx context.Context, rec models.CacheRecord) error

	// Read loads a record; found is false when it does not exist. A record
	// that exists but cannot be decoded yields an ErrCacheCorruption error.
	Read(ctx context.Context, category models.CacheCategory, key string) (rec models.CacheRecord, found bool, err error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, category models.CacheCategory, key string) error

	// List returns metadata for every record.
	List(ctx context.Context) ([]models.CacheMeta, error)

	// Clear removes every record.
	Clear(ctx context.Context) error
}

// Observer receives cache metrics. The telemetry package provides the
// prometheus implementation.
type Observer interface {
	CacheAccess(category models.CacheCategory, hit bool)
	CacheEvicted(category models.CacheCategory, reason string, n int)
	CacheSize(category models.CacheCategory, entries int, bytes int64)
}

type nopObserver struct{}

func (nopObserver) CacheAccess(models.CacheCategory, bool) {}
func (nopObserver) CacheEvicted(models.CacheCategory, string, int) {}
func (nopObserver) CacheSize(models.CacheCategory, int, int64) {}
