// Package db provides repository interfaces for sync core persistence.
package db

import (
	"context"

	"github.com/mimisupply/synccore/internal/models"
)

// CacheRecordRepository defines operations for cache record persistence.
type CacheRecordRepository interface {
	// Write inserts or replaces a record.
	Write(ctx context.Context, rec models.CacheRecord) error

	// Read loads a record; found is false when it does not exist.
	Read(ctx context.Context, category models.CacheCategory, key string) (rec models.CacheRecord, found bool, err error)

	// Delete removes a record.
	Delete(ctx context.Context, category models.CacheCategory, key string) error

	// List returns metadata for every record.
	List(ctx context.Context) ([]models.CacheMeta, error)

	// Clear removes every record.
	Clear(ctx context.Context) error
}

// MutationJournalRepository defines operations for the durable mutation journal.
type MutationJournalRepository interface {
	// Append journals a mutation at the tail.
	Append(ctx context.Context, m models.Mutation) error

	// Prepend journals mutations at the head, keeping their order.
	Prepend(ctx context.Context, ms []models.Mutation) error

	// Remove deletes an acknowledged mutation.
	Remove(ctx context.Context, id string) error

	// Load returns journaled mutations in queue order.
	Load(ctx context.Context) ([]models.Mutation, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// RecordConflict stores a conflict log entry.
	RecordConflict(ctx context.Context, log models.ConflictLog) error
}

// Ensure repositories implement the interfaces at compile time.
var (
	_ CacheRecordRepository     = (*CacheRepository)(nil)
	_ MutationJournalRepository = (*MutationRepository)(nil)
	_ ConflictLogRepository     = (*ConflictRepository)(nil)
)
