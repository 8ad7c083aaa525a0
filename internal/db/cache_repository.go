package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mimisupply/synccore/internal/models"
)

// CacheRepository persists cache records, one row per (category, key).
type CacheRepository struct {
	db    *sql.DB
	stmts *stmtCache
}

// NewCacheRepository creates a CacheRepository on a migrated database.
func NewCacheRepository(db *DB) *CacheRepository {
	return &CacheRepository{db: db.DB, stmts: newStmtCache(db.DB)}
}

// Write inserts or replaces a record.
func (r *CacheRepository) Write(ctx context.Context, rec models.CacheRecord) error {
	const query = `
	INSERT INTO cache_records (category, key, payload, encoding, size, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(category, key) DO UPDATE SET
		payload = excluded.payload,
		encoding = excluded.encoding,
		size = excluded.size,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at`
	stmt, err := r.stmts.prepare(ctx, query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, string(rec.Category), rec.Key, rec.Payload, string(rec.Encoding),
		rec.Size(), rec.CreatedAt.UnixNano(), rec.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("write cache record %s/%s: %w", rec.Category, rec.Key, err)
	}
	return nil
}

// Read loads a record. found is false when no row exists.
func (r *CacheRepository) Read(ctx context.Context, category models.CacheCategory, key string) (models.CacheRecord, bool, error) {
	const query = `
	SELECT payload, encoding, created_at, expires_at
	FROM cache_records WHERE category = ? AND key = ?`
	stmt, err := r.stmts.prepare(ctx, query)
	if err != nil {
		return models.CacheRecord{}, false, err
	}

	rec := models.CacheRecord{Key: key, Category: category}
	var encoding string
	var createdAt, expiresAt int64
	err = stmt.QueryRowContext(ctx, string(category), key).Scan(&rec.Payload, &encoding, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheRecord{}, false, nil
	}
	if err != nil {
		return models.CacheRecord{}, false, fmt.Errorf("read cache record %s/%s: %w", category, key, err)
	}
	rec.Encoding = models.PayloadEncoding(encoding)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.ExpiresAt = time.Unix(0, expiresAt)
	return rec, true, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (r *CacheRepository) Delete(ctx context.Context, category models.CacheCategory, key string) error {
	stmt, err := r.stmts.prepare(ctx, `DELETE FROM cache_records WHERE category = ? AND key = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, string(category), key); err != nil {
		return fmt.Errorf("delete cache record %s/%s: %w", category, key, err)
	}
	return nil
}

// List returns the metadata of every record, oldest first.
func (r *CacheRepository) List(ctx context.Context) ([]models.CacheMeta, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT category, key, size, created_at, expires_at
	FROM cache_records ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("list cache records: %w", err)
	}
	defer rows.Close()

	var metas []models.CacheMeta
	for rows.Next() {
		var meta models.CacheMeta
		var category string
		var createdAt, expiresAt int64
		if err := rows.Scan(&category, &meta.Key, &meta.Size, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan cache record: %w", err)
		}
		meta.Category = models.CacheCategory(category)
		meta.CreatedAt = time.Unix(0, createdAt)
		meta.ExpiresAt = time.Unix(0, expiresAt)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Clear removes every record.
func (r *CacheRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_records`); err != nil {
		return fmt.Errorf("clear cache records: %w", err)
	}
	return nil
}

// Close releases prepared statements.
func (r *CacheRepository) Close() error {
	return r.stmts.close()
}
