package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mimisupply/synccore/internal/models"
	"github.com/mimisupply/synccore/internal/uuid"
)

// ConflictRepository persists resolved conflicts for later inspection.
type ConflictRepository struct {
	db    *sql.DB
	stmts *stmtCache
}

// NewConflictRepository creates a ConflictRepository on a migrated database.
func NewConflictRepository(db *DB) *ConflictRepository {
	return &ConflictRepository{db: db.DB, stmts: newStmtCache(db.DB)}
}

// RecordConflict stores a conflict log, assigning an ID when empty.
func (r *ConflictRepository) RecordConflict(ctx context.Context, log models.ConflictLog) error {
	if log.ID == "" {
		log.ID = uuid.New()
	}
	if log.DetectedAt.IsZero() {
		log.DetectedAt = time.Now()
	}

	const query = `
	INSERT INTO conflict_logs (id, entity_id, entity_type, local_version, remote_version,
		local_timestamp, remote_timestamp, strategy, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := r.stmts.prepare(ctx, query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, log.ID, log.EntityID, string(log.EntityType),
		log.LocalVersion, log.RemoteVersion,
		log.LocalTimestamp.UnixNano(), log.RemoteTimestamp.UnixNano(),
		log.Strategy, log.Resolution, log.DetectedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record conflict for %s:%s: %w", log.EntityType, log.EntityID, err)
	}
	return nil
}

// ListConflicts returns the most recent conflicts for one entity, newest first.
func (r *ConflictRepository) ListConflicts(ctx context.Context, entityType models.EntityType, entityID string, limit int) ([]models.ConflictLog, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, entity_id, entity_type, local_version, remote_version,
		local_timestamp, remote_timestamp, strategy, resolution, detected_at
	FROM conflict_logs WHERE entity_type = ? AND entity_id = ?
	ORDER BY detected_at DESC LIMIT ?`, string(entityType), entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return scanConflicts(rows)
}

// RecentConflicts returns the most recent conflicts across all entities.
func (r *ConflictRepository) RecentConflicts(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, entity_id, entity_type, local_version, remote_version,
		local_timestamp, remote_timestamp, strategy, resolution, detected_at
	FROM conflict_logs ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return scanConflicts(rows)
}

func scanConflicts(rows *sql.Rows) ([]models.ConflictLog, error) {
	defer rows.Close()

	var out []models.ConflictLog
	for rows.Next() {
		var log models.ConflictLog
		var entityType string
		var localTS, remoteTS, detectedAt int64
		if err := rows.Scan(&log.ID, &log.EntityID, &entityType, &log.LocalVersion, &log.RemoteVersion,
			&localTS, &remoteTS, &log.Strategy, &log.Resolution, &detectedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		log.EntityType = models.EntityType(entityType)
		log.LocalTimestamp = time.Unix(0, localTS)
		log.RemoteTimestamp = time.Unix(0, remoteTS)
		log.DetectedAt = time.Unix(0, detectedAt)
		out = append(out, log)
	}
	return out, rows.Err()
}

// Close releases prepared statements.
func (r *ConflictRepository) Close() error {
	return r.stmts.close()
}
