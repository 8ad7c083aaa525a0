package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mimisupply/synccore/internal/models"
)

// MutationRepository is the durable journal behind the mutation queue.
// Rows are ordered by position; the head of the queue has the lowest position.
type MutationRepository struct {
	db    *sql.DB
	stmts *stmtCache
	now   func() time.Time
}

// NewMutationRepository creates a MutationRepository on a migrated database.
func NewMutationRepository(db *DB) *MutationRepository {
	return &MutationRepository{db: db.DB, stmts: newStmtCache(db.DB), now: time.Now}
}

const upsertMutation = `
	INSERT INTO mutation_journal (id, kind, entity_key, position, body, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		position = excluded.position,
		body = excluded.body,
		updated_at = excluded.updated_at`

// Append journals m at the tail.
func (r *MutationRepository) Append(ctx context.Context, m models.Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("journal mutation %s: %w", m.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var tail int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM mutation_journal`).Scan(&tail); err != nil {
		return fmt.Errorf("journal tail: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertMutation, m.ID, string(m.Kind()), m.EntityKey(), tail+1, string(body), r.now().UnixNano()); err != nil {
		return fmt.Errorf("journal mutation %s: %w", m.ID, err)
	}
	return tx.Commit()
}

// Prepend journals ms ahead of every existing row, keeping their order.
// Mutations already in the journal are moved and updated.
func (r *MutationRepository) Prepend(ctx context.Context, ms []models.Mutation) error {
	if len(ms) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var head int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MIN(position), 1) FROM mutation_journal`).Scan(&head); err != nil {
		return fmt.Errorf("journal head: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertMutation)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := r.now().UnixNano()
	start := head - int64(len(ms))
	for i, m := range ms {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("journal mutation %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, m.ID, string(m.Kind()), m.EntityKey(), start+int64(i), string(body), now); err != nil {
			return fmt.Errorf("journal mutation %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Remove deletes an acknowledged mutation.
func (r *MutationRepository) Remove(ctx context.Context, id string) error {
	stmt, err := r.stmts.prepare(ctx, `DELETE FROM mutation_journal WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("remove mutation %s: %w", id, err)
	}
	return nil
}

// Load returns every journaled mutation in queue order.
func (r *MutationRepository) Load(ctx context.Context) ([]models.Mutation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, body FROM mutation_journal ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load mutations: %w", err)
	}
	defer rows.Close()

	var out []models.Mutation
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		var m models.Mutation
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode mutation %s: %w", id, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of journaled mutations.
func (r *MutationRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

// Close releases prepared statements.
func (r *MutationRepository) Close() error {
	return r.stmts.close()
}
