package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// stmtCache prepares statements on first use and reuses them.
type stmtCache struct {
	db    *sql.DB
	stmts sync.Map // map[string]*sql.Stmt
}

func newStmtCache(db *sql.DB) *stmtCache {
	return &stmtCache{db: db}
}

// prepare gets or creates a prepared statement for query.
func (c *stmtCache) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := c.stmts.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query; keep theirs.
	actual, loaded := c.stmts.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// close closes all cached statements.
func (c *stmtCache) close() error {
	var err error
	c.stmts.Range(func(key, value any) bool {
		err = multierr.Append(err, value.(*sql.Stmt).Close())
		c.stmts.Delete(key)
		return true
	})
	return err
}
