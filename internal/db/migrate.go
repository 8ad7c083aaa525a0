// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the schema migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// Migration is a row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// step is one schema version as found on disk: V<n>__<description>.up.sql
// and an optional matching .down.sql.
type step struct {
	version     int
	description string
	up          string
	down        string
}

var stepName = regexp.MustCompile(`^V([0-9]+)__(.+)\.(up|down)\.sql$`)

// Migrator moves the schema between versions. Every step runs in its own
// transaction together with its bookkeeping row.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	now  func() time.Time
}

// NewMigrator creates a Migrator over the migration files in fsys.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys, now: time.Now}
}

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY CHECK(version > 0),
	applied_at  INTEGER NOT NULL CHECK(applied_at > 0),
	description TEXT NOT NULL CHECK(length(description) > 0),
	checksum    TEXT NOT NULL CHECK(length(checksum) = 64)
);`

// Initialize creates the bookkeeping table.
func (m *Migrator) Initialize() error {
	_, err := m.db.Exec(schemaMigrationsDDL)
	return err
}

// Version returns the highest applied version, 0 on a fresh database.
func (m *Migrator) Version() (int, error) {
	var v int
	err := m.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// Applied lists the recorded migrations by version.
func (m *Migrator) Applied() ([]Migration, error) {
	rows, err := m.db.Query(`SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var (
			rec Migration
			at  int64
		)
		if err := rows.Scan(&rec.Version, &at, &rec.Description, &rec.Checksum); err != nil {
			return nil, err
		}
		rec.AppliedAt = time.Unix(at, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Pending returns the versions on disk that have not been applied, in order.
func (m *Migrator) Pending() ([]int, error) {
	steps, err := m.plan()
	if err != nil {
		return nil, err
	}
	applied, err := m.Applied()
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(applied))
	for _, rec := range applied {
		done[rec.Version] = true
	}
	var pending []int
	for _, s := range steps {
		if s.up != "" && !done[s.version] {
			pending = append(pending, s.version)
		}
	}
	return pending, nil
}

// plan reads fsys and pairs up and down files by version. Files that do not
// follow the naming scheme are ignored; two files claiming the same version
// and direction are an error.
func (m *Migrator) plan() ([]step, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	byVersion := make(map[int]*step)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := stepName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil || version <= 0 {
			continue
		}
		s, ok := byVersion[version]
		if !ok {
			s = &step{version: version, description: match[2]}
			byVersion[version] = s
		}
		slot := &s.up
		if match[3] == "down" {
			slot = &s.down
		}
		if *slot != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d: %s and %s", match[3], version, *slot, entry.Name())
		}
		*slot = entry.Name()
	}

	steps := make([]step, 0, len(byVersion))
	for _, s := range byVersion {
		steps = append(steps, *s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Up applies every pending step in version order. A previously applied step
// whose file no longer matches its recorded checksum stops the run before
// anything new is applied.
func (m *Migrator) Up() error {
	steps, err := m.plan()
	if err != nil {
		return err
	}
	applied, err := m.Applied()
	if err != nil {
		return fmt.Errorf("failed to list applied migrations: %w", err)
	}
	recorded := make(map[int]string, len(applied))
	for _, rec := range applied {
		recorded[rec.Version] = rec.Checksum
	}

	for _, s := range steps {
		if s.up == "" {
			continue
		}
		body, err := fs.ReadFile(m.fsys, s.up)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", s.up, err)
		}
		sum := checksum(body)
		if prev, ok := recorded[s.version]; ok {
			if prev != sum {
				return fmt.Errorf("migration V%d (%s) changed after it was applied", s.version, s.description)
			}
			continue
		}
		err = m.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
				s.version, m.now().Unix(), s.description, sum)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", s.version, err)
		}
	}
	return nil
}

// Down reverts the highest applied version using its .down.sql file.
func (m *Migrator) Down() error {
	current, err := m.Version()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	steps, err := m.plan()
	if err != nil {
		return err
	}
	var down string
	for _, s := range steps {
		if s.version == current {
			down = s.down
		}
	}
	if down == "" {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}
	body, err := fs.ReadFile(m.fsys, down)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", down, err)
	}

	err = m.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(body)); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, current)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to roll back migration V%d: %w", current, err)
	}
	return nil
}

func (m *Migrator) inTx(fn func(*sql.Tx) error) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return multierr.Append(err, tx.Rollback())
	}
	return tx.Commit()
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
