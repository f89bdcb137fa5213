// Package migration brings the session database schema up to date from the
// embedded migration files. Migrations are forward-only; rolling back means
// restoring the database file.
package migration

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

// step is one embedded schema migration.
type step struct {
	version int
	name    string
	sql     string
}

// Runner applies pending migrations against one database handle.
type Runner struct {
	db *sql.DB
}

func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Run applies every migration newer than the schema's current version, each
// in its own transaction. A step that was started but never committed leaves
// the schema dirty; Run refuses to continue past it.
func (r *Runner) Run() error {
	if err := r.ensureSchemaTable(); err != nil {
		return fmt.Errorf("create schema table: %w", err)
	}

	steps, err := loadSteps()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	current, dirty, err := r.currentVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty, manual intervention required", current)
	}

	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if err := r.apply(s); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", s.version, s.name, err)
		}
	}
	return nil
}

func (r *Runner) ensureSchemaTable() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			dirty BOOLEAN NOT NULL DEFAULT FALSE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// loadSteps reads the embedded NNN_name.up.sql files, sorted by version.
func loadSteps() ([]step, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var steps []step
	for _, entry := range entries {
		filename := entry.Name()
		base, ok := strings.CutSuffix(filename, ".up.sql")
		if !ok {
			continue
		}
		prefix, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("malformed migration filename %s", filename)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("malformed version in migration %s: %w", filename, err)
		}
		content, err := migrationFS.ReadFile("migrations/" + filename)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{version: version, name: name, sql: string(content)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

func (r *Runner) currentVersion() (version int, dirty bool, err error) {
	row := r.db.QueryRow(`SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1`)
	err = row.Scan(&version, &dirty)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, dirty, nil
}

func (r *Runner) apply(s step) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, TRUE)`, s.version); err != nil {
		return err
	}
	if _, err := tx.Exec(s.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE schema_migrations SET dirty = FALSE WHERE version = ?`, s.version); err != nil {
		return err
	}
	return tx.Commit()
}
