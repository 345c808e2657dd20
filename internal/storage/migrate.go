package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migrator applies SQL migration files and records them in a
// schema_migrations table. Files named NNNN_name.sql apply on every driver;
// an NNNN_name_sqlite.sql variant takes precedence on sqlite.
type Migrator struct {
	db     *sql.DB
	dir    string
	driver string // "postgres" or "sqlite3"
}

// NewMigrator creates a migrator for the given database handle.
func NewMigrator(db *sql.DB, dir, driver string) *Migrator {
	return &Migrator{db: db, dir: dir, driver: driver}
}

// Migrate applies every pending migration in dir against db.
func Migrate(ctx context.Context, db *sql.DB, dir, driver string) error {
	_, err := NewMigrator(db, dir, driver).Up(ctx)
	return err
}

// Pending returns the migration files that have not been applied, sorted.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	files, err := m.listFiles()
	if err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, f := range files {
		if !applied[f] {
			pending = append(pending, f)
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// Up applies all pending migrations in order and returns the applied names.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range pending {
		if err := m.apply(ctx, name); err != nil {
			return nil, fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return pending, nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// listFiles returns the migration set for the driver. SQLite prefers a
// migration's _sqlite.sql variant when one exists.
func (m *Migrator) listFiles() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	sqliteVariants := map[string]string{}
	regular := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if strings.HasSuffix(name, "_sqlite.sql") {
			sqliteVariants[strings.TrimSuffix(name, "_sqlite.sql")] = name
		} else {
			regular[strings.TrimSuffix(name, ".sql")] = name
		}
	}

	baseNames := map[string]bool{}
	for base := range sqliteVariants {
		baseNames[base] = true
	}
	for base := range regular {
		baseNames[base] = true
	}

	var files []string
	for base := range baseNames {
		if m.driver == "sqlite3" {
			if f, ok := sqliteVariants[base]; ok {
				files = append(files, f)
				continue
			}
		}
		if f, ok := regular[base]; ok {
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (m *Migrator) apply(ctx context.Context, name string) error {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, string(data)); err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name)
	return err
}
