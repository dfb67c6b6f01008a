package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// RunMigrations applies every pending .sql file in dir, in lexical
// order. Applied names are tracked in schema_migrations, and each
// script runs inside its own transaction so a failing migration leaves
// the schema where the previous one ended.
func RunMigrations(ctx context.Context, db *sql.DB, dir string, log zerolog.Logger) error {
	log = log.With().Str("component", "storage").Logger()

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  name TEXT PRIMARY KEY,
  applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	pending, err := pendingMigrations(dir, applied)
	if err != nil {
		return err
	}

	for _, name := range pending {
		if err := applyMigration(ctx, db, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		log.Info().Str("migration", name).Msg("migration applied")
	}
	log.Debug().Int("applied", len(applied)).Int("new", len(pending)).Msg("schema up to date")
	return nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func pendingMigrations(dir string, applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var pending []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		pending = append(pending, name)
	}
	sort.Strings(pending)
	return pending, nil
}

func applyMigration(ctx context.Context, db *sql.DB, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(name) VALUES(?)`, filepath.Base(path)); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}
