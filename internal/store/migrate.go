package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (migration_id TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`

// Migrate applies every embedded migration for the dialect that is not yet in
// the schema_migrations ledger. Each migration runs in its own transaction.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, ledgerDDL); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}
	dir := path.Join("migrations", string(d.driver))
	files, err := listMigrationFiles(migrationFiles, dir)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := d.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := d.applyMigration(ctx, dir, file); err != nil {
			return err
		}
		d.log.Info().Str("migration", file).Msg("applied migration")
	}
	return nil
}

// AppliedMigrations lists ledger entries in application order.
func (d *DB) AppliedMigrations(ctx context.Context) ([]string, error) {
	var ids []string
	err := d.SelectContext(ctx, &ids, `SELECT migration_id FROM schema_migrations ORDER BY migration_id`)
	return ids, err
}

func (d *DB) isMigrationApplied(ctx context.Context, id string) (bool, error) {
	var n int
	err := d.GetContext(ctx, &n, d.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE migration_id = ?`), id)
	return n > 0, err
}

func (d *DB) applyMigration(ctx context.Context, dir, file string) error {
	body, err := migrationFiles.ReadFile(path.Join(dir, file))
	if err != nil {
		return err
	}
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO schema_migrations (migration_id, applied_at) VALUES (?, ?)`), file, Nanos(time.Now())); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(migFS, dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
