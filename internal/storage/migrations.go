package storage

import (
	"context"
	"database/sql"
	"fmt"

	logx "applaunch/pkg/logx"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations is append-only. Never edit a released entry; add a new one.
var migrations = []migration{
	{
		version: 1,
		name:    "create scheduled_apps",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS scheduled_apps (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				target_ref     TEXT    NOT NULL,
				scheduled_time INTEGER NOT NULL,
				is_executed    INTEGER NOT NULL DEFAULT 0,
				is_cancelled   INTEGER NOT NULL DEFAULT 0,
				created_at     INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "add display_name",
		stmts: []string{
			`ALTER TABLE scheduled_apps ADD COLUMN display_name TEXT NOT NULL DEFAULT ''`,
			`UPDATE scheduled_apps SET display_name = target_ref`,
		},
	},
	{
		version: 3,
		name:    "create deferred_tasks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS deferred_tasks (
				key        TEXT PRIMARY KEY,
				token      TEXT    NOT NULL,
				fire_at    INTEGER NOT NULL,
				payload    TEXT    NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_deferred_tasks_fire_at ON deferred_tasks(fire_at)`,
			`CREATE INDEX IF NOT EXISTS idx_scheduled_apps_time ON scheduled_apps(scheduled_time)`,
		},
	},
}

// SchemaVersion is the version a freshly migrated database reports.
func SchemaVersion() int { return len(migrations) }

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies every migration above the stored version, up to target,
// each in its own transaction together with the version bump.
func migrate(ctx context.Context, db *sql.DB, target int, log logx.Logger) error {
	cur, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if cur > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", cur, len(migrations))
	}
	for _, m := range migrations {
		if m.version <= cur || m.version > target {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.version, err)
		}
		log.Info("schema migrated", logx.Int("version", m.version), logx.String("name", m.name))
	}
	return nil
}
