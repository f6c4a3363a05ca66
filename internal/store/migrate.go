package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// SchemaVersion is the version the sqlite store migrates to on open.
const SchemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "sessions table",
		SQL: `
		CREATE TABLE IF NOT EXISTS sessions (
			user_key          TEXT PRIMARY KEY,
			engine_session_id TEXT NOT NULL,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	},
	{
		Version:     2,
		Description: "index sessions by creation time",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);`,
	},
}

func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func currentSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

// InspectSchema reports the schema version of an existing sqlite session
// database without migrating it. A database never opened by the store is 0.
func InspectSchema(ctx context.Context, dbPath string) (int, error) {
	db, err := sql.Open("sqlite", dbPath+sqliteParams)
	if err != nil {
		return 0, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'",
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("inspect schema: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	return currentSchemaVersion(db)
}
