package sink

import (
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is applied in order, each exactly once, tracked in the
// schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "audit_records",
		SQL: `
		CREATE TABLE IF NOT EXISTS audit_records (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			id                TEXT NOT NULL UNIQUE,
			command           TEXT NOT NULL,
			args              TEXT NOT NULL DEFAULT '[]',
			requested_by      TEXT DEFAULT '',
			working_dir       TEXT DEFAULT '',
			start_time        DATETIME NOT NULL,
			end_time          DATETIME,
			duration_ms       INTEGER,
			blocked           INTEGER NOT NULL DEFAULT 0,
			block_reason      TEXT DEFAULT '',
			error_kind        TEXT DEFAULT '',
			requires_approval INTEGER NOT NULL DEFAULT 0,
			approved          INTEGER NOT NULL DEFAULT 0,
			exit_code         INTEGER,
			stdout            TEXT DEFAULT '',
			stderr            TEXT DEFAULT '',
			error             TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_records_time ON audit_records(start_time);
		CREATE INDEX IF NOT EXISTS idx_audit_records_cmd ON audit_records(command);
		`,
	},
	{
		Version:     2,
		Description: "approval_decisions, approval_id column",
		SQL: `
		ALTER TABLE audit_records ADD COLUMN approval_id TEXT DEFAULT '';

		CREATE TABLE IF NOT EXISTS approval_decisions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id  TEXT NOT NULL,
			command     TEXT NOT NULL,
			status      TEXT NOT NULL,
			approver    TEXT DEFAULT '',
			decided_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_request ON approval_decisions(request_id);
		`,
	},
}

// RunMigrations brings db up to the latest schema version.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
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
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
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

// SchemaVersion reports the highest applied migration.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}
