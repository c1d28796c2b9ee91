package store

import (
	"database/sql"
	"fmt"
)

// schemaVersion is bumped whenever a migration step is appended.
const schemaVersion = "1"

// migrate creates all tables if they don't exist and records the schema
// version.
func (s *SQLiteStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS mlmodels (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			title      TEXT UNIQUE NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Signatures are called nodes by the activity sheets.
		`CREATE TABLE IF NOT EXISTS signatures (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			mlmodel_id INTEGER NOT NULL REFERENCES mlmodels(id) ON DELETE CASCADE,
			name       TEXT NOT NULL,
			UNIQUE (mlmodel_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS samples (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			name           TEXT NOT NULL DEFAULT '',
			ml_data_source TEXT UNIQUE,
			annotations    TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS activity (
			sample_id    INTEGER NOT NULL REFERENCES samples(id) ON DELETE CASCADE,
			signature_id INTEGER NOT NULL REFERENCES signatures(id) ON DELETE CASCADE,
			value        REAL NOT NULL,
			PRIMARY KEY (sample_id, signature_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_signature ON activity(signature_id)`,
		`CREATE INDEX IF NOT EXISTS idx_signatures_mlmodel ON signatures(mlmodel_id)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("executing %q: %w", truncate(stmt, 60), err)
		}
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("recording schema version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion returns the schema version recorded in the meta table.
func (s *SQLiteStore) SchemaVersion() (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
