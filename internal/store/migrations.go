package store

import (
	"database/sql"
	"fmt"

	"dsmessenger/internal/logging"
)

// Schema versions:
// v1: messages table with the dedupe key
// v2: status column for delivery state echoed by the server
const CurrentSchemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	contact    TEXT NOT NULL,
	direction  TEXT NOT NULL,
	body       TEXT NOT NULL,
	sent_at    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (owner, contact, direction, body, sent_at)
);
CREATE INDEX IF NOT EXISTS idx_messages_owner_contact ON messages (owner, contact);
CREATE TABLE IF NOT EXISTS schema_versions (
	version    INTEGER NOT NULL,
	applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// Migration adds a column to an existing table.
type Migration struct {
	Version int
	Table   string
	Column  string
	Def     string
}

var pendingMigrations = []Migration{
	{2, "messages", "status", "TEXT NOT NULL DEFAULT ''"},
}

// migrate brings db up to CurrentSchemaVersion.
func migrate(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	if _, err := db.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	from := SchemaVersion(db)
	applied := 0
	for _, m := range pendingMigrations {
		if columnExists(db, m.Table, m.Column) {
			logging.StoreDebug("column already exists, skipping: %s.%s", m.Table, m.Column)
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		logging.StoreDebug("executing migration: %s", query)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}

	if from < CurrentSchemaVersion {
		if _, err := db.Exec(`INSERT INTO schema_versions (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	logging.StoreDebug("schema at v%d (from v%d, %d migrations applied)", CurrentSchemaVersion, from, applied)
	return nil
}

// SchemaVersion returns the recorded schema version, or zero for a fresh
// database.
func SchemaVersion(db *sql.DB) int {
	var version sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_versions`).Scan(&version); err != nil {
		logging.StoreDebug("schema version lookup failed: %v", err)
		return 0
	}
	if !version.Valid {
		return 0
	}
	return int(version.Int64)
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue interface{}
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
