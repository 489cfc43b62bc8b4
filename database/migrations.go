package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

const currentSchemaVersion = 2

type migration struct {
	version int
	name    string
	up      func(*sql.DB) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		up:      migrateToV1,
	},
	{
		version: 2,
		name:    "add_port_list_to_scans",
		up:      migrateToV2,
	},
}

// ensureSchemaVersion applies every migration newer than the recorded
// version. Migrations are additive only; there is no down path.
func (db *DB) ensureSchemaVersion() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	currentVersion, err := db.getCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	log.Debug().Int("current", currentVersion).Int("target", currentSchemaVersion).Msg("Database schema version")

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		log.Info().Int("version", m.version).Str("name", m.name).Msg("Applying migration")
		if err := m.up(db.conn); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.version, m.name, err)
		}

		_, err = db.conn.Exec(`
			INSERT INTO schema_migrations (version, name) VALUES (?, ?)
		`, m.version, m.name)
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// getCurrentVersion reads the highest applied migration version, zero for a
// fresh database.
func (db *DB) getCurrentVersion() (int, error) {
	var version int
	err := db.conn.QueryRow(`
		SELECT COALESCE(MAX(version), 0) FROM schema_migrations
	`).Scan(&version)

	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

// migrateToV1 creates the scans and targets tables.
func migrateToV1(conn *sql.DB) error {
	_, err := conn.Exec(`
		-- One row per scan owned by this control plane
		CREATE TABLE IF NOT EXISTS scans (
			scan_id TEXT PRIMARY KEY,
			probe_name TEXT NOT NULL,
			target TEXT NOT NULL,
			scan_type TEXT NOT NULL DEFAULT 'full',
			ports TEXT,
			external_target_id TEXT,
			gvm_target_id TEXT,
			gvm_task_id TEXT,
			gvm_report_id TEXT,
			gvm_status TEXT NOT NULL DEFAULT 'New',
			gvm_progress INTEGER NOT NULL DEFAULT 0,
			report_xml TEXT,
			summary TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_scans_probe_active ON scans(probe_name, completed_at);
		CREATE INDEX IF NOT EXISTS idx_scans_external_target ON scans(external_target_id);

		-- Targets synchronized from the upstream inventory. Rows are never
		-- deleted; absent targets are disabled.
		CREATE TABLE IF NOT EXISTS targets (
			external_id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			ports TEXT,
			scan_type TEXT NOT NULL DEFAULT 'full',
			criticality TEXT NOT NULL DEFAULT 'medium',
			criticality_weight INTEGER NOT NULL DEFAULT 2,
			scan_frequency_hours INTEGER NOT NULL DEFAULT 168,
			enabled INTEGER NOT NULL DEFAULT 1,
			tags TEXT,
			last_scan_at TEXT,
			next_scan_at TEXT,
			last_scan_id TEXT,
			synced_at TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_targets_due ON targets(enabled, next_scan_at);
	`)
	return err
}

// migrateToV2 adds the engine port-list id used by directed scans
func migrateToV2(conn *sql.DB) error {
	_, err := conn.Exec(`ALTER TABLE scans ADD COLUMN gvm_port_list_id TEXT`)
	return err
}
