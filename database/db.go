package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DB is the control-plane store. Targets, scans, and schema bookkeeping
// all live in a single SQLite file behind one connection.
type DB struct {
	conn *sql.DB
}

// IsCorruptionError checks if an error indicates database corruption.
// Corrupted stores are reported, never silently rebuilt: the scan history
// is the authoritative system state.
func IsCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "malformed") ||
		strings.Contains(errMsg, "corrupt") ||
		strings.Contains(errMsg, "database disk image is malformed")
}

// New opens (or creates) the database file and brings the schema up to date.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		if IsCorruptionError(err) {
			log.Error().Err(err).Str("path", dbPath).Msg("Database corruption detected")
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One connection: scan workers, the scheduler, and the API all write
	// through here, and a single writer sidesteps SQLITE_BUSY entirely.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	_, err = conn.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`)
	if err != nil {
		_ = conn.Close()
		if IsCorruptionError(err) {
			log.Error().Err(err).Str("path", dbPath).Msg("Database corruption detected during configuration")
		}
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.ensureSchemaVersion(); err != nil {
		_ = conn.Close()
		if IsCorruptionError(err) {
			log.Error().Err(err).Str("path", dbPath).Msg("Database corruption detected during migration")
		}
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Database initialized")
	return db, nil
}

// Close checkpoints the WAL and closes the connection. Safe on nil.
func Close(db *DB) error {
	if db == nil || db.conn == nil {
		return nil
	}

	// Fold the WAL into the main file so the .db alone is a complete copy.
	log.Debug().Msg("Checkpointing WAL before closing database")
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Msg("Failed to checkpoint WAL")
	}

	return db.conn.Close()
}

// HealthCheck performs a cheap liveness query against the store.
func HealthCheck(db *DB) error {
	if db == nil || db.conn == nil {
		return fmt.Errorf("database connection is nil")
	}

	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&count)
	if err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

// Backup writes a consistent copy of the live database to backupPath using
// VACUUM INTO. Used for operator-driven recovery; the store itself is never
// rebuilt automatically.
func Backup(db *DB, backupPath string) error {
	if db == nil || db.conn == nil {
		return fmt.Errorf("database connection is nil")
	}

	log.Info().Str("path", backupPath).Msg("Creating database backup")
	if _, err := db.conn.Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}

	return nil
}
