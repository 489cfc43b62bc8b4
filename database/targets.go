package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Target is one row synchronized from the upstream inventory. Identity and
// config columns are written by Target Sync; schedule columns (last_scan_at,
// next_scan_at, last_scan_id) are written by the due-scan scheduler.
type Target struct {
	ExternalID         string
	Host               string
	Ports              []int
	ScanType           string
	Criticality        string
	CriticalityWeight  int
	ScanFrequencyHours int
	Enabled            bool
	Tags               json.RawMessage
	LastScanAt         *time.Time
	NextScanAt         *time.Time
	LastScanID         string
	SyncedAt           *time.Time
	CreatedAt          time.Time
}

// CriticalityWeightFor maps a criticality label to its scheduling weight.
// Unknown labels weigh the same as medium.
func CriticalityWeightFor(criticality string) int {
	switch strings.ToLower(criticality) {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 2
	}
}

const targetColumns = `
	external_id, host, ports, scan_type, criticality, criticality_weight,
	scan_frequency_hours, enabled, tags, last_scan_at, next_scan_at,
	last_scan_id, synced_at, created_at
`

// SyncTargets reconciles the local table with one upstream response inside a
// single transaction: upsert every received target (respecting its enabled
// flag) and disable every local row absent from the response. Rows are never
// deleted. Existing rows keep their schedule columns; new rows get
// next_scan_at = now so they are scanned immediately.
func (db *DB) SyncTargets(received []*Target) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now().UTC())

	for _, t := range received {
		if err := upsertTargetTx(tx, t, now); err != nil {
			return fmt.Errorf("failed to upsert target %s: %w", t.ExternalID, err)
		}
	}

	// Soft-delete everything the upstream no longer reports.
	ids := make([]string, len(received))
	args := make([]interface{}, len(received))
	for i, t := range received {
		ids[i] = "?"
		args[i] = t.ExternalID
	}

	disable := `UPDATE targets SET enabled = 0`
	if len(ids) > 0 {
		disable += ` WHERE external_id NOT IN (` + strings.Join(ids, ",") + `)`
	}
	if _, err := tx.Exec(disable, args...); err != nil {
		return fmt.Errorf("failed to disable absent targets: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync transaction: %w", err)
	}

	return nil
}

// UpsertTarget inserts or updates a single target outside a sync batch.
func (db *DB) UpsertTarget(t *Target) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertTargetTx(tx, t, formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to upsert target %s: %w", t.ExternalID, err)
	}

	return tx.Commit()
}

func upsertTargetTx(tx *sql.Tx, t *Target, now string) error {
	ports, err := marshalPorts(t.Ports)
	if err != nil {
		return fmt.Errorf("failed to encode ports: %w", err)
	}

	var tags interface{}
	if len(t.Tags) > 0 {
		tags = string(t.Tags)
	}

	scanType := t.ScanType
	if scanType == "" {
		scanType = "full"
	}
	criticality := t.Criticality
	if criticality == "" {
		criticality = "medium"
	}
	frequency := t.ScanFrequencyHours
	if frequency <= 0 {
		frequency = 168
	}

	_, err = tx.Exec(`
		INSERT INTO targets (
			external_id, host, ports, scan_type, criticality, criticality_weight,
			scan_frequency_hours, enabled, tags, next_scan_at, synced_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			host = excluded.host,
			ports = excluded.ports,
			scan_type = excluded.scan_type,
			criticality = excluded.criticality,
			criticality_weight = excluded.criticality_weight,
			scan_frequency_hours = excluded.scan_frequency_hours,
			enabled = excluded.enabled,
			tags = excluded.tags,
			synced_at = excluded.synced_at
	`, t.ExternalID, t.Host, ports, scanType, criticality,
		CriticalityWeightFor(criticality), frequency, boolToInt(t.Enabled),
		tags, now, now, now)

	return err
}

// GetTarget loads a single target by its upstream identifier.
func (db *DB) GetTarget(externalID string) (*Target, error) {
	row := db.conn.QueryRow(`
		SELECT `+targetColumns+`
		FROM targets
		WHERE external_id = ?
	`, externalID)

	target, err := scanTargetRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("target %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}

	return target, nil
}

// ListTargets returns every known target, enabled or not.
func (db *DB) ListTargets() ([]*Target, error) {
	rows, err := db.conn.Query(`
		SELECT ` + targetColumns + `
		FROM targets
		ORDER BY external_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []*Target
	for rows.Next() {
		target, err := scanTargetRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		targets = append(targets, target)
	}

	return targets, rows.Err()
}

// DueTargets returns enabled targets whose next_scan_at has passed, most
// critical first, skipping targets that already have a scan in flight.
func (db *DB) DueTargets(now time.Time) ([]*Target, error) {
	rows, err := db.conn.Query(`
		SELECT `+targetColumns+`
		FROM targets t
		WHERE t.enabled = 1
		  AND t.next_scan_at IS NOT NULL
		  AND t.next_scan_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM scans s
			WHERE s.external_target_id = t.external_id
			  AND s.completed_at IS NULL
		  )
		ORDER BY t.criticality_weight DESC, t.next_scan_at ASC
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []*Target
	for rows.Next() {
		target, err := scanTargetRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		targets = append(targets, target)
	}

	return targets, rows.Err()
}

// MarkTargetScanned advances the schedule after a successful dispatch:
// last_scan_at = now, last_scan_id, next_scan_at = now + frequency.
func (db *DB) MarkTargetScanned(externalID, scanID string, frequencyHours int) error {
	now := time.Now().UTC()
	next := now.Add(time.Duration(frequencyHours) * time.Hour)

	_, err := db.conn.Exec(`
		UPDATE targets
		SET last_scan_at = ?, last_scan_id = ?, next_scan_at = ?
		WHERE external_id = ?
	`, formatTime(now), scanID, formatTime(next), externalID)
	if err != nil {
		return fmt.Errorf("failed to mark target scanned: %w", err)
	}

	return nil
}

// CountEnabledTargets returns how many targets the scheduler considers.
func (db *DB) CountEnabledTargets() (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM targets WHERE enabled = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count targets: %w", err)
	}
	return count, nil
}

func scanTargetRow(row interface{ Scan(...interface{}) error }) (*Target, error) {
	var (
		target     Target
		ports      sql.NullString
		enabled    int
		tags       sql.NullString
		lastScanAt sql.NullString
		nextScanAt sql.NullString
		lastScanID sql.NullString
		syncedAt   sql.NullString
		createdAt  string
	)

	err := row.Scan(&target.ExternalID, &target.Host, &ports, &target.ScanType,
		&target.Criticality, &target.CriticalityWeight, &target.ScanFrequencyHours,
		&enabled, &tags, &lastScanAt, &nextScanAt, &lastScanID, &syncedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	target.Enabled = enabled != 0
	target.LastScanID = lastScanID.String
	if tags.Valid && tags.String != "" {
		target.Tags = json.RawMessage(tags.String)
	}

	if target.Ports, err = unmarshalPorts(ports); err != nil {
		return nil, fmt.Errorf("failed to decode ports: %w", err)
	}
	if target.LastScanAt, err = parseNullTime(lastScanAt); err != nil {
		return nil, fmt.Errorf("failed to parse last_scan_at: %w", err)
	}
	if target.NextScanAt, err = parseNullTime(nextScanAt); err != nil {
		return nil, fmt.Errorf("failed to parse next_scan_at: %w", err)
	}
	if target.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return nil, fmt.Errorf("failed to parse synced_at: %w", err)
	}
	if target.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &target, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
