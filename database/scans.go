package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Scan is one assessment run owned by the control plane. A row is written
// only by its owning worker until completed_at is set, then it is read-only
// (summary excepted).
type Scan struct {
	ScanID           string
	ProbeName        string
	Target           string
	ScanType         string
	Ports            []int
	ExternalTargetID string
	GVMTargetID      string
	GVMTaskID        string
	GVMReportID      string
	GVMPortListID    string
	GVMStatus        string
	GVMProgress      int
	ReportXML        string
	Summary          json.RawMessage
	Error            string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Completed reports whether the scan reached a terminal state.
func (s *Scan) Completed() bool {
	return s.CompletedAt != nil
}

const scanColumns = `
	scan_id, probe_name, target, scan_type, ports, external_target_id,
	gvm_target_id, gvm_task_id, gvm_report_id, gvm_port_list_id,
	gvm_status, gvm_progress, report_xml, summary, error,
	created_at, started_at, completed_at
`

// InsertScan persists a freshly submitted scan. CreatedAt is set to now if
// unset; the initial status is whatever the caller put in GVMStatus.
func (db *DB) InsertScan(scan *Scan) error {
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}
	if scan.GVMStatus == "" {
		scan.GVMStatus = "New"
	}

	ports, err := marshalPorts(scan.Ports)
	if err != nil {
		return fmt.Errorf("failed to encode ports: %w", err)
	}

	_, err = db.conn.Exec(`
		INSERT INTO scans (
			scan_id, probe_name, target, scan_type, ports, external_target_id,
			gvm_status, gvm_progress, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, scan.ScanID, scan.ProbeName, scan.Target, scan.ScanType, ports,
		nullable(scan.ExternalTargetID), scan.GVMStatus, scan.GVMProgress,
		formatTime(scan.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}

	return nil
}

// GetScan loads a single scan by id, including the report blob.
func (db *DB) GetScan(scanID string) (*Scan, error) {
	row := db.conn.QueryRow(`
		SELECT `+scanColumns+`
		FROM scans
		WHERE scan_id = ?
	`, scanID)

	scan, err := scanScanRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scan %s: %w", scanID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}

	return scan, nil
}

// ListScans returns all scans, newest first. The report blob is not loaded.
func (db *DB) ListScans() ([]*Scan, error) {
	rows, err := db.conn.Query(`
		SELECT scan_id, probe_name, target, scan_type, ports, external_target_id,
		       gvm_target_id, gvm_task_id, gvm_report_id, gvm_port_list_id,
		       gvm_status, gvm_progress, NULL, summary, error,
		       created_at, started_at, completed_at
		FROM scans
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scans []*Scan
	for rows.Next() {
		scan, err := scanScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scans = append(scans, scan)
	}

	return scans, rows.Err()
}

// ActiveScans returns every scan that has not reached a terminal state.
// Used on startup to re-adopt workers for in-flight scans.
func (db *DB) ActiveScans() ([]*Scan, error) {
	rows, err := db.conn.Query(`
		SELECT `+scanColumns+`
		FROM scans
		WHERE completed_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scans []*Scan
	for rows.Next() {
		scan, err := scanScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scans = append(scans, scan)
	}

	return scans, rows.Err()
}

// CountActiveScans returns the number of scans with no terminal state yet.
func (db *DB) CountActiveScans() (int, error) {
	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM scans WHERE completed_at IS NULL
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active scans: %w", err)
	}
	return count, nil
}

// CountCompletedScans returns the all-time number of scans that reached a
// terminal state with no error recorded. Monotonic; scan rows are never
// deleted.
func (db *DB) CountCompletedScans() (int, error) {
	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM scans WHERE completed_at IS NOT NULL AND error IS NULL
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed scans: %w", err)
	}
	return count, nil
}

// CountFailedScans returns the all-time number of scans finalized with an
// error.
func (db *DB) CountFailedScans() (int, error) {
	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM scans WHERE completed_at IS NOT NULL AND error IS NOT NULL
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed scans: %w", err)
	}
	return count, nil
}

// ActiveScansPerProbe returns probe name → active scan count. Probes with
// no active scans are absent from the map.
func (db *DB) ActiveScansPerProbe() (map[string]int, error) {
	rows, err := db.conn.Query(`
		SELECT probe_name, COUNT(*)
		FROM scans
		WHERE completed_at IS NULL
		GROUP BY probe_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count active scans per probe: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		counts[name] = count
	}

	return counts, rows.Err()
}

// UpdateScanStatus records the last observed engine status and progress.
// Completed scans are never touched.
func (db *DB) UpdateScanStatus(scanID, status string, progress int) error {
	_, err := db.conn.Exec(`
		UPDATE scans
		SET gvm_status = ?, gvm_progress = ?
		WHERE scan_id = ? AND completed_at IS NULL
	`, status, progress, scanID)
	if err != nil {
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	return nil
}

// SetScanPortListID records the engine port list created for a directed scan.
func (db *DB) SetScanPortListID(scanID, portListID string) error {
	return db.setScanColumn(scanID, "gvm_port_list_id", portListID)
}

// SetScanTargetID records the engine target id once create-target succeeds.
func (db *DB) SetScanTargetID(scanID, targetID string) error {
	return db.setScanColumn(scanID, "gvm_target_id", targetID)
}

// SetScanTaskID records the engine task id once create-task succeeds.
func (db *DB) SetScanTaskID(scanID, taskID string) error {
	return db.setScanColumn(scanID, "gvm_task_id", taskID)
}

func (db *DB) setScanColumn(scanID, column, value string) error {
	_, err := db.conn.Exec(`
		UPDATE scans SET `+column+` = ? WHERE scan_id = ? AND completed_at IS NULL
	`, value, scanID)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	return nil
}

// MarkScanStarted records the report id returned by start-task and stamps
// started_at. started_at is only written once.
func (db *DB) MarkScanStarted(scanID, reportID string) error {
	_, err := db.conn.Exec(`
		UPDATE scans
		SET gvm_report_id = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE scan_id = ? AND completed_at IS NULL
	`, reportID, formatTime(time.Now().UTC()), scanID)
	if err != nil {
		return fmt.Errorf("failed to mark scan started: %w", err)
	}
	return nil
}

// StoreReport writes the report blob and its parsed summary at most once.
// Returns false when another writer already stored a report for this scan.
func (db *DB) StoreReport(scanID, reportXML string, summary json.RawMessage) (bool, error) {
	res, err := db.conn.Exec(`
		UPDATE scans
		SET report_xml = ?, summary = ?
		WHERE scan_id = ? AND report_xml IS NULL
	`, reportXML, string(summary), scanID)
	if err != nil {
		return false, fmt.Errorf("failed to store report: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

// FinalizeScan marks a scan terminal: last observed status, optional error,
// completed_at = now. Idempotent; an already-finalized scan is left alone.
func (db *DB) FinalizeScan(scanID, status, errMsg string) error {
	_, err := db.conn.Exec(`
		UPDATE scans
		SET gvm_status = ?,
		    error = COALESCE(NULLIF(?, ''), error),
		    completed_at = ?
		WHERE scan_id = ? AND completed_at IS NULL
	`, status, errMsg, formatTime(time.Now().UTC()), scanID)
	if err != nil {
		return fmt.Errorf("failed to finalize scan: %w", err)
	}
	return nil
}

// scanScanRow hydrates one Scan from a row scanner.
func scanScanRow(row interface{ Scan(...interface{}) error }) (*Scan, error) {
	var (
		scan       Scan
		ports      sql.NullString
		externalID sql.NullString
		targetID   sql.NullString
		taskID     sql.NullString
		reportID   sql.NullString
		portListID sql.NullString
		reportXML  sql.NullString
		summary    sql.NullString
		errMsg     sql.NullString
		createdAt  string
		startedAt  sql.NullString
		completed  sql.NullString
	)

	err := row.Scan(&scan.ScanID, &scan.ProbeName, &scan.Target, &scan.ScanType,
		&ports, &externalID, &targetID, &taskID, &reportID, &portListID,
		&scan.GVMStatus, &scan.GVMProgress, &reportXML, &summary, &errMsg,
		&createdAt, &startedAt, &completed)
	if err != nil {
		return nil, err
	}

	scan.ExternalTargetID = externalID.String
	scan.GVMTargetID = targetID.String
	scan.GVMTaskID = taskID.String
	scan.GVMReportID = reportID.String
	scan.GVMPortListID = portListID.String
	scan.ReportXML = reportXML.String
	scan.Error = errMsg.String
	if summary.Valid && summary.String != "" {
		scan.Summary = json.RawMessage(summary.String)
	}

	if scan.Ports, err = unmarshalPorts(ports); err != nil {
		return nil, fmt.Errorf("failed to decode ports: %w", err)
	}
	if scan.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if scan.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if scan.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at: %w", err)
	}

	return &scan, nil
}

func marshalPorts(ports []int) (interface{}, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ports)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalPorts(ports sql.NullString) ([]int, error) {
	if !ports.Valid || ports.String == "" {
		return nil, nil
	}
	var out []int
	if err := json.Unmarshal([]byte(ports.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
