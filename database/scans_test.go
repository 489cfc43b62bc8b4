package database

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/EduardoVieiraCardoso/greenbone-distributed/sqlitedriver"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() {
		if err := Close(db); err != nil {
			t.Logf("Warning: failed to close database: %v", err)
		}
	})

	return db
}

func TestScanLifecycle(t *testing.T) {
	db := newTestDB(t)

	scan := &Scan{
		ScanID:    "scan-1",
		ProbeName: "gvm-1",
		Target:    "10.0.0.5",
		ScanType:  "directed",
		Ports:     []int{22, 80, 443},
	}
	if err := db.InsertScan(scan); err != nil {
		t.Fatalf("Failed to insert scan: %v", err)
	}

	// Round-trip: submitted fields come back unchanged
	got, err := db.GetScan("scan-1")
	if err != nil {
		t.Fatalf("Failed to get scan: %v", err)
	}
	if got.Target != "10.0.0.5" || got.ScanType != "directed" || got.ProbeName != "gvm-1" {
		t.Errorf("Unexpected scan fields: %+v", got)
	}
	if len(got.Ports) != 3 || got.Ports[0] != 22 || got.Ports[2] != 443 {
		t.Errorf("Expected ports [22 80 443], got %v", got.Ports)
	}
	if got.GVMStatus != "New" {
		t.Errorf("Expected initial status New, got %s", got.GVMStatus)
	}
	if got.Completed() {
		t.Error("Fresh scan should not be completed")
	}

	// Stage ids
	if err := db.SetScanPortListID("scan-1", "pl-1"); err != nil {
		t.Fatalf("Failed to set port list id: %v", err)
	}
	if err := db.SetScanTargetID("scan-1", "tgt-1"); err != nil {
		t.Fatalf("Failed to set target id: %v", err)
	}
	if err := db.SetScanTaskID("scan-1", "task-1"); err != nil {
		t.Fatalf("Failed to set task id: %v", err)
	}
	if err := db.MarkScanStarted("scan-1", "rep-1"); err != nil {
		t.Fatalf("Failed to mark started: %v", err)
	}

	got, err = db.GetScan("scan-1")
	if err != nil {
		t.Fatalf("Failed to get scan: %v", err)
	}
	if got.GVMTargetID != "tgt-1" || got.GVMTaskID != "task-1" || got.GVMReportID != "rep-1" || got.GVMPortListID != "pl-1" {
		t.Errorf("Unexpected engine ids: %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("Expected started_at to be set")
	}

	// Poll updates
	if err := db.UpdateScanStatus("scan-1", "Running", 42); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}
	got, _ = db.GetScan("scan-1")
	if got.GVMStatus != "Running" || got.GVMProgress != 42 {
		t.Errorf("Expected Running/42, got %s/%d", got.GVMStatus, got.GVMProgress)
	}

	// Report is stored at most once
	summary := json.RawMessage(`{"hosts_scanned":1,"vulns_high":2}`)
	stored, err := db.StoreReport("scan-1", "<report/>", summary)
	if err != nil {
		t.Fatalf("Failed to store report: %v", err)
	}
	if !stored {
		t.Error("First StoreReport should report stored=true")
	}

	stored, err = db.StoreReport("scan-1", "<other/>", summary)
	if err != nil {
		t.Fatalf("Second StoreReport failed: %v", err)
	}
	if stored {
		t.Error("Second StoreReport should be a no-op")
	}

	got, _ = db.GetScan("scan-1")
	if got.ReportXML != "<report/>" {
		t.Errorf("Report was overwritten: %q", got.ReportXML)
	}

	// Terminal transition
	if err := db.FinalizeScan("scan-1", "Done", ""); err != nil {
		t.Fatalf("Failed to finalize scan: %v", err)
	}
	got, _ = db.GetScan("scan-1")
	if !got.Completed() || got.GVMStatus != "Done" {
		t.Errorf("Expected completed Done scan, got %+v", got)
	}

	// Completed rows are immutable for status writers
	if err := db.UpdateScanStatus("scan-1", "Running", 99); err != nil {
		t.Fatalf("UpdateScanStatus after finalize errored: %v", err)
	}
	got, _ = db.GetScan("scan-1")
	if got.GVMStatus != "Done" || got.GVMProgress != 42 {
		t.Errorf("Completed scan was mutated: %s/%d", got.GVMStatus, got.GVMProgress)
	}

	firstCompleted := *got.CompletedAt
	if err := db.FinalizeScan("scan-1", "Stopped", "late"); err != nil {
		t.Fatalf("Second finalize errored: %v", err)
	}
	got, _ = db.GetScan("scan-1")
	if got.GVMStatus != "Done" || !got.CompletedAt.Equal(firstCompleted) {
		t.Error("Second finalize should be a no-op")
	}
}

func TestFinalizeScanWithError(t *testing.T) {
	db := newTestDB(t)

	scan := &Scan{ScanID: "scan-err", ProbeName: "gvm-1", Target: "10.0.0.9", ScanType: "full"}
	if err := db.InsertScan(scan); err != nil {
		t.Fatalf("Failed to insert scan: %v", err)
	}

	if err := db.FinalizeScan("scan-err", "New", "timeout"); err != nil {
		t.Fatalf("Failed to finalize scan: %v", err)
	}

	got, err := db.GetScan("scan-err")
	if err != nil {
		t.Fatalf("Failed to get scan: %v", err)
	}
	if !got.Completed() {
		t.Error("Expected scan to be completed")
	}
	if got.Error != "timeout" {
		t.Errorf("Expected error 'timeout', got %q", got.Error)
	}
}

func TestGetScanNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetScan("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListScansNewestFirst(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"scan-a", "scan-b", "scan-c"} {
		scan := &Scan{
			ScanID:    id,
			ProbeName: "gvm-1",
			Target:    "192.168.1.1",
			ScanType:  "full",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.InsertScan(scan); err != nil {
			t.Fatalf("Failed to insert scan: %v", err)
		}
	}

	scans, err := db.ListScans()
	if err != nil {
		t.Fatalf("Failed to list scans: %v", err)
	}
	if len(scans) != 3 {
		t.Fatalf("Expected 3 scans, got %d", len(scans))
	}
	if scans[0].ScanID != "scan-c" || scans[2].ScanID != "scan-a" {
		t.Errorf("Expected newest first, got %s..%s", scans[0].ScanID, scans[2].ScanID)
	}
}

func TestActiveScansPerProbe(t *testing.T) {
	db := newTestDB(t)

	for _, s := range []struct {
		id    string
		probe string
	}{
		{"s1", "gvm-1"},
		{"s2", "gvm-1"},
		{"s3", "gvm-2"},
	} {
		if err := db.InsertScan(&Scan{ScanID: s.id, ProbeName: s.probe, Target: "h", ScanType: "full"}); err != nil {
			t.Fatalf("Failed to insert scan: %v", err)
		}
	}

	if err := db.FinalizeScan("s2", "Done", ""); err != nil {
		t.Fatalf("Failed to finalize scan: %v", err)
	}

	counts, err := db.ActiveScansPerProbe()
	if err != nil {
		t.Fatalf("Failed to count active scans: %v", err)
	}
	if counts["gvm-1"] != 1 || counts["gvm-2"] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}

	total, err := db.CountActiveScans()
	if err != nil {
		t.Fatalf("Failed to count active scans: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected 2 active scans, got %d", total)
	}
}

func TestTerminalScanCounts(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []string{"ok-1", "ok-2", "bad-1", "running"} {
		if err := db.InsertScan(&Scan{ScanID: id, ProbeName: "gvm-1", Target: "h", ScanType: "full"}); err != nil {
			t.Fatalf("Failed to insert scan: %v", err)
		}
	}
	if err := db.FinalizeScan("ok-1", "Done", ""); err != nil {
		t.Fatalf("Failed to finalize scan: %v", err)
	}
	if err := db.FinalizeScan("ok-2", "Done", ""); err != nil {
		t.Fatalf("Failed to finalize scan: %v", err)
	}
	if err := db.FinalizeScan("bad-1", "Failed", "engine timeout"); err != nil {
		t.Fatalf("Failed to finalize scan: %v", err)
	}

	completed, err := db.CountCompletedScans()
	if err != nil {
		t.Fatalf("Failed to count completed scans: %v", err)
	}
	if completed != 2 {
		t.Errorf("Expected 2 completed scans, got %d", completed)
	}

	failed, err := db.CountFailedScans()
	if err != nil {
		t.Fatalf("Failed to count failed scans: %v", err)
	}
	if failed != 1 {
		t.Errorf("Expected 1 failed scan, got %d", failed)
	}
}

func TestActiveScansForRecovery(t *testing.T) {
	db := newTestDB(t)

	if err := db.InsertScan(&Scan{ScanID: "live", ProbeName: "gvm-1", Target: "h", ScanType: "full"}); err != nil {
		t.Fatalf("Failed to insert scan: %v", err)
	}
	if err := db.InsertScan(&Scan{ScanID: "dead", ProbeName: "gvm-1", Target: "h", ScanType: "full"}); err != nil {
		t.Fatalf("Failed to insert scan: %v", err)
	}
	if err := db.FinalizeScan("dead", "Stopped", ""); err != nil {
		t.Fatalf("Failed to finalize scan: %v", err)
	}

	active, err := db.ActiveScans()
	if err != nil {
		t.Fatalf("Failed to query active scans: %v", err)
	}
	if len(active) != 1 || active[0].ScanID != "live" {
		t.Errorf("Expected only the live scan, got %+v", active)
	}
}
