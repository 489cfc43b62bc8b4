package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/scanning"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []scanning.Request
	err  error
	n    int
}

func (f *fakeSubmitter) Submit(ctx context.Context, req scanning.Request) (*scanning.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	f.reqs = append(f.reqs, req)
	return &scanning.Receipt{ScanID: fmt.Sprintf("scan-%d", f.n), ProbeName: "gvm-1"}, nil
}

func (f *fakeSubmitter) requests() []scanning.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scanning.Request(nil), f.reqs...)
}

func seedTargets(t *testing.T, db *database.DB, targets ...*database.Target) {
	t.Helper()
	if err := db.SyncTargets(targets); err != nil {
		t.Fatalf("failed to seed targets: %v", err)
	}
}

func TestSchedulerSubmitsDueByCriticality(t *testing.T) {
	db := newTestDB(t)
	seedTargets(t, db,
		&database.Target{ExternalID: "t-low", Host: "10.0.0.1", Criticality: "low", Enabled: true},
		&database.Target{ExternalID: "t-crit", Host: "10.0.0.2", Criticality: "critical", Enabled: true,
			ScanType: "directed", Ports: []int{22, 443}, ScanFrequencyHours: 24},
		&database.Target{ExternalID: "t-high", Host: "10.0.0.3", Criticality: "high", Enabled: true},
	)

	sub := &fakeSubmitter{}
	job := NewScanSchedulerJob(db, sub)
	if job.Name() != "scan-scheduler" {
		t.Fatalf("unexpected job name %q", job.Name())
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("scheduling pass failed: %v", err)
	}

	reqs := sub.requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(reqs))
	}
	order := []string{reqs[0].ExternalTargetID, reqs[1].ExternalTargetID, reqs[2].ExternalTargetID}
	want := []string{"t-crit", "t-high", "t-low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected criticality order %v, got %v", want, order)
		}
	}

	crit := reqs[0]
	if crit.Target != "10.0.0.2" || crit.ScanType != "directed" {
		t.Errorf("unexpected request fields: %+v", crit)
	}
	if len(crit.Ports) != 2 || crit.Ports[0] != 22 {
		t.Errorf("ports not carried over: %v", crit.Ports)
	}

	// The pass advances every schedule, so nothing is due anymore.
	due, err := db.DueTargets(time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to query due targets: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due targets after pass, got %d", len(due))
	}

	stored, err := db.GetTarget("t-crit")
	if err != nil {
		t.Fatalf("failed to load target: %v", err)
	}
	if stored.LastScanID == "" || stored.LastScanAt == nil {
		t.Error("expected last scan bookkeeping to be written")
	}
}

func TestSchedulerSubmitFailureRetainsDue(t *testing.T) {
	db := newTestDB(t)
	seedTargets(t, db, &database.Target{ExternalID: "t-1", Host: "10.0.0.1", Enabled: true})

	sub := &fakeSubmitter{err: errors.New("no probes configured")}
	job := NewScanSchedulerJob(db, sub)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("submission failures must not fail the pass: %v", err)
	}

	due, err := db.DueTargets(time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("failed to query due targets: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("target should stay due after failed submission, got %d due", len(due))
	}

	stored, err := db.GetTarget("t-1")
	if err != nil {
		t.Fatalf("failed to load target: %v", err)
	}
	if stored.LastScanID != "" {
		t.Error("failed submission must not record a scan id")
	}
}

func TestSchedulerSkipsTargetWithActiveScan(t *testing.T) {
	db := newTestDB(t)
	seedTargets(t, db, &database.Target{ExternalID: "t-1", Host: "10.0.0.1", Enabled: true})

	if err := db.InsertScan(&database.Scan{
		ScanID:           "scan-live",
		ProbeName:        "gvm-1",
		Target:           "10.0.0.1",
		ScanType:         "full",
		ExternalTargetID: "t-1",
	}); err != nil {
		t.Fatalf("failed to insert active scan: %v", err)
	}

	sub := &fakeSubmitter{}
	if err := NewScanSchedulerJob(db, sub).Run(context.Background()); err != nil {
		t.Fatalf("scheduling pass failed: %v", err)
	}
	if len(sub.requests()) != 0 {
		t.Fatal("target with an in-flight scan must not be rescheduled")
	}
}

func TestSchedulerNoDueTargets(t *testing.T) {
	db := newTestDB(t)
	sub := &fakeSubmitter{}
	if err := NewScanSchedulerJob(db, sub).Run(context.Background()); err != nil {
		t.Fatalf("empty pass failed: %v", err)
	}
	if len(sub.requests()) != 0 {
		t.Fatal("nothing should be submitted with an empty table")
	}
}

func TestSchedulerStopsOnCancelledContext(t *testing.T) {
	db := newTestDB(t)
	seedTargets(t, db,
		&database.Target{ExternalID: "t-1", Host: "10.0.0.1", Enabled: true},
		&database.Target{ExternalID: "t-2", Host: "10.0.0.2", Enabled: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub := &fakeSubmitter{}
	err := NewScanSchedulerJob(db, sub).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if len(sub.requests()) != 0 {
		t.Fatal("cancelled pass must not submit")
	}
}
