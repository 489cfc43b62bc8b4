// Package scanning owns the scan lifecycle: submission, the per-scan worker
// that drives a remote engine from resource creation to terminal state,
// restart recovery, and the completion callback. The Store is authoritative
// throughout; a scan row is written only by its owning worker.
package scanning

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/gvm"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/metrics"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/probes"
)

// Scan types accepted on submission.
const (
	ScanTypeFull     = "full"
	ScanTypeDirected = "directed"
)

// Engine statuses the lifecycle branches on. Anything else the engine
// reports is recorded verbatim and polling continues.
const (
	StatusNew         = "New"
	StatusDone        = "Done"
	StatusStopped     = "Stopped"
	StatusInterrupted = "Interrupted"
)

// terminal reports whether the engine can make no further progress.
func terminal(status string) bool {
	switch status {
	case StatusDone, StatusStopped, StatusInterrupted:
		return true
	}
	return false
}

// Engine is the per-probe command set a scan worker drives. *gvm.Client
// implements it; tests substitute a scripted fake.
type Engine interface {
	CreatePortList(ctx context.Context, name string, ports []int) (string, error)
	FindPortListID(ctx context.Context, name string) (string, error)
	CreateTarget(ctx context.Context, name, host, portListID string) (string, error)
	CreateTask(ctx context.Context, name, targetID, configName, scannerName string) (string, error)
	StartTask(ctx context.Context, taskID string) (string, error)
	StopTask(ctx context.Context, taskID string) error
	GetTask(ctx context.Context, taskID string) (string, int, error)
	GetReport(ctx context.Context, reportID string) (string, error)
	DeleteTask(ctx context.Context, taskID string) error
	DeleteTarget(ctx context.Context, targetID string) error
	DeletePortList(ctx context.Context, portListID string) error
}

var _ Engine = (*gvm.Client)(nil)

// EngineResolver maps a probe name to its engine client. The probe pool
// provides this in production.
type EngineResolver func(name string) (Engine, bool)

// ProbeSelector picks the probe a new scan lands on.
type ProbeSelector interface {
	Pick(requested string, active map[string]int) (string, error)
}

var _ ProbeSelector = (*probes.Selector)(nil)

// Request is one scan submission.
type Request struct {
	Target           string
	ScanType         string
	Ports            []int
	ProbeName        string
	ExternalTargetID string
}

// Receipt identifies an accepted scan.
type Receipt struct {
	ScanID    string
	ProbeName string
}

// Config tunes the manager. Zero values fall back to production defaults.
type Config struct {
	PollInterval       time.Duration
	MaxDuration        time.Duration
	CleanupAfterReport bool
	GVMScanConfig      string
	GVMScanner         string
	DefaultPortList    string

	CallbackURL       string
	CallbackAuthToken string
	CallbackTimeout   time.Duration
}

// Manager owns every scan worker in this process.
type Manager struct {
	db       *database.DB
	selector ProbeSelector
	resolve  EngineResolver
	metrics  *metrics.Registry
	cfg      Config

	httpClient *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a manager. db, selector and resolve must be non-nil.
// registry may be nil; metrics calls become no-ops.
func NewManager(db *database.DB, selector ProbeSelector, resolve EngineResolver, registry *metrics.Registry, cfg Config) *Manager {
	if db == nil {
		panic("scanning: database is nil")
	}
	if selector == nil {
		panic("scanning: selector is nil")
	}
	if resolve == nil {
		panic("scanning: engine resolver is nil")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 24 * time.Hour
	}
	if cfg.GVMScanConfig == "" {
		cfg.GVMScanConfig = "Full and fast"
	}
	if cfg.GVMScanner == "" {
		cfg.GVMScanner = "OpenVAS Default"
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		db:         db,
		selector:   selector,
		resolve:    resolve,
		metrics:    registry,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.CallbackTimeout},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit validates, persists and launches one scan. It returns once the
// scan row exists; the worker runs in the background.
func (m *Manager) Submit(ctx context.Context, req Request) (*Receipt, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	active, err := m.db.ActiveScansPerProbe()
	if err != nil {
		return nil, fmt.Errorf("failed to read probe load: %w", err)
	}
	probe, err := m.selector.Pick(req.ProbeName, active)
	if err != nil {
		return nil, err
	}

	scan := &database.Scan{
		ScanID:           uuid.NewString(),
		ProbeName:        probe,
		Target:           req.Target,
		ScanType:         req.ScanType,
		Ports:            req.Ports,
		ExternalTargetID: req.ExternalTargetID,
		GVMStatus:        StatusNew,
	}
	if err := m.db.InsertScan(scan); err != nil {
		return nil, fmt.Errorf("failed to persist scan: %w", err)
	}

	m.metrics.RecordScanSubmitted(req.ScanType)
	m.metrics.RecordProbeRouted(probe)

	log.Info().
		Str("scan_id", scan.ScanID).
		Str("probe", probe).
		Str("target", req.Target).
		Str("scan_type", req.ScanType).
		Msg("Scan submitted")

	m.startWorker(scan)
	return &Receipt{ScanID: scan.ScanID, ProbeName: probe}, nil
}

// Recover re-adopts every scan left incomplete by a previous process. Each
// worker resumes from the stored engine ids, skipping stages that already
// ran. Call once, before the API starts accepting submissions.
func (m *Manager) Recover(ctx context.Context) error {
	scans, err := m.db.ActiveScans()
	if err != nil {
		return fmt.Errorf("failed to list incomplete scans: %w", err)
	}

	for _, scan := range scans {
		log.Info().
			Str("scan_id", scan.ScanID).
			Str("probe", scan.ProbeName).
			Str("gvm_status", scan.GVMStatus).
			Msg("Re-adopting incomplete scan")
		m.startWorker(scan)
	}
	if len(scans) > 0 {
		log.Info().Int("count", len(scans)).Msg("Restart recovery complete")
	}
	return nil
}

// Shutdown stops all workers and waits for them to persist their last
// state. Incomplete scans stay incomplete and are re-adopted on next start.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) startWorker(scan *database.Scan) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runScan(m.ctx, scan)
	}()
}
