package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/gvm"
)

// maxPollFailures bounds consecutive transient poll errors before a scan is
// declared failed. Every attempt already carries the client's own retries,
// so this budget is on top of those.
const maxPollFailures = 5

// runScan drives one scan from wherever it currently is to a terminal
// state. It is the only writer of this scan row.
func (m *Manager) runScan(ctx context.Context, scan *database.Scan) {
	logger := log.With().Str("scan_id", scan.ScanID).Str("probe", scan.ProbeName).Logger()

	engine, ok := m.resolve(scan.ProbeName)
	if !ok {
		logger.Error().Msg("Probe missing from configuration, failing scan")
		m.failScan(scan, fmt.Sprintf("probe %q is not configured", scan.ProbeName))
		return
	}

	if err := m.prepare(ctx, engine, scan); err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("Shutdown during scan setup, leaving scan for recovery")
			return
		}
		logger.Error().Err(err).Msg("Scan setup failed")
		m.metrics.RecordEngineError(scan.ProbeName)
		m.failScan(scan, err.Error())
		return
	}

	m.poll(ctx, engine, scan, logger)
}

// prepare walks the engine resource stages, skipping any stage whose id is
// already on the scan row. Resources are named after the scan id, so a
// crash between the engine call and the row update heals through the
// client's find-before-create.
func (m *Manager) prepare(ctx context.Context, engine Engine, scan *database.Scan) error {
	var portListID string
	switch {
	case scan.ScanType == ScanTypeDirected:
		portListID = scan.GVMPortListID
		if portListID == "" {
			id, err := engine.CreatePortList(ctx, fmt.Sprintf("scan-%s-ports", scan.ScanID), scan.Ports)
			if err != nil {
				return fmt.Errorf("failed to create port list: %w", err)
			}
			if err := m.db.SetScanPortListID(scan.ScanID, id); err != nil {
				return err
			}
			scan.GVMPortListID = id
			portListID = id
		}
	case m.cfg.DefaultPortList != "":
		// Full scans use the shared engine port list; its id is looked up,
		// never stored, so cleanup cannot delete it.
		id, err := engine.FindPortListID(ctx, m.cfg.DefaultPortList)
		if err != nil {
			return fmt.Errorf("failed to resolve default port list %q: %w", m.cfg.DefaultPortList, err)
		}
		portListID = id
	}

	if scan.GVMTargetID == "" {
		id, err := engine.CreateTarget(ctx, "scan-"+scan.ScanID, scan.Target, portListID)
		if err != nil {
			return fmt.Errorf("failed to create target: %w", err)
		}
		if err := m.db.SetScanTargetID(scan.ScanID, id); err != nil {
			return err
		}
		scan.GVMTargetID = id
	}

	if scan.GVMTaskID == "" {
		id, err := engine.CreateTask(ctx, "scan-"+scan.ScanID, scan.GVMTargetID, m.cfg.GVMScanConfig, m.cfg.GVMScanner)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		if err := m.db.SetScanTaskID(scan.ScanID, id); err != nil {
			return err
		}
		scan.GVMTaskID = id
	}

	if scan.GVMReportID == "" {
		reportID, err := engine.StartTask(ctx, scan.GVMTaskID)
		if err != nil {
			return fmt.Errorf("failed to start task: %w", err)
		}
		if err := m.db.MarkScanStarted(scan.ScanID, reportID); err != nil {
			return err
		}
		scan.GVMReportID = reportID
		now := time.Now().UTC()
		scan.StartedAt = &now
	}

	return nil
}

// poll asks the engine for task status until a terminal state, the
// max-duration deadline, or shutdown. Polls immediately so a scan that
// finished while the process was down completes on the first pass.
func (m *Manager) poll(ctx context.Context, engine Engine, scan *database.Scan, logger zerolog.Logger) {
	started := scan.CreatedAt
	if scan.StartedAt != nil {
		started = *scan.StartedAt
	}
	deadline := started.Add(m.cfg.MaxDuration)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		if time.Now().After(deadline) {
			logger.Warn().Dur("max_duration", m.cfg.MaxDuration).Msg("Scan exceeded max duration, stopping task")
			if err := engine.StopTask(ctx, scan.GVMTaskID); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop timed-out task")
			}
			m.failScan(scan, fmt.Sprintf("timeout: scan exceeded max duration %s", m.cfg.MaxDuration))
			return
		}

		status, progress, err := engine.GetTask(ctx, scan.GVMTaskID)
		switch {
		case err != nil && ctx.Err() != nil:
			logger.Info().Msg("Shutdown, leaving scan for recovery")
			return
		case err != nil:
			m.metrics.RecordEngineError(scan.ProbeName)
			if errors.Is(err, gvm.ErrAuthFailed) || errors.Is(err, gvm.ErrEngineProtocol) {
				logger.Error().Err(err).Msg("Engine rejected status poll, failing scan")
				m.failScan(scan, fmt.Sprintf("engine poll failed: %v", err))
				return
			}
			failures++
			logger.Warn().Err(err).Int("failures", failures).Msg("Status poll failed")
			if failures >= maxPollFailures {
				m.failScan(scan, fmt.Sprintf("engine unreachable after %d polls: %v", failures, err))
				return
			}
		default:
			failures = 0
			if status != scan.GVMStatus || progress != scan.GVMProgress {
				if err := m.db.UpdateScanStatus(scan.ScanID, status, progress); err != nil {
					logger.Error().Err(err).Msg("Failed to persist scan status")
				}
				scan.GVMStatus = status
				scan.GVMProgress = progress
				logger.Debug().Str("gvm_status", status).Int("progress", progress).Msg("Scan progress")
			}
			if terminal(status) {
				m.finish(ctx, engine, scan, logger)
				return
			}
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutdown, leaving scan for recovery")
			return
		case <-ticker.C:
		}
	}
}

// finish handles the terminal transition: report download for Done, an
// explanatory error for Stopped/Interrupted, then finalization, optional
// resource cleanup and the upstream callback.
func (m *Manager) finish(ctx context.Context, engine Engine, scan *database.Scan, logger zerolog.Logger) {
	status := scan.GVMStatus
	errMsg := ""

	if status == StatusDone {
		if err := m.downloadReport(ctx, engine, scan); err != nil {
			logger.Error().Err(err).Msg("Report download failed")
			m.metrics.RecordEngineError(scan.ProbeName)
			errMsg = fmt.Sprintf("report download failed: %v", err)
		}
	} else {
		errMsg = fmt.Sprintf("Scan ended with status: %s", status)
	}

	if err := m.db.FinalizeScan(scan.ScanID, status, errMsg); err != nil {
		logger.Error().Err(err).Msg("Failed to finalize scan")
		return
	}
	now := time.Now().UTC()
	scan.CompletedAt = &now
	scan.Error = errMsg

	m.metrics.RecordScanCompleted(status)
	m.observeDuration(scan)
	logger.Info().Str("gvm_status", status).Int("progress", scan.GVMProgress).Msg("Scan completed")

	if m.cfg.CleanupAfterReport && status == StatusDone && errMsg == "" {
		m.cleanup(ctx, engine, scan, logger)
	}

	m.notify(scan)
}

// downloadReport fetches and parses the finished report, writing it
// at-most-once. When a second writer raced (possible only around restart
// recovery) the later write is a no-op.
func (m *Manager) downloadReport(ctx context.Context, engine Engine, scan *database.Scan) error {
	if scan.GVMReportID == "" {
		return fmt.Errorf("scan has no report id")
	}

	reportXML, err := engine.GetReport(ctx, scan.GVMReportID)
	if err != nil {
		return err
	}

	summary := gvm.ParseReportSummary(reportXML)
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	stored, err := m.db.StoreReport(scan.ScanID, reportXML, summaryJSON)
	if err != nil {
		return err
	}
	if !stored {
		log.Debug().Str("scan_id", scan.ScanID).Msg("Report already stored, keeping first copy")
	}

	scan.ReportXML = reportXML
	scan.Summary = summaryJSON
	return nil
}

// cleanup deletes the engine resources this scan created. Best-effort; a
// failed delete is logged and the remaining deletes still run.
func (m *Manager) cleanup(ctx context.Context, engine Engine, scan *database.Scan, logger zerolog.Logger) {
	if scan.GVMTaskID != "" {
		if err := engine.DeleteTask(ctx, scan.GVMTaskID); err != nil {
			logger.Warn().Err(err).Str("task_id", scan.GVMTaskID).Msg("Failed to delete engine task")
		}
	}
	if scan.GVMTargetID != "" {
		if err := engine.DeleteTarget(ctx, scan.GVMTargetID); err != nil {
			logger.Warn().Err(err).Str("target_id", scan.GVMTargetID).Msg("Failed to delete engine target")
		}
	}
	if scan.GVMPortListID != "" {
		if err := engine.DeletePortList(ctx, scan.GVMPortListID); err != nil {
			logger.Warn().Err(err).Str("port_list_id", scan.GVMPortListID).Msg("Failed to delete engine port list")
		}
	}
}

// failScan finalizes a scan with an error, keeping the last engine status
// seen. The finalize guard makes this a no-op if the scan already ended.
func (m *Manager) failScan(scan *database.Scan, msg string) {
	if err := m.db.FinalizeScan(scan.ScanID, scan.GVMStatus, msg); err != nil {
		log.Error().Err(err).Str("scan_id", scan.ScanID).Msg("Failed to finalize scan")
		return
	}
	now := time.Now().UTC()
	scan.CompletedAt = &now
	scan.Error = msg

	m.metrics.RecordScanFailed()
	m.observeDuration(scan)
	m.notify(scan)
}

func (m *Manager) observeDuration(scan *database.Scan) {
	m.metrics.ObserveScanDuration(time.Since(scan.CreatedAt).Seconds())
}
