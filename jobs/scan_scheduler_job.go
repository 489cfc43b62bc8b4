package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/scanning"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/scheduler"
)

// SchedulerStore is the slice of the database the scheduler job reads due
// targets from and advances schedules on.
type SchedulerStore interface {
	DueTargets(now time.Time) ([]*database.Target, error)
	MarkTargetScanned(externalID, scanID string, frequencyHours int) error
}

var _ SchedulerStore = (*database.DB)(nil)

// ScanSubmitter accepts scan requests. Satisfied by the scan manager.
type ScanSubmitter interface {
	Submit(ctx context.Context, req scanning.Request) (*scanning.Receipt, error)
}

var _ ScanSubmitter = (*scanning.Manager)(nil)

// ScanSchedulerJob submits a scan for every enabled target whose next scan
// time has arrived. Targets come back ordered by criticality weight, so when
// probes are saturated the most critical assets get scanned first. A target
// whose submission fails keeps its next_scan_at and is retried next tick.
type ScanSchedulerJob struct {
	store     SchedulerStore
	submitter ScanSubmitter
}

func NewScanSchedulerJob(store SchedulerStore, submitter ScanSubmitter) *ScanSchedulerJob {
	if store == nil {
		panic("jobs: scheduler store is nil")
	}
	if submitter == nil {
		panic("jobs: scan submitter is nil")
	}
	return &ScanSchedulerJob{store: store, submitter: submitter}
}

// Name implements scheduler.Job.
func (j *ScanSchedulerJob) Name() string {
	return "scan-scheduler"
}

// Run performs one scheduling pass.
func (j *ScanSchedulerJob) Run(ctx context.Context) error {
	due, err := j.store.DueTargets(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to query due targets: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	submitted := 0
	for _, target := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		receipt, err := j.submitter.Submit(ctx, scanning.Request{
			Target:           target.Host,
			ScanType:         target.ScanType,
			Ports:            target.Ports,
			ExternalTargetID: target.ExternalID,
		})
		if err != nil {
			// next_scan_at stays put, so the target is retried next tick.
			log.Warn().Err(err).
				Str("target", target.ExternalID).
				Str("host", target.Host).
				Msg("Failed to submit scheduled scan")
			continue
		}

		if err := j.store.MarkTargetScanned(target.ExternalID, receipt.ScanID, target.ScanFrequencyHours); err != nil {
			log.Error().Err(err).
				Str("target", target.ExternalID).
				Str("scan_id", receipt.ScanID).
				Msg("Failed to advance target schedule")
			continue
		}

		submitted++
		log.Info().
			Str("target", target.ExternalID).
			Str("scan_id", receipt.ScanID).
			Str("probe", receipt.ProbeName).
			Msg("Scheduled scan submitted")
	}

	log.Info().Int("due", len(due)).Int("submitted", submitted).Msg("Scheduling pass complete")
	return nil
}

var _ scheduler.Job = (*ScanSchedulerJob)(nil)
