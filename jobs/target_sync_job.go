// Package jobs holds the scheduled background work: upstream target
// synchronization and due-target scan dispatch. Both are wired into the
// interval scheduler only when a source URL is configured.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/metrics"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/scheduler"
)

// TargetStore is the slice of the database the sync job writes through.
type TargetStore interface {
	SyncTargets(received []*database.Target) error
}

var _ TargetStore = (*database.DB)(nil)

// SyncConfig points the sync job at the upstream inventory.
type SyncConfig struct {
	SourceURL string
	AuthToken string
	Timeout   time.Duration
}

// TargetSyncJob pulls the target inventory from the upstream source and
// reconciles the local table in one transaction. Any upstream failure
// leaves the table untouched; the system keeps operating on whatever is
// already persisted.
type TargetSyncJob struct {
	store   TargetStore
	metrics *metrics.Registry
	client  *http.Client
	cfg     SyncConfig
}

// NewTargetSyncJob wires the sync job. store must be non-nil and the
// source URL non-empty; registry may be nil.
func NewTargetSyncJob(store TargetStore, registry *metrics.Registry, cfg SyncConfig) *TargetSyncJob {
	if store == nil {
		panic("jobs: target store is nil")
	}
	if cfg.SourceURL == "" {
		panic("jobs: source URL is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &TargetSyncJob{
		store:   store,
		metrics: registry,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
	}
}

// Name implements scheduler.Job.
func (j *TargetSyncJob) Name() string {
	return "target-sync"
}

// sourceTarget is the upstream JSON shape for one target. enabled is a
// pointer so an omitted field defaults to true.
type sourceTarget struct {
	ID                 string          `json:"id"`
	Host               string          `json:"host"`
	Ports              []int           `json:"ports"`
	ScanType           string          `json:"scan_type"`
	Criticality        string          `json:"criticality"`
	ScanFrequencyHours int             `json:"scan_frequency_hours"`
	Enabled            *bool           `json:"enabled"`
	Tags               json.RawMessage `json:"tags"`
}

type sourceResponse struct {
	Targets []sourceTarget `json:"targets"`
}

// Run performs one sync iteration.
func (j *TargetSyncJob) Run(ctx context.Context) error {
	received, err := j.fetch(ctx)
	if err != nil {
		j.metrics.RecordTargetSync("error")
		return err
	}

	if err := j.store.SyncTargets(received); err != nil {
		j.metrics.RecordTargetSync("error")
		return fmt.Errorf("failed to sync targets: %w", err)
	}

	j.metrics.RecordTargetSync("success")
	log.Info().Int("targets", len(received)).Msg("Target sync complete")
	return nil
}

// fetch downloads and validates the upstream inventory. Entries missing an
// id or host are skipped individually, never the whole batch.
func (j *TargetSyncJob) fetch(ctx context.Context) ([]*database.Target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.cfg.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build source request: %w", err)
	}
	if j.cfg.AuthToken != "" {
		req.Header.Set("Authorization", j.cfg.AuthToken)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	var payload sourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode source response: %w", err)
	}

	received := make([]*database.Target, 0, len(payload.Targets))
	skipped := 0
	for _, st := range payload.Targets {
		if st.ID == "" || st.Host == "" {
			skipped++
			continue
		}
		enabled := true
		if st.Enabled != nil {
			enabled = *st.Enabled
		}
		received = append(received, &database.Target{
			ExternalID:         st.ID,
			Host:               st.Host,
			Ports:              st.Ports,
			ScanType:           st.ScanType,
			Criticality:        st.Criticality,
			ScanFrequencyHours: st.ScanFrequencyHours,
			Enabled:            enabled,
			Tags:               st.Tags,
		})
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("Upstream sent targets without id or host")
	}

	return received, nil
}

var _ scheduler.Job = (*TargetSyncJob)(nil)
