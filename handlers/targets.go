package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
)

// TargetReader is the read side of the targets table.
type TargetReader interface {
	ListTargets() ([]*database.Target, error)
	GetTarget(externalID string) (*database.Target, error)
}

var _ TargetReader = (*database.DB)(nil)

type targetResponse struct {
	ExternalID         string          `json:"external_id"`
	Host               string          `json:"host"`
	Ports              []int           `json:"ports,omitempty"`
	ScanType           string          `json:"scan_type"`
	Criticality        string          `json:"criticality"`
	CriticalityWeight  int             `json:"criticality_weight"`
	ScanFrequencyHours int             `json:"scan_frequency_hours"`
	Enabled            bool            `json:"enabled"`
	Tags               json.RawMessage `json:"tags,omitempty"`
	LastScanAt         *time.Time      `json:"last_scan_at"`
	NextScanAt         *time.Time      `json:"next_scan_at"`
	LastScanID         string          `json:"last_scan_id,omitempty"`
	SyncedAt           *time.Time      `json:"synced_at"`
	CreatedAt          time.Time       `json:"created_at"`
}

func targetToResponse(t *database.Target) targetResponse {
	return targetResponse{
		ExternalID:         t.ExternalID,
		Host:               t.Host,
		Ports:              t.Ports,
		ScanType:           t.ScanType,
		Criticality:        t.Criticality,
		CriticalityWeight:  t.CriticalityWeight,
		ScanFrequencyHours: t.ScanFrequencyHours,
		Enabled:            t.Enabled,
		Tags:               t.Tags,
		LastScanAt:         t.LastScanAt,
		NextScanAt:         t.NextScanAt,
		LastScanID:         t.LastScanID,
		SyncedAt:           t.SyncedAt,
		CreatedAt:          t.CreatedAt,
	}
}

// ListTargetsHandler handles GET /targets. Disabled targets are included;
// the enabled flag tells them apart.
func ListTargetsHandler(reader TargetReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets, err := reader.ListTargets()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list targets")
			writeDetail(w, http.StatusInternalServerError, "Failed to list targets")
			return
		}

		entries := make([]targetResponse, 0, len(targets))
		for _, t := range targets {
			entries = append(entries, targetToResponse(t))
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total":   len(entries),
			"targets": entries,
		})
	}
}

// TargetDetailHandler handles GET /targets/{external_id}.
func TargetDetailHandler(reader TargetReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		externalID := r.PathValue("external_id")

		target, err := reader.GetTarget(externalID)
		if errors.Is(err, database.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Target not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("target", externalID).Msg("Failed to load target")
			writeDetail(w, http.StatusInternalServerError, "Failed to load target")
			return
		}

		writeJSON(w, http.StatusOK, targetToResponse(target))
	}
}

// RegisterTargetHandlers mounts the target routes on the mux.
func RegisterTargetHandlers(mux *http.ServeMux, reader TargetReader) {
	mux.HandleFunc("GET /targets", ListTargetsHandler(reader))
	mux.HandleFunc("GET /targets/{external_id}", TargetDetailHandler(reader))
}
