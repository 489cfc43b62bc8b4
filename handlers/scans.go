package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/probes"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/scanning"
)

// ScanSubmitter accepts new scans. Implemented by the scan manager.
type ScanSubmitter interface {
	Submit(ctx context.Context, req scanning.Request) (*scanning.Receipt, error)
}

// ScanStore is the read side of the scans table.
type ScanStore interface {
	GetScan(scanID string) (*database.Scan, error)
	ListScans() ([]*database.Scan, error)
}

var _ ScanStore = (*database.DB)(nil)

type scanRequest struct {
	Target    string `json:"target"`
	ScanType  string `json:"scan_type"`
	Ports     []int  `json:"ports"`
	ProbeName string `json:"probe_name"`
}

// SubmitScanHandler handles POST /scans. Validation failures and unknown
// probes come back as 422 with a detail message; the scan itself runs in
// the background.
func SubmitScanHandler(manager ScanSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body scanRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "Invalid JSON body")
			return
		}

		receipt, err := manager.Submit(r.Context(), scanning.Request{
			Target:    body.Target,
			ScanType:  body.ScanType,
			Ports:     body.Ports,
			ProbeName: body.ProbeName,
		})
		if err != nil {
			var verr *scanning.ValidationError
			switch {
			case errors.As(err, &verr):
				writeDetail(w, http.StatusUnprocessableEntity, verr.Error())
			case errors.Is(err, probes.ErrProbeNotFound), errors.Is(err, probes.ErrNoProbes):
				writeDetail(w, http.StatusUnprocessableEntity, err.Error())
			default:
				log.Error().Err(err).Msg("Scan submission failed")
				writeDetail(w, http.StatusInternalServerError, "Failed to submit scan")
			}
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"scan_id":    receipt.ScanID,
			"probe_name": receipt.ProbeName,
			"message":    "Scan submitted",
		})
	}
}

type scanListEntry struct {
	ScanID      string    `json:"scan_id"`
	ProbeName   string    `json:"probe_name"`
	Target      string    `json:"target"`
	ScanType    string    `json:"scan_type"`
	GVMStatus   string    `json:"gvm_status"`
	GVMProgress int       `json:"gvm_progress"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListScansHandler handles GET /scans, newest first.
func ListScansHandler(store ScanStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scans, err := store.ListScans()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list scans")
			writeDetail(w, http.StatusInternalServerError, "Failed to list scans")
			return
		}

		entries := make([]scanListEntry, 0, len(scans))
		for _, s := range scans {
			entries = append(entries, scanListEntry{
				ScanID:      s.ScanID,
				ProbeName:   s.ProbeName,
				Target:      s.Target,
				ScanType:    s.ScanType,
				GVMStatus:   s.GVMStatus,
				GVMProgress: s.GVMProgress,
				CreatedAt:   s.CreatedAt,
			})
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total": len(entries),
			"scans": entries,
		})
	}
}

type scanStatusResponse struct {
	ScanID           string     `json:"scan_id"`
	ProbeName        string     `json:"probe_name"`
	GVMStatus        string     `json:"gvm_status"`
	GVMProgress      int        `json:"gvm_progress"`
	Target           string     `json:"target"`
	ScanType         string     `json:"scan_type"`
	Ports            []int      `json:"ports,omitempty"`
	ExternalTargetID string     `json:"external_target_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	Error            *string    `json:"error"`
}

// ScanStatusHandler handles GET /scans/{id}. Status and progress are the
// last values observed from the engine, never synthesized.
func ScanStatusHandler(store ScanStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scan, ok := loadScan(w, store, r.PathValue("id"))
		if !ok {
			return
		}

		writeJSON(w, http.StatusOK, scanStatusResponse{
			ScanID:           scan.ScanID,
			ProbeName:        scan.ProbeName,
			GVMStatus:        scan.GVMStatus,
			GVMProgress:      scan.GVMProgress,
			Target:           scan.Target,
			ScanType:         scan.ScanType,
			Ports:            scan.Ports,
			ExternalTargetID: scan.ExternalTargetID,
			CreatedAt:        scan.CreatedAt,
			StartedAt:        scan.StartedAt,
			CompletedAt:      scan.CompletedAt,
			Error:            nullableString(scan.Error),
		})
	}
}

type scanReportResponse struct {
	ScanID      string          `json:"scan_id"`
	ProbeName   string          `json:"probe_name"`
	GVMStatus   string          `json:"gvm_status"`
	Target      string          `json:"target"`
	CompletedAt *time.Time      `json:"completed_at"`
	ReportXML   string          `json:"report_xml"`
	Summary     json.RawMessage `json:"summary"`
	Error       *string         `json:"error"`
}

// ScanReportHandler handles GET /scans/{id}/report. The report exists only
// once the engine finished the task, so anything earlier is a 409.
func ScanReportHandler(store ScanStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scan, ok := loadScan(w, store, r.PathValue("id"))
		if !ok {
			return
		}

		if scan.ReportXML == "" {
			writeDetail(w, http.StatusConflict,
				fmt.Sprintf("Report not available yet. Current status: %s", scan.GVMStatus))
			return
		}

		writeJSON(w, http.StatusOK, scanReportResponse{
			ScanID:      scan.ScanID,
			ProbeName:   scan.ProbeName,
			GVMStatus:   scan.GVMStatus,
			Target:      scan.Target,
			CompletedAt: scan.CompletedAt,
			ReportXML:   scan.ReportXML,
			Summary:     scan.Summary,
			Error:       nullableString(scan.Error),
		})
	}
}

// loadScan fetches a scan and writes the 404/500 responses itself. The
// second return value reports whether the caller may proceed.
func loadScan(w http.ResponseWriter, store ScanStore, scanID string) (*database.Scan, bool) {
	scan, err := store.GetScan(scanID)
	if errors.Is(err, database.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Scan not found")
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("scan_id", scanID).Msg("Failed to load scan")
		writeDetail(w, http.StatusInternalServerError, "Failed to load scan")
		return nil, false
	}
	return scan, true
}

// RegisterScanHandlers mounts the scan routes on the mux.
func RegisterScanHandlers(mux *http.ServeMux, manager ScanSubmitter, store ScanStore) {
	mux.HandleFunc("POST /scans", SubmitScanHandler(manager))
	mux.HandleFunc("GET /scans", ListScansHandler(store))
	mux.HandleFunc("GET /scans/{id}", ScanStatusHandler(store))
	mux.HandleFunc("GET /scans/{id}/report", ScanReportHandler(store))
}
