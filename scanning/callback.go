package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
)

// callbackRetryDelay separates the two delivery attempts. Variable so tests
// can shrink it.
var callbackRetryDelay = 2 * time.Second

// callbackPayload is the fixed document POSTed upstream when a
// scheduler-originated scan reaches a terminal state.
type callbackPayload struct {
	ExternalTargetID string          `json:"external_target_id"`
	ScanID           string          `json:"scan_id"`
	ProbeName        string          `json:"probe_name"`
	Host             string          `json:"host"`
	GVMStatus        string          `json:"gvm_status"`
	CompletedAt      string          `json:"completed_at"`
	Summary          json.RawMessage `json:"summary"`
	DurationSeconds  float64         `json:"duration_seconds"`
}

// notify reports a terminal scan upstream. Only scans the scheduler
// originated carry an external target id; everything else is silent. Two
// attempts, then the failure is logged and dropped; delivery must never
// block completion.
func (m *Manager) notify(scan *database.Scan) {
	if m.cfg.CallbackURL == "" || scan.ExternalTargetID == "" {
		return
	}

	completedAt := time.Now().UTC()
	if scan.CompletedAt != nil {
		completedAt = *scan.CompletedAt
	}
	started := scan.CreatedAt
	if scan.StartedAt != nil {
		started = *scan.StartedAt
	}

	summary := scan.Summary
	if len(summary) == 0 {
		summary = json.RawMessage("null")
	}

	payload := callbackPayload{
		ExternalTargetID: scan.ExternalTargetID,
		ScanID:           scan.ScanID,
		ProbeName:        scan.ProbeName,
		Host:             scan.Target,
		GVMStatus:        scan.GVMStatus,
		CompletedAt:      completedAt.Format(time.RFC3339),
		Summary:          summary,
		DurationSeconds:  completedAt.Sub(started).Seconds(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("scan_id", scan.ScanID).Msg("Failed to encode callback payload")
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if err = m.postCallback(body); err == nil {
			log.Info().Str("scan_id", scan.ScanID).Msg("Callback delivered")
			return
		}
		log.Warn().Err(err).Str("scan_id", scan.ScanID).Int("attempt", attempt).
			Msg("Callback delivery failed")
		if attempt == 1 {
			time.Sleep(callbackRetryDelay)
		}
	}
}

func (m *Manager) postCallback(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, m.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.CallbackAuthToken != "" {
		req.Header.Set("Authorization", m.cfg.CallbackAuthToken)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
