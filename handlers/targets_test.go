package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
)

type stubTargetReader struct {
	targets map[string]*database.Target
	list    []*database.Target
	err     error
}

func (s *stubTargetReader) ListTargets() ([]*database.Target, error) {
	return s.list, s.err
}

func (s *stubTargetReader) GetTarget(externalID string) (*database.Target, error) {
	if s.err != nil {
		return nil, s.err
	}
	t, ok := s.targets[externalID]
	if !ok {
		return nil, fmt.Errorf("target %s: %w", externalID, database.ErrNotFound)
	}
	return t, nil
}

func newTargetMux(reader TargetReader) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterTargetHandlers(mux, reader)
	return mux
}

func TestListTargets(t *testing.T) {
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	reader := &stubTargetReader{list: []*database.Target{
		{
			ExternalID:         "web-01",
			Host:               "10.0.0.1",
			Ports:              []int{80, 443},
			ScanType:           "directed",
			Criticality:        "critical",
			CriticalityWeight:  4,
			ScanFrequencyHours: 24,
			Enabled:            true,
			Tags:               json.RawMessage(`{"env":"prod"}`),
			CreatedAt:          created,
		},
		{ExternalID: "db-01", Host: "10.0.0.2", ScanType: "full", Criticality: "medium",
			CriticalityWeight: 2, ScanFrequencyHours: 168, Enabled: false, CreatedAt: created},
	}}
	mux := newTargetMux(reader)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(2) {
		t.Errorf("expected total 2, got %v", body["total"])
	}
	targets := body["targets"].([]interface{})
	first := targets[0].(map[string]interface{})
	if first["external_id"] != "web-01" || first["criticality_weight"] != float64(4) {
		t.Errorf("unexpected entry %v", first)
	}
	tags := first["tags"].(map[string]interface{})
	if tags["env"] != "prod" {
		t.Errorf("tags not passed through: %v", first["tags"])
	}

	second := targets[1].(map[string]interface{})
	if second["enabled"] != false {
		t.Errorf("disabled target should surface enabled=false, got %v", second["enabled"])
	}
}

func TestTargetDetail(t *testing.T) {
	reader := &stubTargetReader{targets: map[string]*database.Target{
		"web-01": {ExternalID: "web-01", Host: "10.0.0.1", ScanType: "full",
			Criticality: "high", CriticalityWeight: 3, ScanFrequencyHours: 48, Enabled: true,
			CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
	}}
	mux := newTargetMux(reader)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/web-01", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["external_id"] != "web-01" || body["criticality"] != "high" {
		t.Errorf("unexpected body %v", body)
	}
	if body["last_scan_at"] != nil {
		t.Errorf("expected null last_scan_at, got %v", body["last_scan_at"])
	}
}

func TestTargetDetailNotFound(t *testing.T) {
	mux := newTargetMux(&stubTargetReader{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/ghost", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["detail"] != "Target not found" {
		t.Errorf("unexpected detail %v", body["detail"])
	}
}
