package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
)

type stubQueryProvider struct {
	result *database.QueryResult
	err    error
	called bool
}

func (s *stubQueryProvider) ExecuteReadOnlyQuery(query string) (*database.QueryResult, error) {
	s.called = true
	return s.result, s.err
}

type stubRunner struct {
	triggered []string
	err       error
}

func (s *stubRunner) RunJobNow(name string) error {
	if s.err != nil {
		return s.err
	}
	s.triggered = append(s.triggered, name)
	return nil
}

func newDebugMux(enabled bool, provider DebugQueryProvider, runner JobRunner) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterDebugHandlers(mux, enabled, provider, runner)
	return mux
}

func TestDebugQueryHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCalled bool
	}{
		{
			name:       "valid select",
			body:       `{"query": "SELECT scan_id FROM scans"}`,
			wantStatus: http.StatusOK,
			wantCalled: true,
		},
		{
			name:       "mutation rejected",
			body:       `{"query": "DELETE FROM scans"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "stacked statements rejected",
			body:       `{"query": "SELECT 1; DROP TABLE scans"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty query",
			body:       `{"query": ""}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"query": `,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &stubQueryProvider{result: &database.QueryResult{
				Columns: []string{"scan_id"},
				Rows:    []map[string]interface{}{{"scan_id": "s1"}},
			}}
			mux := newDebugMux(true, provider, &stubRunner{})

			req := httptest.NewRequest(http.MethodPost, "/api/debug/query", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if provider.called != tt.wantCalled {
				t.Errorf("provider called = %v, want %v", provider.called, tt.wantCalled)
			}
			if tt.wantStatus == http.StatusOK {
				body := decodeBody(t, rec)
				if body["row_count"] != float64(1) {
					t.Errorf("unexpected row_count %v", body["row_count"])
				}
			}
		})
	}
}

func TestRunJobHandler(t *testing.T) {
	runner := &stubRunner{}
	mux := newDebugMux(true, &stubQueryProvider{}, runner)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/target-sync/run", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "triggered" || body["job"] != "target-sync" {
		t.Errorf("unexpected body %v", body)
	}
	if len(runner.triggered) != 1 || runner.triggered[0] != "target-sync" {
		t.Errorf("runner not invoked: %v", runner.triggered)
	}
}

func TestRunJobHandlerUnknownJob(t *testing.T) {
	runner := &stubRunner{err: errors.New(`job "ghost" not found`)}
	mux := newDebugMux(true, &stubQueryProvider{}, runner)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/ghost/run", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDebugRoutesAbsentWhenDisabled(t *testing.T) {
	mux := newDebugMux(false, &stubQueryProvider{}, &stubRunner{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/debug/query",
		strings.NewReader(`{"query": "SELECT 1"}`)))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled debug routes must not exist, got %d", rec.Code)
	}
}
