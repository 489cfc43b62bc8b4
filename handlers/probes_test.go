package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubCounter struct {
	counts map[string]int
	err    error
}

func (s *stubCounter) ActiveScansPerProbe() (map[string]int, error) {
	return s.counts, s.err
}

type stubPinger struct {
	results map[string]error
}

func (s *stubPinger) Ping(ctx context.Context) map[string]error {
	return s.results
}

func TestProbesHandler(t *testing.T) {
	infos := []ProbeInfo{
		{Name: "gvm-1", Host: "10.1.0.1", Port: 9390},
		{Name: "gvm-2", Host: "10.1.0.2", Port: 9390},
	}
	counter := &stubCounter{counts: map[string]int{"gvm-1": 3}}

	rec := httptest.NewRecorder()
	ProbesHandler(infos, counter).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probes", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	probes := body["probes"].([]interface{})
	if len(probes) != 2 {
		t.Fatalf("expected 2 probes, got %d", len(probes))
	}

	first := probes[0].(map[string]interface{})
	if first["name"] != "gvm-1" || first["host"] != "10.1.0.1" || first["port"] != float64(9390) {
		t.Errorf("unexpected probe entry %v", first)
	}
	if first["active_scans"] != float64(3) {
		t.Errorf("expected 3 active scans, got %v", first["active_scans"])
	}

	// Probes with no active scans report zero, not absence.
	second := probes[1].(map[string]interface{})
	if second["active_scans"] != float64(0) {
		t.Errorf("expected 0 active scans, got %v", second["active_scans"])
	}
}

func TestProbesHandlerStoreError(t *testing.T) {
	counter := &stubCounter{err: errors.New("disk full")}

	rec := httptest.NewRecorder()
	ProbesHandler(nil, counter).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probes", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHealthHandlerHealthy(t *testing.T) {
	pinger := &stubPinger{results: map[string]error{"gvm-1": nil, "gvm-2": nil}}

	rec := httptest.NewRecorder()
	HealthHandler(pinger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("unexpected status %v", body["status"])
	}
	probes := body["probes"].(map[string]interface{})
	if probes["gvm-1"] != "connected" || probes["gvm-2"] != "connected" {
		t.Errorf("unexpected probe map %v", probes)
	}
}

func TestHealthHandlerDegraded(t *testing.T) {
	pinger := &stubPinger{results: map[string]error{
		"gvm-1": nil,
		"gvm-2": errors.New("connection refused"),
	}}

	rec := httptest.NewRecorder()
	HealthHandler(pinger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	detail := body["detail"].(map[string]interface{})
	if detail["status"] != "degraded" {
		t.Errorf("unexpected status %v", detail["status"])
	}
	probes := detail["probes"].(map[string]interface{})
	if probes["gvm-1"] != "connected" {
		t.Errorf("healthy probe should stay connected, got %v", probes["gvm-1"])
	}
	if probes["gvm-2"] != "connection refused" {
		t.Errorf("expected failure detail, got %v", probes["gvm-2"])
	}
}

func TestHealthHandlerNoProbes(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(&stubPinger{results: map[string]error{}}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// A control plane with zero probes still answers health checks.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with no probes, got %d", rec.Code)
	}
}
