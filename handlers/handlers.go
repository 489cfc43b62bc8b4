// Package handlers exposes the HTTP API: scan submission and inspection,
// probe and target listings, health, and the optional debug surface. Every
// handler is a constructor over a narrow provider interface so tests can
// substitute stubs.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// writeJSON encodes v with the JSON content type. Encoding failures are
// logged; the status line is already gone at that point.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeDetail sends the error shape used across the API: {"detail": ...}.
func writeDetail(w http.ResponseWriter, status int, detail interface{}) {
	writeJSON(w, status, map[string]interface{}{"detail": detail})
}

// nullableString maps "" to JSON null.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
