package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/probes"
)

// ProbeInfo is the static identity of one configured probe. Built from
// config at startup; only the active-scan count is live.
type ProbeInfo struct {
	Name string
	Host string
	Port int
}

// ActiveCounter reports in-flight scans per probe.
type ActiveCounter interface {
	ActiveScansPerProbe() (map[string]int, error)
}

var _ ActiveCounter = (*database.DB)(nil)

type probeEntry struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	ActiveScans int    `json:"active_scans"`
}

// ProbesHandler handles GET /probes.
func ProbesHandler(infos []ProbeInfo, counter ActiveCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := counter.ActiveScansPerProbe()
		if err != nil {
			log.Error().Err(err).Msg("Failed to count active scans")
			writeDetail(w, http.StatusInternalServerError, "Failed to count active scans")
			return
		}

		entries := make([]probeEntry, 0, len(infos))
		for _, p := range infos {
			entries = append(entries, probeEntry{
				Name:        p.Name,
				Host:        p.Host,
				Port:        p.Port,
				ActiveScans: active[p.Name],
			})
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"probes": entries})
	}
}

// Pinger checks engine connectivity for every probe. The probe pool
// implements it with a concurrent fan-out.
type Pinger interface {
	Ping(ctx context.Context) map[string]error
}

var _ Pinger = (*probes.Pool)(nil)

// HealthHandler handles GET /health: 200 when every engine answers, 503
// with a per-probe detail map otherwise. The only route that talks to the
// engines at request time.
func HealthHandler(pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		results := pinger.Ping(ctx)

		statuses := make(map[string]string, len(results))
		healthy := true
		for name, err := range results {
			if err != nil {
				healthy = false
				statuses[name] = err.Error()
			} else {
				statuses[name] = "connected"
			}
		}

		if healthy {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": "healthy",
				"probes": statuses,
			})
			return
		}

		writeDetail(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"probes": statuses,
		})
	}
}

// RegisterProbeHandlers mounts /probes and /health on the mux.
func RegisterProbeHandlers(mux *http.ServeMux, infos []ProbeInfo, counter ActiveCounter, pinger Pinger) {
	mux.HandleFunc("GET /probes", ProbesHandler(infos, counter))
	mux.HandleFunc("GET /health", HealthHandler(pinger))
}
