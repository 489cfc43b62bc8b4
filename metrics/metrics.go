// Package metrics exposes Prometheus metrics for the scan hub and can
// optionally push the headline numbers to an OpenTelemetry collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreProvider supplies the gauge values read from the database at scrape
// time, so the numbers stay truthful across restarts.
type StoreProvider interface {
	CountActiveScans() (int, error)
	ActiveScansPerProbe() (map[string]int, error)
	CountEnabledTargets() (int, error)
	CountCompletedScans() (int, error)
	CountFailedScans() (int, error)
}

// DurationBuckets spans one minute to one day; network scans are slow.
var DurationBuckets = []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800, 43200, 86400}

// Registry owns every scanhub metric plus the standard Go and process
// collectors. A nil *Registry is valid and records nothing, which keeps
// metrics optional in tests.
type Registry struct {
	prom *prometheus.Registry

	scansSubmitted *prometheus.CounterVec
	scansCompleted *prometheus.CounterVec
	scansFailed    prometheus.Counter
	probeRouted    *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	engineErrors   *prometheus.CounterVec
	syncRuns       *prometheus.CounterVec
}

// NewRegistry builds the registry. store may be nil, in which case the
// database-backed gauges are absent.
func NewRegistry(store StoreProvider, instanceUUID, version string) *Registry {
	prom := prometheus.NewRegistry()

	r := &Registry{
		prom: prom,
		scansSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_scans_submitted_total",
			Help: "Scans accepted for execution.",
		}, []string{"scan_type"}),
		scansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_scans_completed_total",
			Help: "Scans that reached a terminal engine status.",
		}, []string{"gvm_status"}),
		scansFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanhub_scans_failed_total",
			Help: "Scans that failed before reaching a terminal engine status.",
		}),
		probeRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_probe_scans_routed_total",
			Help: "Scans dispatched per probe.",
		}, []string{"probe"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanhub_scan_duration_seconds",
			Help:    "Wall time from submission to terminal state.",
			Buckets: DurationBuckets,
		}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_gvm_connection_errors_total",
			Help: "Engine operations that failed after exhausting retries.",
		}, []string{"probe"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanhub_target_sync_runs_total",
			Help: "Target sync iterations by result.",
		}, []string{"result"}),
	}

	instance := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scanhub_instance",
		Help: "Static instance information.",
		ConstLabels: prometheus.Labels{
			"instance_uuid": instanceUUID,
			"version":       version,
		},
	})
	instance.Set(1)

	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		instance,
		r.scansSubmitted,
		r.scansCompleted,
		r.scansFailed,
		r.probeRouted,
		r.scanDuration,
		r.engineErrors,
		r.syncRuns,
	)

	if store != nil {
		prom.MustRegister(newStoreCollector(store))
	}

	return r
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and the OTLP bridge.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.prom
}

func (r *Registry) RecordScanSubmitted(scanType string) {
	if r == nil {
		return
	}
	r.scansSubmitted.WithLabelValues(scanType).Inc()
}

func (r *Registry) RecordScanCompleted(gvmStatus string) {
	if r == nil {
		return
	}
	r.scansCompleted.WithLabelValues(gvmStatus).Inc()
}

func (r *Registry) RecordScanFailed() {
	if r == nil {
		return
	}
	r.scansFailed.Inc()
}

func (r *Registry) RecordProbeRouted(probe string) {
	if r == nil {
		return
	}
	r.probeRouted.WithLabelValues(probe).Inc()
}

func (r *Registry) ObserveScanDuration(seconds float64) {
	if r == nil {
		return
	}
	r.scanDuration.Observe(seconds)
}

func (r *Registry) RecordEngineError(probe string) {
	if r == nil {
		return
	}
	r.engineErrors.WithLabelValues(probe).Inc()
}

func (r *Registry) RecordTargetSync(result string) {
	if r == nil {
		return
	}
	r.syncRuns.WithLabelValues(result).Inc()
}
