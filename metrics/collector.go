package metrics

import "github.com/prometheus/client_golang/prometheus"

// storeCollector reads the database at scrape time. A failing read drops the
// metric from that scrape instead of reporting a stale number.
type storeCollector struct {
	store StoreProvider

	activeScans    *prometheus.Desc
	probeActive    *prometheus.Desc
	enabledTargets *prometheus.Desc
}

func newStoreCollector(store StoreProvider) *storeCollector {
	return &storeCollector{
		store: store,
		activeScans: prometheus.NewDesc(
			"scanhub_scans_active",
			"Scans currently running.",
			nil, nil),
		probeActive: prometheus.NewDesc(
			"scanhub_probe_scans_active",
			"Scans currently running per probe.",
			[]string{"probe"}, nil),
		enabledTargets: prometheus.NewDesc(
			"scanhub_targets_synced",
			"Enabled targets in the local table.",
			nil, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeScans
	ch <- c.probeActive
	ch <- c.enabledTargets
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	if count, err := c.store.CountActiveScans(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.activeScans, prometheus.GaugeValue, float64(count))
	}
	if perProbe, err := c.store.ActiveScansPerProbe(); err == nil {
		for probe, count := range perProbe {
			ch <- prometheus.MustNewConstMetric(c.probeActive, prometheus.GaugeValue, float64(count), probe)
		}
	}
	if count, err := c.store.CountEnabledTargets(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.enabledTargets, prometheus.GaugeValue, float64(count))
	}
}

var _ prometheus.Collector = (*storeCollector)(nil)
