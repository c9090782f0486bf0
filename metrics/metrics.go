// Package metrics exposes Prometheus collectors for the exposure pipeline
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one actor and the registry they live in
type Metrics struct {
	Registry *prometheus.Registry

	exposures       *prometheus.CounterVec
	shutterFailures *prometheus.CounterVec
	probeFailures   *prometheus.CounterVec
}

// New registers the collectors in a fresh registry.  etr is sampled at
// scrape time and may be nil.
func New(etr func() float64) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		exposures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "lvmscp",
			Name:      "exposures_total",
			Help:      "Exposures taken, by flavour and result.",
		}, []string{"flavour", "result"}),
		shutterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "lvmscp",
			Name:      "shutter_failures_total",
			Help:      "Shutter moves that failed after retries, by action.",
		}, []string{"action"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "lvmscp",
			Name:      "probe_failures_total",
			Help:      "Telemetry probes that failed during an exposure, by probe.",
		}, []string{"probe"}),
	}
	m.Registry.MustRegister(m.exposures, m.shutterFailures, m.probeFailures)
	if etr != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: "lvmscp",
			Name:      "etr_seconds",
			Help:      "Estimated time remaining for the current exposure, -1 when idle.",
		}, etr))
	}
	return m
}

// Exposure counts a finished exposure
func (m *Metrics) Exposure(flavour string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.exposures.WithLabelValues(flavour, result).Inc()
}

// ShutterFailure counts a failed shutter move
func (m *Metrics) ShutterFailure(action string) {
	m.shutterFailures.WithLabelValues(action).Inc()
}

// ProbeFailure counts a failed telemetry probe
func (m *Metrics) ProbeFailure(probe string) {
	m.probeFailures.WithLabelValues(probe).Inc()
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
