// Package metrics exposes the daemon's Prometheus instrumentation: one
// registry, a handful of counters/histograms/gauges covering each
// scheduled job, and an http.Handler to serve them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the daemon emits behind one Prometheus
// registry, so cmd/monitor only has to wire a single handler.
type Registry struct {
	reg *prometheus.Registry

	CollectionCycles    *prometheus.CounterVec
	CollectionDuration  *prometheus.HistogramVec
	SamplesPersisted    prometheus.Counter
	FingerprintsActive  prometheus.Gauge

	AnalysisCycles      *prometheus.CounterVec
	AnalysisDuration    *prometheus.HistogramVec
	RegressionsDetected *prometheus.CounterVec
	HotspotsDetected    prometheus.Counter
	AutoResolutions     prometheus.Counter

	RemediationDecisions *prometheus.CounterVec

	AlertsSent   *prometheus.CounterVec
	AlertsFailed *prometheus.CounterVec
}

// New builds a Registry with every metric registered, plus the standard Go
// runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		CollectionCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "collection",
			Name:      "cycles_total",
			Help:      "Collection cycles run, labeled by outcome.",
		}, []string{"outcome"}),
		CollectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "queryguard",
			Subsystem: "collection",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of a full collection cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance"}),
		SamplesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "collection",
			Name:      "samples_persisted_total",
			Help:      "Metric samples written to the store.",
		}),
		FingerprintsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "queryguard",
			Subsystem: "collection",
			Name:      "fingerprints_active",
			Help:      "Distinct query fingerprints observed in the most recent cycle.",
		}),
		AnalysisCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "analysis",
			Name:      "cycles_total",
			Help:      "Analysis cycles run, labeled by outcome.",
		}, []string{"outcome"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "queryguard",
			Subsystem: "analysis",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of a full analysis cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database"}),
		RegressionsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "analysis",
			Name:      "regressions_detected_total",
			Help:      "Regressions detected, labeled by severity.",
		}, []string{"severity"}),
		HotspotsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "analysis",
			Name:      "hotspots_detected_total",
			Help:      "Hotspot entries produced across all cycles.",
		}),
		AutoResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "analysis",
			Name:      "auto_resolutions_total",
			Help:      "Regressions automatically closed because the metric returned to baseline.",
		}),
		RemediationDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "remediation",
			Name:      "decisions_total",
			Help:      "RemediationGuard decisions, labeled by permitted/denied and reason.",
		}, []string{"permitted", "reason"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "alerting",
			Name:      "sent_total",
			Help:      "Alerts successfully sent, labeled by channel and kind.",
		}, []string{"channel", "kind"}),
		AlertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queryguard",
			Subsystem: "alerting",
			Name:      "failed_total",
			Help:      "Alert send attempts that returned an error, labeled by channel and kind.",
		}, []string{"channel", "kind"}),
	}

	reg.MustRegister(
		r.CollectionCycles, r.CollectionDuration, r.SamplesPersisted, r.FingerprintsActive,
		r.AnalysisCycles, r.AnalysisDuration, r.RegressionsDetected, r.HotspotsDetected, r.AutoResolutions,
		r.RemediationDecisions,
		r.AlertsSent, r.AlertsFailed,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return r
}

// Handler returns the http.Handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
