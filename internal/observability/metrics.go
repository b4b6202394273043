package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for ingestion and query serving.
type Metrics struct {
	// Ingestion metrics.
	FilesTotal          *prometheus.CounterVec // labels: outcome={processed,skipped,rejected}
	DetailsSkipped      *prometheus.CounterVec // labels: reason={absent,invalid}
	ObservationsWritten *prometheus.CounterVec // labels: result={inserted,duplicate,failed}
	RunDuration         prometheus.Histogram
	LastRunTimestamp    prometheus.Gauge

	// Serving metrics.
	CacheLookups     *prometheus.CounterVec // labels: result={hit,miss}
	AnalysisFailures *prometheus.CounterVec // labels: reason={no_data,no_valid_data,invalid_years,error}
}

const namespace = "kawa"

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	return &Metrics{
		FilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_files_total",
			Help:      help("Source files seen by the ingestion pipeline, by outcome."),
		}, []string{"outcome"}),
		DetailsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_details_skipped_total",
			Help:      help("Station details skipped because a reading was absent or invalid."),
		}, []string{"reason"}),
		ObservationsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_observations_total",
			Help:      help("Observation insert attempts by result."),
		}, []string{"result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_run_duration_seconds",
			Help:      help("Duration of a complete ingestion run."),
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_last_run_timestamp_seconds",
			Help:      help("Unix time of the last completed ingestion run."),
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      help("Query cache lookups by result."),
		}, []string{"result"}),
		AnalysisFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_failures_total",
			Help:      help("Seasonal analyses that could not produce a result, by reason."),
		}, []string{"reason"}),
	}
}

// NewMetrics creates the collectors and registers them with the default registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(
		m.FilesTotal,
		m.DetailsSkipped,
		m.ObservationsWritten,
		m.RunDuration,
		m.LastRunTimestamp,
		m.CacheLookups,
		m.AnalysisFailures,
	)
	return m
}

// NewMetricsForTesting creates unregistered collectors so tests can build
// as many pipelines and services as they need.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}
