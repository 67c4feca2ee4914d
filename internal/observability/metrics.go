package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hmo_register"

// Metrics holds the Prometheus counters and histograms for register runs.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec // labels: status={complete,not_found,unchanged,failed}
	RunDuration   prometheus.Histogram
	RowsIngested  prometheus.Counter
	RunInProgress prometheus.Gauge

	// Geocoding metrics.
	GeocodeChunks        *prometheus.CounterVec // labels: outcome={success,error}
	GeocodeChunkDuration prometheus.Histogram
	Postcodes            *prometheus.CounterVec // labels: result={resolved,unresolved}
}

// NewMetrics creates and registers all run metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RowsIngested,
		m.RunInProgress,
		m.GeocodeChunks,
		m.GeocodeChunkDuration,
		m.Postcodes,
	)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Register runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a complete register run.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		RowsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_ingested_total",
			Help:      "Register rows written to the warehouse.",
		}),
		RunInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a run is executing, 0 otherwise.",
		}),
		GeocodeChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_chunks_total",
			Help:      "Postcode lookup batch calls by outcome.",
		}, []string{"outcome"}),
		GeocodeChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_chunk_duration_seconds",
			Help:      "Duration of one postcode lookup batch call.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Postcodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postcodes_total",
			Help:      "Unique postcodes submitted for lookup by result.",
		}, []string{"result"}),
	}
}
