// Package observability provides Prometheus metrics for the collector.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Source client metrics
	SourceRequests *prometheus.CounterVec
	SourceFailures *prometheus.CounterVec
	SourceLatency  *prometheus.HistogramVec

	// Ingestion metrics
	RowsWritten       *prometheus.CounterVec
	RowsFailed        *prometheus.CounterVec
	SchemaRetries     *prometheus.CounterVec
	ColumnsAdded      *prometheus.CounterVec
	BatchDuration     *prometheus.HistogramVec
	LastSuccessfulRun *prometheus.GaugeVec

	// Scheduler metrics
	JobsSkipped *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "osrsprices"
	}
	f := promauto.With(reg)

	return &Metrics{
		SourceRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "requests_total",
			Help:      "Total number of upstream requests by endpoint",
		}, []string{"endpoint"}),
		SourceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "failures_total",
			Help:      "Total number of failed upstream requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		SourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "request_duration_seconds",
			Help:      "Upstream request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		RowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_written_total",
			Help:      "Total number of price rows upserted by granularity",
		}, []string{"granularity"}),
		RowsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_failed_total",
			Help:      "Total number of price rows that failed after retry",
		}, []string{"granularity"}),
		SchemaRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "schema_retries_total",
			Help:      "Total number of writes retried after schema repair",
		}, []string{"granularity"}),
		ColumnsAdded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "columns_added_total",
			Help:      "Total number of columns added by the schema synchronizer",
		}, []string{"table"}),
		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one collection run",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"granularity"}),
		LastSuccessfulRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of the last completed collection run",
		}, []string{"granularity"}),

		JobsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_skipped_total",
			Help:      "Ticks skipped because the previous run of the same job was still active",
		}, []string{"job"}),
	}
}

// NewNopMetrics returns metrics registered to a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "")
}

// Handler returns the HTTP handler for the metrics endpoint of reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
