// Package metrics exposes Prometheus collectors for the connection pool,
// the sync pipeline and the archival job.
//
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests and one-off tools.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ingest"

// Metrics groups all collectors registered by the service.
type Metrics struct {
	fetchOutcomes  *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	recordsStored  *prometheus.CounterVec
	pipelineRuns   *prometheus.CounterVec
	poolAcquires   *prometheus.CounterVec
	poolDiscards   prometheus.Counter
	archivedRows   *prometheus.CounterVec
	archiveUploads *prometheus.CounterVec
	registerer     prometheus.Registerer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registerer: reg,
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_outcomes_total",
			Help:      "Per-target fetch outcomes by task and result.",
		}, []string{"task", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of one target's fetch-then-store cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"task"}),
		recordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_stored_total",
			Help:      "Rows written through upserts by task.",
		}, []string{"task"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by task and final status.",
		}, []string{"task", "status"}),
		poolAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquires_total",
			Help:      "Connection acquisitions by result.",
		}, []string{"result"}),
		poolDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_discarded_connections_total",
			Help:      "Connections discarded after a failed probe or a broken scope.",
		}),
		archivedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_rows_total",
			Help:      "Rows moved from the live store into archive files.",
		}, []string{"category"}),
		archiveUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_uploads_total",
			Help:      "Archive file uploads by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.fetchOutcomes,
		m.fetchDuration,
		m.recordsStored,
		m.pipelineRuns,
		m.poolAcquires,
		m.poolDiscards,
		m.archivedRows,
		m.archiveUploads,
	)

	return m
}

// ObserveFetch records one target outcome.
func (m *Metrics) ObserveFetch(task, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchOutcomes.WithLabelValues(task, result).Inc()
	m.fetchDuration.WithLabelValues(task).Observe(d.Seconds())
}

// AddRecords counts rows stored by a task.
func (m *Metrics) AddRecords(task string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsStored.WithLabelValues(task).Add(float64(n))
}

// ObserveRun records a finished pipeline run.
func (m *Metrics) ObserveRun(task, status string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(task, status).Inc()
}

// ObserveAcquire records a pool acquisition result ("ok" or "error").
func (m *Metrics) ObserveAcquire(result string) {
	if m == nil {
		return
	}
	m.poolAcquires.WithLabelValues(result).Inc()
}

// ObserveDiscard counts a discarded pool connection.
func (m *Metrics) ObserveDiscard() {
	if m == nil {
		return
	}
	m.poolDiscards.Inc()
}

// AddArchived counts archived rows for a category.
func (m *Metrics) AddArchived(category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archivedRows.WithLabelValues(category).Add(float64(n))
}

// ObserveUpload records an archive upload result ("ok" or "error").
func (m *Metrics) ObserveUpload(result string) {
	if m == nil {
		return
	}
	m.archiveUploads.WithLabelValues(result).Inc()
}

// RegisterPoolGauges exposes live pool sizes read through stats on every scrape.
func (m *Metrics) RegisterPoolGauges(stats func() (live, inUse int)) {
	if m == nil {
		return
	}
	m.registerer.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_live_connections",
			Help:      "Connections currently owned by the pool (idle plus borrowed).",
		}, func() float64 {
			live, _ := stats()
			return float64(live)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use_connections",
			Help:      "Connections currently borrowed by an operation.",
		}, func() float64 {
			_, inUse := stats()
			return float64(inUse)
		}),
	)
}
