// Package metrics provides Prometheus metrics for the lake compactor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the compactor.
type Metrics struct {
	// Job metrics
	JobsGenerated *prometheus.CounterVec
	JobsDone      *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	PendingJobs   prometheus.Gauge

	// Merge metrics
	MergeDuration  *prometheus.HistogramVec
	MergedFiles    *prometheus.CounterVec
	MergedBytes    *prometheus.CounterVec
	MergeBatchSize *prometheus.HistogramVec
	PrunedFiles    *prometheus.CounterVec

	// Worker pool metrics
	WorkerQueueDepth prometheus.Gauge
	InFlightBatches  prometheus.Gauge

	// Retention metrics
	RetentionDeletedFiles *prometheus.CounterVec
	PendingDeletes        prometheus.Gauge

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheBytes  prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
	CatalogErrors prometheus.Counter
	WriteRetries  prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // metrics HTTP server address (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lake_compactor"
	}

	streamLabels := []string{"org", "stream_type"}

	m := &Metrics{
		JobsGenerated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_generated_total",
				Help:      "Total number of compaction jobs enqueued",
			},
			[]string{"org", "stream_type", "job_class"},
		),
		JobsDone: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_done_total",
				Help:      "Total number of compaction jobs completed",
			},
			streamLabels,
		),
		JobsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_failed_total",
				Help:      "Total number of compaction jobs that failed",
			},
			streamLabels,
		),
		PendingJobs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_jobs",
				Help:      "Jobs leased in the most recent scheduler tick",
			},
		),
		MergeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Wall-clock time of one merge job",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			streamLabels,
		),
		MergedFiles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merged_files_total",
				Help:      "Total number of source files merged away",
			},
			streamLabels,
		),
		MergedBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merged_bytes_total",
				Help:      "Total original bytes consumed by merges",
			},
			streamLabels,
		),
		MergeBatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_batch_files",
				Help:      "Number of files per merge batch",
				Buckets:   prometheus.ExponentialBuckets(2, 2, 8), // 2 to 256
			},
			streamLabels,
		),
		PrunedFiles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pruned_files_total",
				Help:      "Files found missing or empty upstream and removed from the catalog",
			},
			streamLabels,
		),
		WorkerQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of batches waiting for a merge worker",
			},
		),
		InFlightBatches: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_batches",
				Help:      "Number of batches currently being merged",
			},
		),
		RetentionDeletedFiles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_deleted_files_total",
				Help:      "File-list entries tombstoned by retention",
			},
			streamLabels,
		),
		PendingDeletes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_physical_deletes",
				Help:      "Objects awaiting physical deletion by the janitor",
			},
		),
		CacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Reads served from the local disk cache",
			},
		),
		CacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Reads that fell through to the object store",
			},
		),
		CacheBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_bytes",
				Help:      "Bytes currently held in the local disk cache",
			},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of object store errors",
			},
			[]string{"backend"},
		),
		CatalogErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of file-list catalog errors",
			},
		),
		WriteRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "write_retries_total",
				Help:      "Retry attempts made by the transactional file-list writer",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// ObserveMergeDuration records one merge job's wall-clock seconds.
func (m *Metrics) ObserveMergeDuration(org, streamType string, seconds float64) {
	m.MergeDuration.WithLabelValues(org, streamType).Observe(seconds)
}

// AddMergedFiles counts source files and original bytes consumed by a merge.
func (m *Metrics) AddMergedFiles(org, streamType string, files, bytes float64) {
	m.MergedFiles.WithLabelValues(org, streamType).Add(files)
	m.MergedBytes.WithLabelValues(org, streamType).Add(bytes)
}

// IncJobsGenerated counts one enqueued job.
func (m *Metrics) IncJobsGenerated(org, streamType, jobClass string) {
	m.JobsGenerated.WithLabelValues(org, streamType, jobClass).Inc()
}

// IncJobsDone counts one completed job.
func (m *Metrics) IncJobsDone(org, streamType string) {
	m.JobsDone.WithLabelValues(org, streamType).Inc()
}

// IncJobsFailed counts one failed job.
func (m *Metrics) IncJobsFailed(org, streamType string) {
	m.JobsFailed.WithLabelValues(org, streamType).Inc()
}
