package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "video_overlay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "video_overlay_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_db_connections_open",
			Help: "Number of open job store connections",
		},
	)
)

// Source metrics
var (
	SourceFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_source_fetch_total",
			Help: "Total number of remote source fetches by result",
		},
		[]string{"result"},
	)

	SourceFetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_source_fetch_retries_total",
			Help: "Total number of retried remote source fetch attempts",
		},
	)

	SourceFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "video_overlay_source_fetch_duration_seconds",
			Help:    "Remote source fetch duration in seconds, retries included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	SourceFetchBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_source_fetch_bytes_total",
			Help: "Total bytes downloaded for remote sources",
		},
	)
)

// Filesystem metrics
var (
	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_filesystem_stale_errors_total",
			Help: "Total number of stale file handle errors by operation",
		},
		[]string{"operation"},
	)

	FilesystemRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_filesystem_retries_total",
			Help: "Filesystem operations that needed retries, by operation and result",
		},
		[]string{"operation", "result"},
	)
)

// Pipeline metrics
var (
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_pipeline_runs_total",
			Help: "Total number of pipeline runs by result (complete, failed, cancelled)",
		},
		[]string{"result"},
	)

	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "video_overlay_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	PipelineRunsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_pipeline_runs_in_progress",
			Help: "Number of pipeline runs currently executing",
		},
	)

	PipelineStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_pipeline_state_transitions_total",
			Help: "Total number of pipeline state transitions by target state",
		},
		[]string{"state"},
	)

	PipelineFramesDecoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_pipeline_frames_decoded_total",
			Help: "Total number of frames delivered by decoders",
		},
	)

	PipelineFramesEncoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_pipeline_frames_encoded_total",
			Help: "Total number of frames submitted to encoders",
		},
	)

	PipelineChunksMuxed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_pipeline_chunks_muxed_total",
			Help: "Total number of encoded chunks written to output containers",
		},
	)

	PipelineBufferedFrames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_pipeline_buffered_frames",
			Help: "Frames currently held in pipeline batch buffers",
		},
	)

	PipelineBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "video_overlay_pipeline_batch_size",
			Help:    "Number of frames per batch drained into the encoder",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 16, 32, 64},
		},
	)

	PipelineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_pipeline_errors_total",
			Help: "Total number of pipeline failures by error kind",
		},
		[]string{"kind"},
	)

	CodecProcessesRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "video_overlay_codec_processes_running",
			Help: "Number of running ffmpeg codec processes by role",
		},
		[]string{"role"},
	)
)

// Job metrics
var (
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_jobs_submitted_total",
			Help: "Total number of transcode jobs submitted",
		},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_jobs_in_progress",
			Help: "Number of jobs currently running a pipeline",
		},
	)

	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_jobs_queued",
			Help: "Number of jobs waiting for a worker slot",
		},
	)

	JobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "video_overlay_jobs_by_state",
			Help: "Number of recorded jobs by state",
		},
		[]string{"state"},
	)

	JobCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_job_cache_hits_total",
			Help: "Total number of jobs served from the output cache",
		},
	)

	JobCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_job_cache_misses_total",
			Help: "Total number of jobs that required a pipeline run",
		},
	)

	JobOutputBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "video_overlay_job_output_bytes",
			Help:    "Size of produced output files in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 10),
		},
	)

	OutputCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_output_cache_bytes",
			Help: "Total size of cached output files in bytes",
		},
	)

	OutputCacheFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_output_cache_files",
			Help: "Number of cached output files",
		},
	)
)

// Preview metrics
var (
	PreviewRendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_overlay_preview_renders_total",
			Help: "Total number of preview renders by backend and status",
		},
		[]string{"backend", "status"},
	)

	PreviewRenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "video_overlay_preview_render_duration_seconds",
			Help:    "Preview render duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_memory_usage_ratio",
			Help: "Heap allocation as a fraction of the configured memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "video_overlay_memory_paused",
			Help: "Whether new pipeline runs are paused for memory pressure (1 = paused)",
		},
	)

	MemoryGCPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_overlay_memory_gc_pauses_total",
			Help: "Total number of times processing paused and forced a GC",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "video_overlay_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
