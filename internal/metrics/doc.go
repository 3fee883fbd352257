// Package metrics provides Prometheus instrumentation for the video overlay
// service.
//
// All metrics are prefixed with "video_overlay_" and registered through
// promauto at package init, so importing the package is enough to expose
// them on the default registry.
//
// # Metric Categories
//
// ## HTTP Metrics
//
//   - HTTPRequestsTotal: Counter of requests by method, path, and status
//   - HTTPRequestDuration: Histogram of request duration by method and path
//   - HTTPRequestsInFlight: Gauge of currently processing requests
//
// ## Database Metrics
//
//   - DBQueryTotal: Counter of job store queries by operation and status
//   - DBQueryDuration: Histogram of query duration by operation
//   - DBConnectionsOpen: Gauge of open connections
//
// ## Source Metrics
//
//   - SourceFetchTotal: Counter of remote fetches by result
//   - SourceFetchRetries: Counter of retried fetch attempts
//   - SourceFetchDuration: Histogram of fetch time including retries
//   - SourceFetchBytes: Counter of downloaded bytes
//   - FilesystemStaleErrors: Counter of stale NFS handles by operation
//   - FilesystemRetries: Counter of retried operations by operation and result
//
// ## Pipeline Metrics
//
// Track the streaming transcode pipeline (demux, decode, overlay, encode, mux):
//   - PipelineRunsTotal: Counter of runs by result (complete/failed/cancelled)
//   - PipelineRunDuration: Histogram of run duration
//   - PipelineRunsInProgress: Gauge of executing runs
//   - PipelineStateTransitions: Counter of transitions by target state
//   - PipelineFramesDecoded / PipelineFramesEncoded: Counters of frames
//   - PipelineChunksMuxed: Counter of chunks written to the output container
//   - PipelineBufferedFrames: Gauge of frames held in batch buffers
//   - PipelineBatchSize: Histogram of frames per drained batch
//   - PipelineErrors: Counter of failures by error kind
//   - CodecProcessesRunning: Gauge of ffmpeg processes by role
//
// ## Job Metrics
//
//   - JobsSubmitted, JobsInProgress, JobsQueued
//   - JobsByState: Gauge refreshed by the Collector from the job store
//   - JobCacheHits / JobCacheMisses: output cache effectiveness
//   - JobOutputBytes: Histogram of output sizes
//   - OutputCacheBytes / OutputCacheFiles: Gauges of the output cache
//
// ## Preview and Memory Metrics
//
//   - PreviewRendersTotal, PreviewRenderDuration
//   - MemoryUsageRatio, MemoryPaused, MemoryGCPauses
//
// # Usage
//
// Metrics are served on a dedicated port:
//
//	http.Handle("/metrics", promhttp.Handler())
//
// Call InitializeMetrics once at startup so every labelled series exists
// from the first scrape.
package metrics
