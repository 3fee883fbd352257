// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// All configuration is loaded from environment variables via [LoadConfig]:
//
//   - CACHE_DIR: Root for uploads and encoded outputs (default: /cache)
//   - DATABASE_DIR: Directory holding jobs.db (default: /database)
//   - UPLOAD_DIR: Uploaded sources (default: $CACHE_DIR/uploads)
//   - OUTPUT_DIR: Encoded MP4 outputs (default: $CACHE_DIR/outputs)
//   - PORT: HTTP server port (default: 8080)
//   - METRICS_PORT: Prometheus metrics server port (default: 9090)
//   - METRICS_ENABLED: Enable or disable metrics server (default: true)
//   - FFMPEG_PATH: ffmpeg binary used by the codec (default: ffmpeg)
//   - BATCH_SIZE: Frames per decode/transform/encode batch (default: 5)
//   - KEYFRAME_INTERVAL: Frames between encoder key frames (default: 150)
//   - PIPELINE_WORKERS: Concurrent pipeline runs (default: GOMAXPROCS)
//   - MAX_UPLOAD_SIZE: Largest accepted upload or fetched source in bytes
//   - FETCH_TIMEOUT: Timeout for remote sources as Go duration (default: 2m)
//   - JOB_RETENTION: How long finished jobs and outputs are kept (default: 24h)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_HEALTH_CHECKS: Log health check requests (default: true)
//   - LOG_OUTPUT_FETCHES: Log output downloads (default: false)
//   - MEMORY_LIMIT, MEMORY_RATIO, GOMEMLIMIT: see package memory
//
// Every directory must be writable; [LoadConfig] creates missing ones.
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
//
// # Lifecycle Logging
//
// [LogMemoryConfig], [LogDatabaseInit], [LogCodecInit], [LogJobManagerInit],
// [LogPreviewInit], [LogHTTPRoutes], [LogServerStarted] and the shutdown
// helpers print the sectioned startup log.
package startup
