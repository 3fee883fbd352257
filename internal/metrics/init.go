package metrics

// Label values shared with the packages that record them.
var (
	// PipelineResults are the values of the "result" label on PipelineRunsTotal.
	PipelineResults = []string{"complete", "failed", "cancelled"}

	// PipelineStates are the values of the "state" label on PipelineStateTransitions.
	PipelineStates = []string{"configuring", "streaming", "draining", "finalizing", "complete", "failed"}

	// PipelineErrorKinds are the values of the "kind" label on PipelineErrors.
	PipelineErrorKinds = []string{
		"source_unavailable",
		"no_track_found",
		"decoder_config_missing",
		"decode_failure",
		"transform_failure",
		"encode_failure",
		"mux_failure",
		"cancelled",
	}

	// JobStates are the values of the "state" label on JobsByState.
	JobStates = []string{"queued", "running", "complete", "failed", "cancelled"}

	// FilesystemOperations are the values of the "operation" label on the
	// filesystem retry metrics.
	FilesystemOperations = []string{"open", "stat"}
)

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	for _, result := range PipelineResults {
		PipelineRunsTotal.WithLabelValues(result)
	}

	for _, state := range PipelineStates {
		PipelineStateTransitions.WithLabelValues(state)
	}

	for _, kind := range PipelineErrorKinds {
		PipelineErrors.WithLabelValues(kind)
	}

	for _, role := range []string{"decoder", "encoder"} {
		CodecProcessesRunning.WithLabelValues(role)
	}

	for _, state := range JobStates {
		JobsByState.WithLabelValues(state)
	}

	for _, op := range FilesystemOperations {
		FilesystemStaleErrors.WithLabelValues(op)
		FilesystemRetries.WithLabelValues(op, "success")
		FilesystemRetries.WithLabelValues(op, "failure")
	}

	for _, result := range []string{"success", "error"} {
		SourceFetchTotal.WithLabelValues(result)
	}

	for _, backend := range []string{"vips", "imaging"} {
		PreviewRendersTotal.WithLabelValues(backend, "success")
		PreviewRendersTotal.WithLabelValues(backend, "error")
	}

	for _, op := range []string{"create_job", "update_progress", "complete_job", "fail_job", "get_job", "find_cached_job", "list_jobs", "count_jobs", "delete_jobs", "fail_stale_jobs"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}
}
