// Package memory applies heap backpressure to pipeline runs.
//
// ConfigureFromEnv derives GOMEMLIMIT from a container limit at startup.
// A Monitor then samples the heap and pauses new runs once usage crosses
// the critical water mark, resuming when it falls below the high water
// mark. Runs already streaming keep going; the job manager calls
// WaitIfPaused before starting each queued run.
//
// Environment variables:
//
//	MEMORY_LIMIT           container limit in bytes
//	MEMORY_RATIO           share of MEMORY_LIMIT given to the heap (default 0.75)
//	MEMORY_HIGH_WATER      resume threshold (default 0.7)
//	MEMORY_CRITICAL_WATER  pause threshold (default 0.85)
//	MEMORY_CHECK_INTERVAL  sampling period (default 5s)
package memory
