package workers

import (
	"os"
	"runtime"
	"strconv"
)

// OverrideEnv names the environment variable that fixes the number of
// concurrent pipeline runs regardless of CPU count.
const OverrideEnv = "PIPELINE_WORKERS"

// Override returns the value of PIPELINE_WORKERS when it is a positive
// integer.
func Override() (int, bool) {
	value := os.Getenv(OverrideEnv)
	if value == "" {
		return 0, false
	}
	count, err := strconv.Atoi(value)
	if err != nil || count <= 0 {
		return 0, false
	}
	return count, true
}

// Count returns a worker count for a workload. multiplier scales
// GOMAXPROCS, which follows container CPU limits; limit caps the result
// when positive. PIPELINE_WORKERS takes precedence over the calculation
// but is still capped by limit.
func Count(multiplier float64, limit int) int {
	workers, ok := Override()
	if !ok {
		workers = int(float64(runtime.GOMAXPROCS(0)) * multiplier)
	}

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}
	return workers
}

// ForCPU sizes CPU-bound work such as pipeline runs: one worker per CPU.
func ForCPU(limit int) int {
	return Count(1.0, limit)
}

// ForIO sizes I/O-bound work such as source fetches: two workers per CPU.
func ForIO(limit int) int {
	return Count(2.0, limit)
}

// ForMixed sizes work that alternates between CPU and I/O.
func ForMixed(limit int) int {
	return Count(1.5, limit)
}
