package memory

import (
	"math"
	"os"
	"runtime/debug"
	"strconv"
	"time"
)

// DefaultMemoryRatio is the share of the container limit given to the Go
// heap. The remainder is left for ffmpeg processes and libvips.
const DefaultMemoryRatio = 0.75

// ConfigResult describes how GOMEMLIMIT was derived.
type ConfigResult struct {
	Configured     bool
	Source         string // "GOMEMLIMIT", "MEMORY_LIMIT" or "none"
	ContainerLimit int64
	GoMemLimit     int64
	Ratio          float64
}

// ConfigureFromEnv sets GOMEMLIMIT from MEMORY_LIMIT (bytes, usually from
// the Kubernetes Downward API) scaled by MEMORY_RATIO. An explicit
// GOMEMLIMIT wins. Call it before significant allocations.
func ConfigureFromEnv() ConfigResult {
	if raw := os.Getenv("GOMEMLIMIT"); raw != "" {
		result := ConfigResult{Source: "GOMEMLIMIT"}
		if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
			result.Configured = true
			result.GoMemLimit = limit
		}
		log.Info("GOMEMLIMIT set via environment: %s", raw)
		return result
	}

	raw := os.Getenv("MEMORY_LIMIT")
	if raw == "" {
		log.Debug("MEMORY_LIMIT not set, leaving GOMEMLIMIT unset")
		return ConfigResult{Source: "none"}
	}
	containerLimit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || containerLimit <= 0 {
		log.Warn("Ignoring invalid MEMORY_LIMIT %q", raw)
		return ConfigResult{Source: "none"}
	}

	ratio := DefaultMemoryRatio
	if rawRatio := os.Getenv("MEMORY_RATIO"); rawRatio != "" {
		parsed, err := strconv.ParseFloat(rawRatio, 64)
		if err != nil || parsed <= 0 || parsed > 1 {
			log.Warn("Ignoring invalid MEMORY_RATIO %q, using %.2f", rawRatio, DefaultMemoryRatio)
		} else {
			ratio = parsed
		}
	}

	goMemLimit := int64(float64(containerLimit) * ratio)
	debug.SetMemoryLimit(goMemLimit)
	log.Info("Configured GOMEMLIMIT: %s (%.0f%% of %s)", formatBytes(goMemLimit), ratio*100, formatBytes(containerLimit))

	return ConfigResult{
		Configured:     true,
		Source:         "MEMORY_LIMIT",
		ContainerLimit: containerLimit,
		GoMemLimit:     goMemLimit,
		Ratio:          ratio,
	}
}

// ConfigFromEnv overlays MEMORY_HIGH_WATER, MEMORY_CRITICAL_WATER and
// MEMORY_CHECK_INTERVAL onto DefaultConfig. Invalid combinations fall back
// to the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v, err := strconv.ParseFloat(os.Getenv("MEMORY_HIGH_WATER"), 64); err == nil {
		cfg.HighWaterMark = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("MEMORY_CRITICAL_WATER"), 64); err == nil {
		cfg.CriticalWaterMark = v
	}
	if v, err := time.ParseDuration(os.Getenv("MEMORY_CHECK_INTERVAL")); err == nil {
		cfg.CheckInterval = v
	}
	if err := cfg.Validate(); err != nil {
		log.Warn("Invalid memory thresholds (%v), using defaults", err)
		return DefaultConfig()
	}
	return cfg
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatInt(b, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(b)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
