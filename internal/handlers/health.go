package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"video-overlay/internal/startup"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	healthCheckTimeout = 2 * time.Second
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Ready    bool   `json:"ready"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`
	Codec    string `json:"codec"`
	Preview  string `json:"preview"`

	Jobs       map[string]int `json:"jobs"`
	CacheFiles int            `json:"cacheFiles"`
	CacheBytes int64          `json:"cacheBytes"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

func (h *Handlers) checkDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return h.db.Ping(ctx)
}

func (h *Handlers) checkCodec() error {
	if h.codec == nil {
		return nil
	}
	return h.codec.Available()
}

// HealthCheck returns the health status of the service. A missing codec
// degrades the service; an unreachable database makes it unhealthy.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.jobs.GetStats()

	response := HealthResponse{
		Status:       statusHealthy,
		Ready:        true,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Database:     "ok",
		Codec:        "ok",
		Preview:      h.previewer.Backend(),
		Jobs:         stats.JobsByState,
		CacheFiles:   stats.CacheFiles,
		CacheBytes:   stats.CacheBytes,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	if err := h.checkCodec(); err != nil {
		response.Codec = err.Error()
		response.Status = statusDegraded
	}
	if err := h.checkDatabase(r.Context()); err != nil {
		response.Database = err.Error()
		response.Status = statusUnhealthy
		response.Ready = false
	}

	statusCode := http.StatusOK
	if !response.Ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONStatusCode(w, response, statusCode)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck returns 200 only when the job database is reachable
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.checkDatabase(r.Context()); err != nil {
		writeJSONStatus(w, "not_ready", http.StatusServiceUnavailable)
		return
	}
	writeJSONStatus(w, "ready", http.StatusOK)
}
