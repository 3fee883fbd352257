package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"video-overlay/internal/jobs"
	"video-overlay/internal/media"
	"video-overlay/internal/startup"
)

// Pinger reports whether the job history database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CodecChecker reports whether the video codec can run.
type CodecChecker interface {
	Available() error
}

// Handlers serves the HTTP API.
type Handlers struct {
	jobs      *jobs.Manager
	previewer *media.Previewer
	db        Pinger
	codec     CodecChecker
	uploadDir string
	maxUpload int64
	startTime time.Time
}

// New creates the API handlers. db and codec may be nil.
func New(manager *jobs.Manager, previewer *media.Previewer, db Pinger, codec CodecChecker, config *startup.Config) *Handlers {
	return &Handlers{
		jobs:      manager,
		previewer: previewer,
		db:        db,
		codec:     codec,
		uploadDir: config.UploadDir,
		maxUpload: config.MaxUploadSize,
		startTime: time.Now(),
	}
}

// RegisterRoutes adds every API route to r.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs", h.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.CancelJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/output", h.GetJobOutput).Methods("GET", "HEAD")
	api.HandleFunc("/preview", h.Preview).Methods("POST")
	api.HandleFunc("/cache", h.ClearCache).Methods("DELETE")
}

// NotFound answers unknown routes with a JSON error.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSONError(w, "Not found", http.StatusNotFound)
}
