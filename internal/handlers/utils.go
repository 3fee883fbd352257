package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"video-overlay/internal/jobs"
	"video-overlay/internal/logging"
	"video-overlay/internal/media"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
)

// writeJSON encodes v as JSON and writes it to the response writer.
// Any encoding or write errors are logged since we typically cannot
// recover from them in an HTTP handler context.
func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode JSON response: %v", err)
	}
}

// writeJSONStatusCode writes v as JSON with the given status code.
func writeJSONStatusCode(w http.ResponseWriter, v interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	writeJSON(w, v)
}

// writeJSONError writes an error response as JSON with the given status code.
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONStatusCode(w, map[string]string{"error": message}, statusCode)
}

// writeJSONStatus writes a simple status response as JSON.
func writeJSONStatus(w http.ResponseWriter, status string, statusCode int) {
	writeJSONStatusCode(w, map[string]string{"status": status}, statusCode)
}

// writeClassifiedError maps domain errors onto HTTP status codes. Server
// side failures are logged with their cause and reported generically.
func writeClassifiedError(w http.ResponseWriter, err error, message string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeJSONError(w, "Upload too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, overlay.ErrInvalidOptions):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, jobs.ErrNotFound):
		writeJSONError(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, jobs.ErrNoOutput):
		writeJSONError(w, "Job has no output", http.StatusNotFound)
	case errors.Is(err, jobs.ErrFinished):
		writeJSONError(w, "Job already finished", http.StatusConflict)
	case errors.Is(err, jobs.ErrShuttingDown):
		writeJSONError(w, "Service is shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, media.ErrUnsupportedImage):
		writeJSONError(w, "Unsupported image format", http.StatusUnsupportedMediaType)
	case errors.Is(err, pipeline.ErrSourceUnavailable),
		errors.Is(err, pipeline.ErrNoTrackFound),
		errors.Is(err, pipeline.ErrDecoderConfigMissing),
		errors.Is(err, pipeline.ErrDecodeFailure):
		writeJSONStatusCode(w, map[string]string{
			"error":     err.Error(),
			"errorKind": pipeline.KindLabel(err),
		}, http.StatusUnprocessableEntity)
	default:
		logging.Error("%s: %v", message, err)
		writeJSONError(w, message, http.StatusInternalServerError)
	}
}
