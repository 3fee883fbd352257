package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"video-overlay/internal/filesystem"
	"video-overlay/internal/jobs"
	"video-overlay/internal/logging"
	"video-overlay/internal/overlay"
	"video-overlay/internal/source"
)

const (
	// multipartMemory is held in memory while parsing uploads; the rest
	// spills to temporary files.
	multipartMemory = 32 << 20
	// formOverhead allows for the non-file parts of a multipart body.
	formOverhead = 1 << 20

	defaultListLimit = 50
	maxListLimit     = 500
)

// jobRequest is the JSON body of POST /api/jobs.
type jobRequest struct {
	Source           string          `json:"source"`
	Overlay          overlay.Options `json:"overlay"`
	Bitrate          int             `json:"bitrate,omitempty"`
	KeyFrameInterval int             `json:"keyFrameInterval,omitempty"`
	BatchSize        int             `json:"batchSize,omitempty"`
}

func (r jobRequest) validate() error {
	if r.Bitrate < 0 || r.KeyFrameInterval < 0 || r.BatchSize < 0 {
		return fmt.Errorf("%w: negative encoder setting", overlay.ErrInvalidOptions)
	}
	return nil
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

// SubmitJob queues a transcode job.
// POST /api/jobs
//
// JSON bodies name an http(s) source. Multipart bodies carry the video in
// "file" and the overlay options as JSON in "overlay"; the upload is
// deleted once the job ends.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var (
		req jobs.Request
		err error
	)
	if isMultipart(r) {
		req, err = h.uploadRequest(w, r)
	} else {
		req, err = decodeJobRequest(r)
	}
	if err != nil {
		writeClassifiedError(w, err, "Failed to read job request")
		return
	}

	job, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		if req.Temporary {
			removeUpload(req.Source)
		}
		writeClassifiedError(w, err, "Failed to submit job")
		return
	}

	w.Header().Set("Location", "/api/jobs/"+job.ID)
	writeJSONStatusCode(w, job, http.StatusAccepted)
}

func decodeJobRequest(r *http.Request) (jobs.Request, error) {
	var body jobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, formOverhead)).Decode(&body); err != nil {
		return jobs.Request{}, fmt.Errorf("%w: invalid request body: %v", overlay.ErrInvalidOptions, err)
	}
	if err := body.validate(); err != nil {
		return jobs.Request{}, err
	}
	if !source.IsURL(body.Source) {
		return jobs.Request{}, fmt.Errorf("%w: source must be an http(s) URL; upload local files", overlay.ErrInvalidOptions)
	}
	return jobs.Request{
		Source:           body.Source,
		Overlay:          body.Overlay,
		Bitrate:          body.Bitrate,
		KeyFrameInterval: body.KeyFrameInterval,
		BatchSize:        body.BatchSize,
	}, nil
}

// uploadRequest stores the multipart "file" part in the upload directory.
func (h *Handlers) uploadRequest(w http.ResponseWriter, r *http.Request) (jobs.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return jobs.Request{}, uploadError(err)
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logging.Warn("failed to remove multipart temp files: %v", err)
		}
	}()

	body, err := formJobRequest(r)
	if err != nil {
		return jobs.Request{}, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return jobs.Request{}, fmt.Errorf("%w: missing file part", overlay.ErrInvalidOptions)
	}
	defer file.Close()

	if header.Size > h.maxUpload {
		return jobs.Request{}, &http.MaxBytesError{Limit: h.maxUpload}
	}

	path, err := h.saveUpload(file, header.Filename)
	if err != nil {
		return jobs.Request{}, err
	}

	return jobs.Request{
		Source:           path,
		Name:             filepath.Base(header.Filename),
		Temporary:        true,
		Overlay:          body.Overlay,
		Bitrate:          body.Bitrate,
		KeyFrameInterval: body.KeyFrameInterval,
		BatchSize:        body.BatchSize,
	}, nil
}

// formJobRequest reads the non-file fields of a multipart submission.
func formJobRequest(r *http.Request) (jobRequest, error) {
	var body jobRequest
	if raw := r.FormValue("overlay"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &body.Overlay); err != nil {
			return body, fmt.Errorf("%w: overlay field: %v", overlay.ErrInvalidOptions, err)
		}
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"bitrate", &body.Bitrate},
		{"keyFrameInterval", &body.KeyFrameInterval},
		{"batchSize", &body.BatchSize},
	}
	for _, f := range ints {
		raw := r.FormValue(f.field)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return body, fmt.Errorf("%w: %s must be an integer", overlay.ErrInvalidOptions, f.field)
		}
		*f.dst = v
	}
	return body, body.validate()
}

func (h *Handlers) saveUpload(src io.Reader, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	path := filepath.Join(h.uploadDir, uuid.NewString()+ext)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		removeUpload(path)
		if copyErr != nil {
			return "", uploadError(copyErr)
		}
		return "", fmt.Errorf("failed to write upload: %w", closeErr)
	}

	logging.Debug("Stored upload %q as %s", filename, path)
	return path, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: invalid upload: %v", overlay.ErrInvalidOptions, err)
}

func removeUpload(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to remove upload %s: %v", path, err)
	}
}

// ListJobs returns recent jobs, newest first.
// GET /api/jobs?limit=N
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := h.jobs.List(r.Context(), limit)
	if err != nil {
		writeClassifiedError(w, err, "Failed to list jobs")
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSONStatusCode(w, list, http.StatusOK)
}

// GetJob returns one job's status.
// GET /api/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeClassifiedError(w, err, "Failed to get job")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSONStatusCode(w, job, http.StatusOK)
}

// CancelJob cancels a queued or running job.
// DELETE /api/jobs/{id}
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.jobs.Cancel(id); err != nil {
		writeClassifiedError(w, err, "Failed to cancel job")
		return
	}
	logging.Info("Job %s cancelled via API", id)
	writeJSONStatus(w, "cancelling", http.StatusAccepted)
}

// GetJobOutput serves a finished job's MP4 with range support.
// GET /api/jobs/{id}/output
func (h *Handlers) GetJobOutput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	path, err := h.jobs.OutputPath(r.Context(), id)
	if err != nil {
		writeClassifiedError(w, err, "Failed to locate output")
		return
	}

	f, err := filesystem.OpenWithRetry(r.Context(), path, filesystem.DefaultRetryConfig())
	if err != nil {
		writeClassifiedError(w, jobs.ErrNoOutput, "Failed to open output")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeClassifiedError(w, err, "Failed to stat output")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": id + ".overlay.mp4",
	}))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// ClearCache removes every cached output.
// DELETE /api/cache
func (h *Handlers) ClearCache(w http.ResponseWriter, _ *http.Request) {
	freedBytes, err := h.jobs.ClearCache()
	if err != nil {
		writeClassifiedError(w, err, "Failed to clear output cache")
		return
	}

	logging.Info("Output cache cleared, freed %d bytes", freedBytes)
	writeJSONStatusCode(w, map[string]interface{}{
		"success":    true,
		"freedBytes": freedBytes,
	}, http.StatusOK)
}
