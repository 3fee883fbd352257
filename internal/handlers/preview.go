package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"video-overlay/internal/logging"
	"video-overlay/internal/media"
	"video-overlay/internal/overlay"
	"video-overlay/internal/source"
)

// previewRequest is the JSON body of POST /api/preview.
type previewRequest struct {
	Source  string          `json:"source"`
	Overlay overlay.Options `json:"overlay"`
}

// Preview renders the overlay onto a still and returns a JPEG.
// POST /api/preview
//
// Multipart bodies carry an image or video in "file" (or a URL in
// "source") and the overlay options as JSON in "overlay". JSON bodies
// name an http(s) source whose first frame is used.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	var (
		preview *media.Preview
		err     error
	)
	if isMultipart(r) {
		preview, err = h.previewUpload(w, r)
	} else {
		preview, err = h.previewSource(r)
	}
	if err != nil {
		writeClassifiedError(w, err, "Failed to render preview")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(preview.JPEG)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Preview-Backend", preview.Backend)
	w.Header().Set("X-Preview-Size", fmt.Sprintf("%dx%d", preview.Width, preview.Height))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(preview.JPEG); err != nil {
		logging.Debug("failed to write preview: %v", err)
	}
}

func (h *Handlers) previewSource(r *http.Request) (*media.Preview, error) {
	var body previewRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, formOverhead)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", overlay.ErrInvalidOptions, err)
	}
	if !source.IsURL(body.Source) {
		return nil, fmt.Errorf("%w: source must be an http(s) URL", overlay.ErrInvalidOptions)
	}
	return h.previewer.RenderSource(r.Context(), body.Source, body.Overlay)
}

func (h *Handlers) previewUpload(w http.ResponseWriter, r *http.Request) (*media.Preview, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, uploadError(err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var opts overlay.Options
	if raw := r.FormValue("overlay"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return nil, fmt.Errorf("%w: overlay field: %v", overlay.ErrInvalidOptions, err)
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		ref := r.FormValue("source")
		if !source.IsURL(ref) {
			return nil, fmt.Errorf("%w: provide a file part or an http(s) source", overlay.ErrInvalidOptions)
		}
		return h.previewer.RenderSource(r.Context(), ref, opts)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, uploadError(err)
	}

	head := data[:min(len(data), 512)]
	switch media.Classify(header.Filename, head) {
	case media.KindImage:
		return h.previewer.RenderImage(data, opts)
	case media.KindVideo:
		return h.previewer.RenderFrame(r.Context(), source.FromBytes(header.Filename, data), opts)
	default:
		return nil, fmt.Errorf("%w: %s", media.ErrUnsupportedImage, header.Filename)
	}
}
