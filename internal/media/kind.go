package media

import (
	"net/http"
	"path/filepath"
	"strings"
)

// Kind is the broad type of an uploaded file.
type Kind string

const (
	// KindImage is a still image.
	KindImage Kind = "image"
	// KindVideo is a video container.
	KindVideo Kind = "video"
	// KindOther is anything else.
	KindOther Kind = "other"
)

// ImageExtensions maps file extensions to whether they are decodable images.
var ImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tiff": true, ".tif": true,
}

// VideoExtensions maps file extensions to whether they are readable containers.
var VideoExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true,
}

// Classify decides the kind of an upload from its name, falling back to
// content sniffing of its first bytes.
func Classify(name string, head []byte) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case ImageExtensions[ext]:
		return KindImage
	case VideoExtensions[ext]:
		return KindVideo
	}

	contentType := http.DetectContentType(head)
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindImage
	case strings.HasPrefix(contentType, "video/"):
		return KindVideo
	}
	return KindOther
}
