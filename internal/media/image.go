package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"

	// Image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"video-overlay/internal/logging"
)

const (
	// MaxImageDimension is the largest width or height decoded as is.
	// Larger images are downscaled before the overlay is drawn.
	MaxImageDimension = 4096

	// MaxImagePixels bounds width*height after the dimension limit
	// (~80MB as RGBA).
	MaxImagePixels = 20_000_000
)

// ErrUnsupportedImage is returned for data no registered decoder accepts.
var ErrUnsupportedImage = errors.New("unsupported image format")

// DecodeImage decodes an uploaded image into RGBA, honoring EXIF
// orientation and downscaling anything beyond the size limits.
func DecodeImage(data []byte) (*image.RGBA, error) {
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	logging.Debug("Preview image: %s %dx%d", format, config.Width, config.Height)

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	b := img.Bounds()
	if w, h, ok := constrainSize(b.Dx(), b.Dy(), MaxImageDimension, MaxImagePixels); ok {
		logging.Info("Constraining large preview image from %dx%d to %dx%d", b.Dx(), b.Dy(), w, h)
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}
	return toRGBA(img), nil
}

// constrainSize returns the downscaled size for an image exceeding either
// limit, keeping its aspect ratio. ok is false when no scaling is needed.
func constrainSize(width, height, maxDimension, maxPixels int) (int, int, bool) {
	if width <= maxDimension && height <= maxDimension && width*height <= maxPixels {
		return width, height, false
	}

	w, h := width, height
	if w > maxDimension || h > maxDimension {
		if w > h {
			h = h * maxDimension / w
			w = maxDimension
		} else {
			w = w * maxDimension / h
			h = maxDimension
		}
	}

	if pixels := w * h; pixels > maxPixels {
		scale := float64(maxPixels) / float64(pixels)
		side := math.Sqrt(scale)
		w = int(float64(w) * side)
		h = int(float64(h) * side)
	}
	return max(w, 1), max(h, 1), true
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
