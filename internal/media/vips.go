package media

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"

	"video-overlay/internal/logging"
)

// Backend names reported in metrics and at startup.
const (
	BackendVips    = "vips"
	BackendImaging = "imaging"
)

var (
	vipsInitMutex sync.Mutex
	vipsAvailable bool
)

// InitVips starts libvips. Call it once at startup; without it previews
// are encoded by imaging.
func InitVips() error {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsAvailable {
		return nil
	}

	// Logging must be configured before Startup to respect LOG_LEVEL.
	level, handler := vipsLogSettings(logging.GetLevel())
	vips.LoggingSettings(handler, level)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1,
		MaxCacheMem:      50 * 1024 * 1024,
		MaxCacheSize:     100,
	})

	vipsAvailable = true
	logging.Info("libvips initialized successfully (version: %s)", vips.Version)
	return nil
}

// ShutdownVips releases libvips resources.
func ShutdownVips() {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsAvailable {
		vips.Shutdown()
		vipsAvailable = false
		logging.Info("libvips shutdown complete")
	}
}

// IsVipsAvailable returns whether libvips is initialized.
func IsVipsAvailable() bool {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()
	return vipsAvailable
}

// vipsLogSettings maps the application log level to the least severe
// libvips level worth emitting, and a handler that forwards into logging.
func vipsLogSettings(appLevel logging.LogLevel) (vips.LogLevel, func(string, vips.LogLevel, string)) {
	threshold := vips.LogLevelWarning
	switch appLevel {
	case logging.LevelDebug:
		threshold = vips.LogLevelInfo
	case logging.LevelError:
		threshold = vips.LogLevelCritical
	}

	return threshold, func(domain string, level vips.LogLevel, msg string) {
		// govips orders levels from most to least severe.
		if level > threshold {
			return
		}
		switch level {
		case vips.LogLevelError, vips.LogLevelCritical:
			logging.Error("[%s] %s", domain, msg)
		case vips.LogLevelWarning:
			logging.Warn("[%s] %s", domain, msg)
		default:
			logging.Debug("[%s] %s", domain, msg)
		}
	}
}

// encodeJPEG encodes img with libvips when available. It reports the
// backend that produced the bytes.
func encodeJPEG(img image.Image, quality int) ([]byte, string, error) {
	if IsVipsAvailable() {
		data, err := encodeJPEGVips(img, quality)
		if err == nil {
			return data, BackendVips, nil
		}
		logging.Warn("vips JPEG export failed, falling back to imaging: %v", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, BackendImaging, fmt.Errorf("imaging JPEG encode failed: %w", err)
	}
	return buf.Bytes(), BackendImaging, nil
}

func encodeJPEGVips(img image.Image, quality int) ([]byte, error) {
	// Hand libvips a lossless intermediate so the only lossy step is its own.
	var png bytes.Buffer
	if err := imaging.Encode(&png, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("intermediate encode failed: %w", err)
	}

	ref, err := vips.LoadImageFromBuffer(png.Bytes(), vips.NewImportParams())
	if err != nil {
		return nil, fmt.Errorf("vips failed to load image: %w", err)
	}
	defer ref.Close()

	data, _, err := ref.ExportJpeg(&vips.JpegExportParams{
		Quality:        quality,
		StripMetadata:  true,
		OptimizeCoding: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vips export failed: %w", err)
	}
	return data, nil
}
