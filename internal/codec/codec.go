package codec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"video-overlay/internal/av"
)

var (
	// ErrUnsupportedConfig is returned by Configure when the engine cannot
	// handle the requested codec, resolution, or frame rate.
	ErrUnsupportedConfig = errors.New("unsupported codec configuration")
	// ErrAlreadyConfigured is returned when Configure is called again with
	// different arguments.
	ErrAlreadyConfigured = errors.New("codec already configured with different settings")
	// ErrNotConfigured is returned when data is submitted before Configure.
	ErrNotConfigured = errors.New("codec not configured")
	// ErrClosed is returned when data is submitted after Flush or Close.
	ErrClosed = errors.New("codec closed")
)

// DefaultKeyFrameInterval is the number of frames between forced key frames
// when the caller does not choose one.
const DefaultKeyFrameInterval = 150

// FrameFunc receives decoded frames. The callee owns the frame.
type FrameFunc func(frame *av.Frame)

// ChunkFunc receives encoded chunks in submission order. config is non-nil
// only for the first chunk, and describes the produced stream.
type ChunkFunc func(chunk av.EncodedChunk, config *av.TrackConfig)

// ErrorFunc receives asynchronous, fatal codec errors.
type ErrorFunc func(err error)

// Decoder turns packets into frames. Decode only submits; frames arrive
// through the FrameFunc given at construction. Flush returns once every
// submitted packet has produced its frame callback and ends the stream.
type Decoder interface {
	Configure(config av.TrackConfig) error
	Decode(pkt *av.Packet) error
	Flush(ctx context.Context) error
	Close() error
}

// EncoderConfig selects the output stream.
type EncoderConfig struct {
	Codec            string
	Width            int
	Height           int
	FrameRate        float64
	Bitrate          int // bits per second; 0 lets the engine choose
	KeyFrameInterval int // frames; 0 means DefaultKeyFrameInterval
}

// EncodeOptions are per-frame hints.
//
// The ffmpeg engine places key frames on a fixed cadence of
// KeyFrameInterval frames, starting with the first frame, and ignores a
// KeyFrame hint on any other frame. Callers wanting key frames elsewhere
// must choose an interval that lands on them.
type EncodeOptions struct {
	KeyFrame bool
}

// Encoder turns frames into chunks. Encode takes ownership of the frame.
// Flush returns once every submitted frame has produced its chunk callback
// and ends the stream.
type Encoder interface {
	Configure(config EncoderConfig) error
	Encode(frame *av.Frame, opts EncodeOptions) error
	Flush(ctx context.Context) error
	Close() error
}

// Factory creates codec instances. Instances belong to one pipeline run.
type Factory interface {
	NewDecoder(onFrame FrameFunc, onError ErrorFunc) Decoder
	NewEncoder(onChunk ChunkFunc, onError ErrorFunc) Encoder
}

// Validate checks an encoder configuration and fills defaults.
func (c EncoderConfig) Validate() (EncoderConfig, error) {
	codec := strings.ToLower(c.Codec)
	if codec != "h264" && !strings.HasPrefix(codec, "avc1") && !strings.HasPrefix(codec, "avc3") {
		return c, fmt.Errorf("%w: codec %q", ErrUnsupportedConfig, c.Codec)
	}
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		return c, fmt.Errorf("%w: dimensions %dx%d must be positive and even", ErrUnsupportedConfig, c.Width, c.Height)
	}
	if c.Width > 8192 || c.Height > 4320 {
		return c, fmt.Errorf("%w: dimensions %dx%d exceed 8192x4320", ErrUnsupportedConfig, c.Width, c.Height)
	}
	if c.FrameRate <= 0 || c.FrameRate > 240 {
		return c, fmt.Errorf("%w: frame rate %.3f", ErrUnsupportedConfig, c.FrameRate)
	}
	if c.Bitrate < 0 {
		return c, fmt.Errorf("%w: negative bitrate", ErrUnsupportedConfig)
	}
	if c.KeyFrameInterval < 0 {
		return c, fmt.Errorf("%w: negative key frame interval", ErrUnsupportedConfig)
	}
	if c.KeyFrameInterval == 0 {
		c.KeyFrameInterval = DefaultKeyFrameInterval
	}
	return c, nil
}

// validateDecoderConfig accepts H.264 tracks with parameter sets and size.
func validateDecoderConfig(c av.TrackConfig) error {
	if !c.IsH264() {
		return fmt.Errorf("%w: codec %q", ErrUnsupportedConfig, c.Codec)
	}
	if len(c.SPS) == 0 || len(c.PPS) == 0 {
		return fmt.Errorf("%w: missing SPS/PPS", ErrUnsupportedConfig)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrUnsupportedConfig, c.Width, c.Height)
	}
	return nil
}
