package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"video-overlay/internal/av"
	"video-overlay/internal/codec"
	"video-overlay/internal/demux"
	"video-overlay/internal/logging"
	"video-overlay/internal/metrics"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
	"video-overlay/internal/source"
)

var log = logging.Component("preview")

// DefaultJPEGQuality is used when Previewer.Quality is unset.
const DefaultJPEGQuality = 85

// maxPreviewPackets bounds how far into a source the previewer reads while
// waiting for its first frame.
const maxPreviewPackets = 64

// Previewer renders overlay options onto a still.
type Previewer struct {
	Sources pipeline.SourceOpener
	Demuxer demux.Opener
	Codecs  codec.Factory
	Quality int
}

// Preview is a rendered JPEG.
type Preview struct {
	JPEG    []byte
	Width   int
	Height  int
	Backend string
}

// Backend reports which encoder previews will use.
func (p *Previewer) Backend() string {
	if IsVipsAvailable() {
		return BackendVips
	}
	return BackendImaging
}

// RenderImage draws the overlay onto an encoded image.
func (p *Previewer) RenderImage(data []byte, opts overlay.Options) (*Preview, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return p.render(av.NewFrame(img, 0, 0, nil), opts)
}

// RenderSource draws the overlay onto the first frame of a source
// reference (path or URL).
func (p *Previewer) RenderSource(ctx context.Context, ref string, opts overlay.Options) (*Preview, error) {
	if p.Sources == nil {
		return nil, pipeline.NewError(pipeline.ErrSourceUnavailable, "open source", errors.New("no source opener"))
	}
	src, err := p.Sources.Open(ctx, ref)
	if err != nil {
		return nil, pipeline.NewError(pipeline.ErrSourceUnavailable, "open source", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Warn("failed to close preview source %s: %v", src.Name, err)
		}
	}()
	return p.RenderFrame(ctx, src, opts)
}

// RenderFrame draws the overlay onto the first decoded frame of src.
func (p *Previewer) RenderFrame(ctx context.Context, src *source.Source, opts overlay.Options) (*Preview, error) {
	// Validate before paying for a decoder.
	if _, err := opts.Normalize(); err != nil {
		return nil, err
	}
	frame, err := p.firstFrame(ctx, src)
	if err != nil {
		return nil, err
	}
	return p.render(frame, opts)
}

func (p *Previewer) render(frame *av.Frame, opts overlay.Options) (_ *Preview, err error) {
	start := time.Now()
	backend := p.Backend()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.PreviewRendersTotal.WithLabelValues(backend, status).Inc()
		metrics.PreviewRenderDuration.Observe(time.Since(start).Seconds())
	}()

	text, err := overlay.New(opts)
	if err != nil {
		_ = frame.Release()
		return nil, err
	}
	defer func() {
		if err := text.Close(); err != nil {
			log.Warn("failed to close overlay: %v", err)
		}
	}()

	out, err := text.Transform(frame)
	if err != nil {
		_ = frame.Release()
		return nil, pipeline.NewError(pipeline.ErrTransformFailure, "transform", err)
	}
	defer func() { _ = out.Release() }()

	quality := p.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	data, used, err := encodeJPEG(out.Image, quality)
	backend = used
	if err != nil {
		return nil, err
	}

	log.Debug("rendered %dx%d preview with %s in %v", out.Width(), out.Height(), used, time.Since(start))
	return &Preview{JPEG: data, Width: out.Width(), Height: out.Height(), Backend: used}, nil
}

// firstFrame decodes packets of the primary video track until the decoder
// delivers a frame, then flushes and keeps the earliest one.
func (p *Previewer) firstFrame(ctx context.Context, src *source.Source) (*av.Frame, error) {
	if p.Demuxer == nil || p.Codecs == nil {
		return nil, pipeline.NewError(pipeline.ErrDecodeFailure, "decode", errors.New("no decoder configured"))
	}

	container, err := p.Demuxer.Open(ctx, src)
	if err != nil {
		return nil, pipeline.NewError(pipeline.ErrSourceUnavailable, "demux", err)
	}
	track, ok := container.PrimaryTrack(av.KindVideo)
	if !ok {
		return nil, pipeline.NewError(pipeline.ErrNoTrackFound, "demux", nil)
	}
	config, ok := container.DecoderConfig(track)
	if !ok {
		return nil, pipeline.NewError(pipeline.ErrDecoderConfigMissing, "demux", nil)
	}
	packets, err := container.Packets(track)
	if err != nil {
		return nil, pipeline.NewError(pipeline.ErrSourceUnavailable, "demux", err)
	}

	var (
		mu       sync.Mutex
		earliest *av.Frame
		failure  error
	)
	arrived := make(chan struct{}, 1)
	onFrame := func(frame *av.Frame) {
		mu.Lock()
		defer mu.Unlock()
		if earliest == nil || frame.Timestamp < earliest.Timestamp {
			if earliest != nil {
				_ = earliest.Release()
			}
			earliest = frame
		} else {
			_ = frame.Release()
		}
		select {
		case arrived <- struct{}{}:
		default:
		}
	}
	onError := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if failure == nil {
			failure = err
		}
	}

	decoder := p.Codecs.NewDecoder(onFrame, onError)
	defer func() {
		if err := decoder.Close(); err != nil {
			log.Debug("decoder close: %v", err)
		}
	}()
	if err := decoder.Configure(*config); err != nil {
		return nil, pipeline.NewError(pipeline.ErrDecodeFailure, "configure decoder", err)
	}

feed:
	for n := 0; n < maxPreviewPackets; n++ {
		select {
		case <-arrived:
			break feed
		default:
		}

		pkt, err := packets.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, pipeline.NewError(pipeline.ErrSourceUnavailable, "read packet", err)
		}
		if err := decoder.Decode(pkt); err != nil {
			return nil, pipeline.NewError(pipeline.ErrDecodeFailure, "decode", err)
		}
	}

	if err := decoder.Flush(ctx); err != nil {
		mu.Lock()
		frame := earliest
		earliest = nil
		mu.Unlock()
		if frame != nil {
			_ = frame.Release()
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, pipeline.NewError(pipeline.ErrDecodeFailure, "flush decoder", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if failure != nil {
		if earliest != nil {
			_ = earliest.Release()
		}
		return nil, pipeline.NewError(pipeline.ErrDecodeFailure, "decode", failure)
	}
	if earliest == nil {
		return nil, pipeline.NewError(pipeline.ErrDecodeFailure, "decode", fmt.Errorf("no frame within %d packets", maxPreviewPackets))
	}
	return earliest, nil
}
