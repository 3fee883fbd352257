package codec

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"video-overlay/internal/av"
)

const maxAccessUnitSize = 64 << 20

// ffmpegEncoder pipes RGBA pictures into libx264 and splits the Annex-B
// output into access units. B-frames are disabled so chunks come back in
// submission order.
type ffmpegEncoder struct {
	ff      *FFmpeg
	onChunk ChunkFunc
	onError ErrorFunc

	mu      sync.Mutex
	config  *EncoderConfig
	flushed bool
	frames  int64

	proc atomic.Pointer[process]

	closed   atomic.Bool
	flushing atomic.Bool
	done     chan struct{}
	readErr  error
	errOnce  sync.Once
	timings  submissionQueue
}

// Configure accepts an identical configuration more than once.
func (e *ffmpegEncoder) Configure(config EncoderConfig) error {
	cfg, err := config.Validate()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config != nil {
		if *e.config == cfg {
			return nil
		}
		return ErrAlreadyConfigured
	}
	e.config = &cfg
	return nil
}

func encoderArgs(cfg EncoderConfig) []string {
	gop := strconv.Itoa(cfg.KeyFrameInterval)
	args := []string{
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-framerate", strconv.FormatFloat(cfg.FrameRate, 'f', -1, 64),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-bf", "0",
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-x264-params", "aud=1",
	}
	if cfg.Bitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(cfg.Bitrate))
	}
	return append(args, "-f", "h264", "pipe:1")
}

// keyFrameDue reports whether the zero-based frame n starts a GOP.
func keyFrameDue(n int64, interval int) bool {
	return n%int64(interval) == 0
}

func (e *ffmpegEncoder) Encode(frame *av.Frame, opts EncodeOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The encoder owns the frame from here on, whatever the outcome.
	defer func() { _ = frame.Release() }()

	if e.flushed || e.closed.Load() {
		return ErrClosed
	}
	if e.config == nil {
		return ErrNotConfigured
	}
	if frame.Width() != e.config.Width || frame.Height() != e.config.Height {
		return fmt.Errorf("%w: frame is %dx%d, encoder expects %dx%d",
			ErrUnsupportedConfig, frame.Width(), frame.Height(), e.config.Width, e.config.Height)
	}

	proc := e.proc.Load()
	if proc == nil {
		var err error
		proc, err = e.ff.start("encoder", encoderArgs(*e.config))
		if err != nil {
			return err
		}
		e.proc.Store(proc)
		go e.readChunks(proc)
		if e.closed.Load() {
			proc.kill()
			<-e.done
			_ = proc.wait()
			return ErrClosed
		}
	}

	scheduled := keyFrameDue(e.frames, e.config.KeyFrameInterval)
	if opts.KeyFrame && !scheduled {
		log.Debug("Key frame hint at frame %d ignored, key frames follow the %d-frame interval",
			e.frames, e.config.KeyFrameInterval)
	}
	e.frames++

	e.timings.push(timing{timestamp: frame.Timestamp, duration: frame.Duration, key: scheduled})
	if err := writePixels(proc, frame); err != nil {
		return fmt.Errorf("failed to write frame to encoder: %w", err)
	}
	return nil
}

func writePixels(proc *process, frame *av.Frame) error {
	img := frame.Image
	rowBytes := img.Rect.Dx() * 4
	if img.Stride == rowBytes && len(img.Pix) == rowBytes*img.Rect.Dy() {
		_, err := proc.stdin.Write(img.Pix)
		return err
	}
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		off := img.PixOffset(img.Rect.Min.X, y)
		if _, err := proc.stdin.Write(img.Pix[off : off+rowBytes]); err != nil {
			return err
		}
	}
	return nil
}

func (e *ffmpegEncoder) readChunks(proc *process) {
	defer close(e.done)

	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), maxAccessUnitSize)
	scanner.Split(splitAccessUnits)

	var sps, pps []byte
	sentConfig := false
	for scanner.Scan() {
		au, err := parseAccessUnit(scanner.Bytes())
		if err != nil {
			e.fail(err)
			return
		}
		if au.sps != nil {
			sps = au.sps
		}
		if au.pps != nil {
			pps = au.pps
		}
		if au.payload == nil {
			continue
		}

		t, ok := e.timings.pop()
		if !ok {
			e.fail(fmt.Errorf("encoder produced more chunks than frames submitted"))
			return
		}

		chunk := av.EncodedChunk{
			Timestamp: t.timestamp,
			Duration:  t.duration,
			Type:      av.ChunkDelta,
			Data:      au.payload,
		}
		if au.key {
			chunk.Type = av.ChunkKey
		}

		if e.closed.Load() {
			continue
		}

		var config *av.TrackConfig
		if !sentConfig {
			cfg, err := av.H264Config(sps, pps)
			if err != nil {
				e.fail(fmt.Errorf("encoder output has no usable parameter sets: %w", err))
				return
			}
			config = &cfg
			sentConfig = true
		}
		e.onChunk(chunk, config)
	}

	switch err := scanner.Err(); {
	case e.closed.Load():
	case err != nil:
		e.fail(fmt.Errorf("failed to read encoder output: %w", err))
	case !e.flushing.Load():
		e.fail(fmt.Errorf("encoder exited before flush: %v", proc.wait()))
	}
}

func (e *ffmpegEncoder) fail(err error) {
	e.errOnce.Do(func() {
		e.readErr = err
		if e.onError != nil && !e.closed.Load() {
			e.onError(err)
		}
	})
}

func (e *ffmpegEncoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.flushed {
		e.mu.Unlock()
		return nil
	}
	e.flushed = true
	proc := e.proc.Load()
	e.mu.Unlock()

	if proc == nil {
		return nil
	}

	e.flushing.Store(true)
	if err := proc.stdin.Close(); err != nil {
		log.Debug("Closing encoder stdin: %v", err)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		proc.kill()
		<-e.done
		_ = proc.wait()
		return ctx.Err()
	}

	if err := proc.wait(); err != nil {
		return fmt.Errorf("encoder exited with error: %w", err)
	}
	if e.readErr != nil {
		return e.readErr
	}
	if n := e.timings.len(); n > 0 {
		return fmt.Errorf("encoder dropped %d frames", n)
	}
	return nil
}

func (e *ffmpegEncoder) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	proc := e.proc.Load()
	if proc == nil {
		return nil
	}
	proc.kill()
	_ = proc.stdin.Close()
	<-e.done
	_ = proc.wait()
	return nil
}
