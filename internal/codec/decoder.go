package codec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"

	"video-overlay/internal/av"
)

// ffmpegDecoder feeds Annex-B H.264 into ffmpeg and reads back RGBA
// pictures of the configured size.
type ffmpegDecoder struct {
	ff      *FFmpeg
	onFrame FrameFunc
	onError ErrorFunc

	mu      sync.Mutex
	config  *av.TrackConfig
	flushed bool

	proc atomic.Pointer[process]

	closed   atomic.Bool
	flushing atomic.Bool
	done     chan struct{}
	readErr  error
	errOnce  sync.Once
	timings  presentationQueue
}

func (d *ffmpegDecoder) Configure(config av.TrackConfig) error {
	if err := validateDecoderConfig(config); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config != nil {
		if d.config.Equal(config) {
			return nil
		}
		return ErrAlreadyConfigured
	}
	cfg := config
	d.config = &cfg
	return nil
}

func (d *ffmpegDecoder) Decode(pkt *av.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.flushed || d.closed.Load() {
		return ErrClosed
	}
	if d.config == nil {
		return ErrNotConfigured
	}

	data, err := packetToAnnexB(pkt.Data, pkt.KeyFrame, d.config.SPS, d.config.PPS)
	if err != nil {
		return err
	}

	proc := d.proc.Load()
	if proc == nil {
		proc, err = d.ff.start("decoder", []string{
			"-f", "h264",
			"-i", "pipe:0",
			"-an",
			"-fps_mode", "passthrough",
			"-f", "rawvideo",
			"-pix_fmt", "rgba",
			"pipe:1",
		})
		if err != nil {
			return err
		}
		d.proc.Store(proc)
		go d.readFrames(proc, d.config.Width, d.config.Height)
		if d.closed.Load() {
			proc.kill()
			<-d.done
			_ = proc.wait()
			return ErrClosed
		}
	}

	d.timings.push(timing{timestamp: pkt.Timestamp, duration: pkt.Duration, key: pkt.KeyFrame})
	if _, err := proc.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write packet to decoder: %w", err)
	}
	return nil
}

func (d *ffmpegDecoder) readFrames(proc *process, width, height int) {
	defer close(d.done)

	var last timing
	for {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		if _, err := io.ReadFull(proc.stdout, img.Pix); err != nil {
			switch {
			case d.closed.Load():
			case errors.Is(err, io.EOF) && d.flushing.Load():
			case errors.Is(err, io.EOF):
				d.fail(fmt.Errorf("decoder exited before flush: %v", proc.wait()))
			default:
				d.fail(fmt.Errorf("failed to read decoded frame: %w", err))
			}
			return
		}

		t, ok := d.timings.pop()
		if !ok {
			log.Warn("Decoder produced a frame with no pending packet, extrapolating timestamp")
			t = timing{timestamp: last.timestamp + last.duration, duration: last.duration}
		}
		last = t

		frame := av.NewFrame(img, t.timestamp, t.duration, d.ff.counter)
		if d.closed.Load() {
			_ = frame.Release()
			continue
		}
		d.onFrame(frame)
	}
}

func (d *ffmpegDecoder) fail(err error) {
	d.errOnce.Do(func() {
		d.readErr = err
		if d.onError != nil && !d.closed.Load() {
			d.onError(err)
		}
	})
}

func (d *ffmpegDecoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.flushed {
		d.mu.Unlock()
		return nil
	}
	d.flushed = true
	proc := d.proc.Load()
	d.mu.Unlock()

	if proc == nil {
		return nil
	}

	d.flushing.Store(true)
	if err := proc.stdin.Close(); err != nil {
		log.Debug("Closing decoder stdin: %v", err)
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		proc.kill()
		<-d.done
		_ = proc.wait()
		return ctx.Err()
	}

	if err := proc.wait(); err != nil {
		return fmt.Errorf("decoder exited with error: %w", err)
	}
	if d.readErr != nil {
		return d.readErr
	}
	if n := d.timings.len(); n > 0 {
		log.Warn("Decoder dropped %d packets without producing frames", n)
	}
	return nil
}

// Close stops the decoder. Frames decoded after Close are released
// instead of delivered.
func (d *ffmpegDecoder) Close() error {
	if d.closed.Swap(true) {
		return nil
	}

	proc := d.proc.Load()
	if proc == nil {
		return nil
	}
	proc.kill()
	_ = proc.stdin.Close()
	<-d.done
	_ = proc.wait()
	return nil
}
