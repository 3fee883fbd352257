package codec

import (
	"context"
	"image"
	"image/color"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"video-overlay/internal/av"
)

func requireFFmpeg(t *testing.T) *FFmpeg {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	ff := NewFFmpeg("ffmpeg", &av.FrameCounter{})
	if err := ff.Available(); err != nil {
		t.Skipf("ffmpeg not available: %v", err)
	}
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil || !strings.Contains(string(out), "libx264") {
		t.Skip("ffmpeg built without libx264")
	}
	return ff
}

type chunkRecorder struct {
	mu      sync.Mutex
	chunks  []av.EncodedChunk
	configs []*av.TrackConfig
	errs    []error
}

func (r *chunkRecorder) onChunk(chunk av.EncodedChunk, config *av.TrackConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	r.configs = append(r.configs, config)
}

func (r *chunkRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func solidFrame(w, h int, c color.RGBA, ts time.Duration, counter *av.FrameCounter) *av.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return av.NewFrame(img, ts, time.Second/30, counter)
}

func TestFFmpegRoundTrip(t *testing.T) {
	ff := requireFFmpeg(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const frames = 10
	rec := &chunkRecorder{}
	enc := ff.NewEncoder(rec.onChunk, rec.onError)
	defer enc.Close()

	if err := enc.Configure(EncoderConfig{Codec: "avc1", Width: 64, Height: 48, FrameRate: 30, KeyFrameInterval: 5}); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	for i := 0; i < frames; i++ {
		shade := uint8(i * 20)
		frame := solidFrame(64, 48, color.RGBA{shade, 128, 255 - shade, 255}, time.Duration(i)*time.Second/30, ff.counter)
		if err := enc.Encode(frame, EncodeOptions{KeyFrame: i == 0}); err != nil {
			t.Fatalf("Encode(%d) error: %v", i, err)
		}
	}
	if err := enc.Flush(ctx); err != nil {
		t.Fatalf("encoder Flush() error: %v", err)
	}

	if len(rec.errs) > 0 {
		t.Fatalf("encoder reported errors: %v", rec.errs)
	}
	if len(rec.chunks) != frames {
		t.Fatalf("got %d chunks, want %d", len(rec.chunks), frames)
	}
	if rec.configs[0] == nil {
		t.Fatal("first chunk carried no track config")
	}
	for i, cfg := range rec.configs[1:] {
		if cfg != nil {
			t.Errorf("chunk %d carried a track config", i+1)
		}
	}
	out := *rec.configs[0]
	if out.Width != 64 || out.Height != 48 || !out.IsH264() {
		t.Errorf("output config = %s %dx%d", out.Codec, out.Width, out.Height)
	}
	for i, chunk := range rec.chunks {
		wantKey := i%5 == 0
		if (chunk.Type == av.ChunkKey) != wantKey {
			t.Errorf("chunk %d type = %s, want key=%v", i, chunk.Type, wantKey)
		}
		if want := time.Duration(i) * time.Second / 30; chunk.Timestamp != want {
			t.Errorf("chunk %d timestamp = %v, want %v", i, chunk.Timestamp, want)
		}
	}

	var mu sync.Mutex
	var decoded []*av.Frame
	dec := ff.NewDecoder(func(f *av.Frame) {
		mu.Lock()
		decoded = append(decoded, f)
		mu.Unlock()
	}, func(err error) { t.Errorf("decoder error: %v", err) })
	defer dec.Close()

	if err := dec.Configure(out); err != nil {
		t.Fatalf("decoder Configure() error: %v", err)
	}
	for _, chunk := range rec.chunks {
		pkt := &av.Packet{
			Timestamp: chunk.Timestamp,
			Duration:  chunk.Duration,
			KeyFrame:  chunk.Type == av.ChunkKey,
			Data:      chunk.Data,
		}
		if err := dec.Decode(pkt); err != nil {
			t.Fatalf("Decode() error: %v", err)
		}
	}
	if err := dec.Flush(ctx); err != nil {
		t.Fatalf("decoder Flush() error: %v", err)
	}

	if len(decoded) != frames {
		t.Fatalf("decoded %d frames, want %d", len(decoded), frames)
	}
	for i := 1; i < len(decoded); i++ {
		if decoded[i-1].Timestamp > decoded[i].Timestamp {
			t.Errorf("timestamps not monotonic at %d: %v > %v", i, decoded[i-1].Timestamp, decoded[i].Timestamp)
		}
	}
	if decoded[0].Width() != 64 || decoded[0].Height() != 48 {
		t.Errorf("decoded frame is %dx%d, want 64x48", decoded[0].Width(), decoded[0].Height())
	}

	av.ReleaseAll(decoded)
	if live := ff.counter.Live(); live != 0 {
		t.Errorf("live frames = %d, want 0", live)
	}
	if ff.Running() != 0 {
		t.Errorf("Running() = %d after flush, want 0", ff.Running())
	}
}

func TestFFmpegCloseReleasesInFlightWork(t *testing.T) {
	ff := requireFFmpeg(t)

	enc := ff.NewEncoder(func(av.EncodedChunk, *av.TrackConfig) {}, nil)
	if err := enc.Configure(EncoderConfig{Codec: "avc1", Width: 64, Height: 48, FrameRate: 30}); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	for i := 0; i < 3; i++ {
		frame := solidFrame(64, 48, color.RGBA{A: 255}, time.Duration(i)*time.Second/30, ff.counter)
		if err := enc.Encode(frame, EncodeOptions{}); err != nil {
			t.Fatalf("Encode() error: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if live := ff.counter.Live(); live != 0 {
		t.Errorf("live frames = %d, want 0", live)
	}
	if ff.Running() != 0 {
		t.Errorf("Running() = %d after Close, want 0", ff.Running())
	}
}
