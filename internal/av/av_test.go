package av

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"
)

// Baseline profile, level 3.0, 320x240, no cropping, no VUI.
var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xF4, 0x0A, 0x0F, 0xC8}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func TestFrameReleaseOnce(t *testing.T) {
	counter := &FrameCounter{}
	f := NewFrame(image.NewRGBA(image.Rect(0, 0, 4, 4)), time.Second, 33*time.Millisecond, counter)

	if counter.Live() != 1 {
		t.Fatalf("Live() = %d, want 1", counter.Live())
	}
	if err := f.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if !f.Released() {
		t.Error("Released() = false after Release")
	}
	if err := f.Release(); !errors.Is(err, ErrFrameReleased) {
		t.Errorf("second Release() error = %v, want ErrFrameReleased", err)
	}
	if counter.Live() != 0 {
		t.Errorf("Live() = %d, want 0", counter.Live())
	}
	if counter.DoubleReleases() != 1 {
		t.Errorf("DoubleReleases() = %d, want 1", counter.DoubleReleases())
	}
}

func TestFrameClone(t *testing.T) {
	counter := &FrameCounter{}
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	f := NewFrame(img, 40*time.Millisecond, 20*time.Millisecond, counter)

	c := f.Clone()
	if c.Timestamp != f.Timestamp || c.Duration != f.Duration {
		t.Errorf("clone timing = (%v, %v), want (%v, %v)", c.Timestamp, c.Duration, f.Timestamp, f.Duration)
	}
	if !bytes.Equal(c.Image.Pix, f.Image.Pix) {
		t.Error("clone pixels differ from source")
	}

	c.Image.Set(0, 0, color.RGBA{G: 255, A: 255})
	if bytes.Equal(c.Image.Pix, f.Image.Pix) {
		t.Error("clone shares pixel memory with source")
	}

	if counter.Live() != 2 {
		t.Errorf("Live() = %d, want 2", counter.Live())
	}
	if n := ReleaseAll([]*Frame{f, nil, c, f}); n != 2 {
		t.Errorf("ReleaseAll() = %d, want 2", n)
	}
	if counter.Live() != 0 {
		t.Errorf("Live() = %d after ReleaseAll, want 0", counter.Live())
	}
}

func TestNilCounterIsSafe(t *testing.T) {
	var counter *FrameCounter
	f := NewFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)), 0, 0, counter)
	if err := f.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if counter.Live() != 0 || counter.Acquired() != 0 {
		t.Error("nil counter should report zero")
	}
}

func TestH264Config(t *testing.T) {
	cfg, err := H264Config(testSPS, testPPS)
	if err != nil {
		t.Fatalf("H264Config() error = %v", err)
	}

	if cfg.Codec != "avc1.42001E" {
		t.Errorf("Codec = %q, want avc1.42001E", cfg.Codec)
	}
	if cfg.Width != 320 || cfg.Height != 240 {
		t.Errorf("dimensions = %dx%d, want 320x240", cfg.Width, cfg.Height)
	}
	if !cfg.IsH264() {
		t.Error("IsH264() = false")
	}

	sps, pps, err := ParseAVCDecoderConfigurationRecord(cfg.Description)
	if err != nil {
		t.Fatalf("ParseAVCDecoderConfigurationRecord() error = %v", err)
	}
	if !bytes.Equal(sps, testSPS) || !bytes.Equal(pps, testPPS) {
		t.Errorf("round trip mismatch: sps=%x pps=%x", sps, pps)
	}
}

func TestH264ConfigMissingParameterSets(t *testing.T) {
	tests := []struct {
		name string
		sps  []byte
		pps  []byte
	}{
		{name: "no sps", sps: nil, pps: testPPS},
		{name: "short sps", sps: []byte{0x67, 0x42}, pps: testPPS},
		{name: "no pps", sps: testSPS, pps: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := H264Config(tt.sps, tt.pps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseAVCDecoderConfigurationRecordInvalid(t *testing.T) {
	tests := []struct {
		name string
		desc []byte
	}{
		{name: "empty", desc: nil},
		{name: "wrong version", desc: []byte{0, 0x42, 0, 0x1E, 0xFF, 0xE1, 0, 0}},
		{name: "truncated sps", desc: []byte{1, 0x42, 0, 0x1E, 0xFF, 0xE1, 0, 10, 0x67}},
		{name: "missing pps", desc: append([]byte{1, 0x42, 0, 0x1E, 0xFF, 0xE1, 0, 8}, testSPS...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseAVCDecoderConfigurationRecord(tt.desc); !errors.Is(err, ErrInvalidDescription) {
				t.Errorf("error = %v, want ErrInvalidDescription", err)
			}
		})
	}
}

func TestTrackConfigEqual(t *testing.T) {
	a := TrackConfig{Codec: "avc1.42001E", Width: 320, Height: 240, SPS: testSPS, PPS: testPPS}
	b := a
	if !a.Equal(b) {
		t.Error("identical configs should be equal")
	}
	b.Width = 640
	if a.Equal(b) {
		t.Error("configs with different width should differ")
	}
}
