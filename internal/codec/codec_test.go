package codec

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"video-overlay/internal/av"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEncoderConfigValidate(t *testing.T) {
	valid := EncoderConfig{Codec: "avc1.64002A", Width: 1280, Height: 720, FrameRate: 30}

	tests := []struct {
		name    string
		modify  func(*EncoderConfig)
		wantErr bool
	}{
		{"valid", func(*EncoderConfig) {}, false},
		{"h264 alias", func(c *EncoderConfig) { c.Codec = "h264" }, false},
		{"vp9", func(c *EncoderConfig) { c.Codec = "vp09.00.10.08" }, true},
		{"odd width", func(c *EncoderConfig) { c.Width = 1279 }, true},
		{"zero height", func(c *EncoderConfig) { c.Height = 0 }, true},
		{"too large", func(c *EncoderConfig) { c.Width = 16384 }, true},
		{"zero frame rate", func(c *EncoderConfig) { c.FrameRate = 0 }, true},
		{"absurd frame rate", func(c *EncoderConfig) { c.FrameRate = 1000 }, true},
		{"negative bitrate", func(c *EncoderConfig) { c.Bitrate = -1 }, true},
		{"negative interval", func(c *EncoderConfig) { c.KeyFrameInterval = -5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			_, err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsupportedConfig) {
				t.Errorf("Validate() error = %v, want ErrUnsupportedConfig", err)
			}
		})
	}
}

func TestEncoderConfigDefaultsKeyFrameInterval(t *testing.T) {
	cfg, err := EncoderConfig{Codec: "avc1", Width: 2, Height: 2, FrameRate: 25}.Validate()
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.KeyFrameInterval != DefaultKeyFrameInterval {
		t.Errorf("KeyFrameInterval = %d, want %d", cfg.KeyFrameInterval, DefaultKeyFrameInterval)
	}
}

func TestEncoderArgsFixKeyFrameCadence(t *testing.T) {
	args := encoderArgs(EncoderConfig{Codec: "avc1", Width: 4, Height: 2, FrameRate: 25, KeyFrameInterval: 12})
	flags := make(map[string]string)
	for i := 0; i+1 < len(args); i++ {
		if args[i][0] == '-' {
			flags[args[i]] = args[i+1]
		}
	}
	want := map[string]string{"-g": "12", "-keyint_min": "12", "-sc_threshold": "0", "-bf": "0"}
	for flag, v := range want {
		if flags[flag] != v {
			t.Errorf("%s = %q, want %q", flag, flags[flag], v)
		}
	}
}

func TestKeyFrameDue(t *testing.T) {
	tests := []struct {
		frame    int64
		interval int
		want     bool
	}{
		{0, 30, true},
		{1, 30, false},
		{29, 30, false},
		{30, 30, true},
		{60, 30, true},
		{5, 1, true},
	}
	for _, tt := range tests {
		if got := keyFrameDue(tt.frame, tt.interval); got != tt.want {
			t.Errorf("keyFrameDue(%d, %d) = %v, want %v", tt.frame, tt.interval, got, tt.want)
		}
	}
}

func TestEncoderConfigureIsIdempotent(t *testing.T) {
	enc := NewFFmpeg("ffmpeg", nil).NewEncoder(func(av.EncodedChunk, *av.TrackConfig) {}, nil)
	defer enc.Close()

	cfg := EncoderConfig{Codec: "avc1", Width: 64, Height: 48, FrameRate: 30, KeyFrameInterval: 10}
	if err := enc.Configure(cfg); err != nil {
		t.Fatalf("first Configure() error: %v", err)
	}
	if err := enc.Configure(cfg); err != nil {
		t.Errorf("identical Configure() error: %v", err)
	}

	other := cfg
	other.Width = 128
	if err := enc.Configure(other); !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("different Configure() = %v, want ErrAlreadyConfigured", err)
	}
}

func TestDecoderConfigure(t *testing.T) {
	cfg, err := av.H264Config(testSPS, testPPS)
	if err != nil {
		t.Fatalf("H264Config() error: %v", err)
	}

	dec := NewFFmpeg("ffmpeg", nil).NewDecoder(func(f *av.Frame) { _ = f.Release() }, nil)
	defer dec.Close()

	if err := dec.Configure(cfg); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if err := dec.Configure(cfg); err != nil {
		t.Errorf("identical Configure() error: %v", err)
	}

	other := cfg
	other.Width = 640
	if err := dec.Configure(other); !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("different Configure() = %v, want ErrAlreadyConfigured", err)
	}
}

func TestDecoderRejectsUnusableConfig(t *testing.T) {
	tests := []struct {
		name   string
		config av.TrackConfig
	}{
		{"hevc", av.TrackConfig{Codec: "hvc1.1.6.L93.B0", Width: 640, Height: 360}},
		{"no parameter sets", av.TrackConfig{Codec: "avc1.42001E", Width: 640, Height: 360}},
		{"no size", av.TrackConfig{Codec: "avc1.42001E", SPS: testSPS, PPS: testPPS}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewFFmpeg("ffmpeg", nil).NewDecoder(nil, nil)
			if err := dec.Configure(tt.config); !errors.Is(err, ErrUnsupportedConfig) {
				t.Errorf("Configure() = %v, want ErrUnsupportedConfig", err)
			}
		})
	}
}

func TestSubmitBeforeConfigure(t *testing.T) {
	counter := &av.FrameCounter{}
	ff := NewFFmpeg("ffmpeg", counter)

	enc := ff.NewEncoder(nil, nil)
	frame := av.NewFrame(image.NewRGBA(image.Rect(0, 0, 4, 4)), 0, time.Millisecond, counter)
	if err := enc.Encode(frame, EncodeOptions{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Encode() = %v, want ErrNotConfigured", err)
	}
	if !frame.Released() {
		t.Error("Encode() did not release a rejected frame")
	}

	dec := ff.NewDecoder(nil, nil)
	if err := dec.Decode(&av.Packet{Data: []byte{0, 0, 0, 1, 0x65}}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Decode() = %v, want ErrNotConfigured", err)
	}

	if counter.Live() != 0 {
		t.Errorf("live frames = %d, want 0", counter.Live())
	}
}

func TestFlushWithoutDataAndClose(t *testing.T) {
	ff := NewFFmpeg("ffmpeg", nil)
	enc := ff.NewEncoder(nil, nil)
	if err := enc.Configure(EncoderConfig{Codec: "avc1", Width: 64, Height: 48, FrameRate: 30}); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if err := enc.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error: %v", err)
	}

	frame := av.NewFrame(image.NewRGBA(image.Rect(0, 0, 64, 48)), 0, 0, nil)
	if err := enc.Encode(frame, EncodeOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Encode() after Flush = %v, want ErrClosed", err)
	}
	if err := enc.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if err := enc.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush() after Close = %v, want ErrClosed", err)
	}
	if ff.Running() != 0 {
		t.Errorf("Running() = %d, want 0", ff.Running())
	}
}

func TestPresentationQueueOrdersByTimestamp(t *testing.T) {
	var q presentationQueue
	for _, ms := range []int{0, 100, 33, 66} {
		q.push(timing{timestamp: time.Duration(ms) * time.Millisecond})
	}

	var got []time.Duration
	for {
		next, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, next.timestamp)
	}

	want := []time.Duration{0, 33 * time.Millisecond, 66 * time.Millisecond, 100 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("popped %d timings, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSubmissionQueueKeepsOrder(t *testing.T) {
	var q submissionQueue
	q.push(timing{timestamp: 2})
	q.push(timing{timestamp: 1})

	if first, _ := q.pop(); first.timestamp != 2 {
		t.Errorf("first pop = %v, want 2", first.timestamp)
	}
	if q.len() != 1 {
		t.Errorf("len() = %d, want 1", q.len())
	}
	if second, _ := q.pop(); second.timestamp != 1 {
		t.Errorf("second pop = %v, want 1", second.timestamp)
	}
	if _, ok := q.pop(); ok {
		t.Error("pop on empty queue succeeded")
	}
}
