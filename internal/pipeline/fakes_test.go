package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"video-overlay/internal/av"
	"video-overlay/internal/codec"
	"video-overlay/internal/demux"
	"video-overlay/internal/mux"
	"video-overlay/internal/source"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xF4, 0x0A, 0x0F, 0xC8}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}

	errInjected = errors.New("injected failure")
)

const frameInterval = 40 * time.Millisecond

// fakeContainer serves n empty packets on one video track.
type fakeContainer struct {
	packets   int
	noTrack   bool
	noConfig  bool
	onPacket  func(n int)
	readError int // 1-based packet index whose read fails; 0 disables
}

func (c *fakeContainer) Open(ctx context.Context, src *source.Source) (demux.Container, error) {
	return c, nil
}

func (c *fakeContainer) track() *demux.Track {
	return &demux.Track{ID: 1, Kind: av.KindVideo, Codec: "avc1.42001E", Width: 32, Height: 32, Timescale: 90000}
}

func (c *fakeContainer) Tracks() []*demux.Track {
	if c.noTrack {
		return nil
	}
	return []*demux.Track{c.track()}
}

func (c *fakeContainer) PrimaryTrack(kind av.MediaKind) (*demux.Track, bool) {
	if c.noTrack || kind != av.KindVideo {
		return nil, false
	}
	return c.track(), true
}

func (c *fakeContainer) DecoderConfig(track *demux.Track) (*av.TrackConfig, bool) {
	if c.noConfig {
		return nil, false
	}
	cfg, err := av.H264Config(testSPS, testPPS)
	if err != nil {
		return nil, false
	}
	return &cfg, true
}

func (c *fakeContainer) PacketStats(track *demux.Track) demux.PacketStats {
	return demux.PacketStats{
		PacketCount:       c.packets,
		Duration:          time.Duration(c.packets) * frameInterval,
		AveragePacketRate: 25,
		AverageBitrate:    500_000,
	}
}

func (c *fakeContainer) Packets(track *demux.Track) (demux.PacketReader, error) {
	return &fakeReader{c: c}, nil
}

type fakeReader struct {
	c *fakeContainer
	n int
}

func (r *fakeReader) Next(ctx context.Context) (*av.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.n >= r.c.packets {
		return nil, io.EOF
	}
	r.n++
	if r.n == r.c.readError {
		return nil, errInjected
	}
	if r.c.onPacket != nil {
		r.c.onPacket(r.n)
	}
	ts := time.Duration(r.n-1) * frameInterval
	return &av.Packet{
		TrackID:         1,
		Timestamp:       ts,
		DecodeTimestamp: ts,
		Duration:        frameInterval,
		KeyFrame:        r.n == 1,
		Data:            []byte{0, 0, 0, 1, 0x65},
	}, nil
}

// fakeCodecs creates synchronous decoders and encoders that report into
// shared counters.
type fakeCodecs struct {
	counter *av.FrameCounter

	// decoder behavior
	hold          int // frames held back until later packets or Flush
	decodeFailAt  int // 1-based packet whose Decode returns an error
	asyncFailAt   int // 1-based packet that reports through onError
	decoderCloses int

	// encoder behavior
	encodeFailAt      int  // 1-based frame whose Encode returns an error
	asyncEncodeFailAt int  // 1-based frame that reports through onError
	rejectConfig      bool // Configure refuses every configuration
	noConfig          bool // first chunk without the output config

	mu              sync.Mutex
	encoderConfigs  []codec.EncoderConfig
	encodedKeyHints []bool
	encodedTimes    []time.Duration
}

func (f *fakeCodecs) NewDecoder(onFrame codec.FrameFunc, onError codec.ErrorFunc) codec.Decoder {
	return &fakeDecoder{f: f, onFrame: onFrame, onError: onError}
}

func (f *fakeCodecs) NewEncoder(onChunk codec.ChunkFunc, onError codec.ErrorFunc) codec.Encoder {
	return &fakeEncoder{f: f, onChunk: onChunk, onError: onError}
}

func (f *fakeCodecs) encoded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.encodedTimes...)
}

type fakeDecoder struct {
	f       *fakeCodecs
	onFrame codec.FrameFunc
	onError codec.ErrorFunc

	mu      sync.Mutex
	n       int
	pending []*av.Frame
	closed  bool
}

func (d *fakeDecoder) Configure(config av.TrackConfig) error {
	if !config.IsH264() {
		return codec.ErrUnsupportedConfig
	}
	return nil
}

func (d *fakeDecoder) Decode(pkt *av.Packet) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return codec.ErrClosed
	}
	d.n++
	n := d.n
	if n == d.f.decodeFailAt {
		d.mu.Unlock()
		return errInjected
	}
	if n == d.f.asyncFailAt {
		d.mu.Unlock()
		d.onError(errInjected)
		return nil
	}

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	d.pending = append(d.pending, av.NewFrame(img, pkt.Timestamp, pkt.Duration, d.f.counter))
	var ready []*av.Frame
	for len(d.pending) > d.f.hold {
		ready = append(ready, d.pending[0])
		d.pending = d.pending[1:]
	}
	d.mu.Unlock()

	for _, frame := range ready {
		d.onFrame(frame)
	}
	return nil
}

func (d *fakeDecoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	ready := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, frame := range ready {
		d.onFrame(frame)
	}
	return nil
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	av.ReleaseAll(d.pending)
	d.pending = nil

	d.f.mu.Lock()
	d.f.decoderCloses++
	d.f.mu.Unlock()
	return nil
}

type fakeEncoder struct {
	f       *fakeCodecs
	onChunk codec.ChunkFunc
	onError codec.ErrorFunc

	mu     sync.Mutex
	config *codec.EncoderConfig
	n      int
	closed bool
}

func (e *fakeEncoder) Configure(config codec.EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f.rejectConfig {
		return codec.ErrUnsupportedConfig
	}
	if e.config != nil {
		if *e.config == config {
			return nil
		}
		return codec.ErrAlreadyConfigured
	}
	e.config = &config

	e.f.mu.Lock()
	e.f.encoderConfigs = append(e.f.encoderConfigs, config)
	e.f.mu.Unlock()
	return nil
}

func (e *fakeEncoder) Encode(frame *av.Frame, opts codec.EncodeOptions) error {
	defer frame.Release()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return codec.ErrClosed
	}
	e.n++
	n := e.n
	e.mu.Unlock()

	if n == e.f.encodeFailAt {
		return errInjected
	}
	if n == e.f.asyncEncodeFailAt {
		e.onError(errInjected)
		return nil
	}

	e.f.mu.Lock()
	e.f.encodedKeyHints = append(e.f.encodedKeyHints, opts.KeyFrame)
	e.f.encodedTimes = append(e.f.encodedTimes, frame.Timestamp)
	e.f.mu.Unlock()

	chunk := av.EncodedChunk{
		Timestamp: frame.Timestamp,
		Duration:  frame.Duration,
		Type:      av.ChunkDelta,
		Data:      []byte{0, 0, 0, 2, 0x41, byte(n)},
	}
	if opts.KeyFrame {
		chunk.Type = av.ChunkKey
	}

	var cfg *av.TrackConfig
	if n == 1 && !e.f.noConfig {
		out, err := av.H264Config(testSPS, testPPS)
		if err != nil {
			return err
		}
		cfg = &out
	}
	e.onChunk(chunk, cfg)
	return nil
}

func (e *fakeEncoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return codec.ErrClosed
	}
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// failingTransform passes frames through until frame failAt, which it
// rejects without consuming.
type failingTransform struct {
	failAt int
	n      int
}

func (t *failingTransform) Transform(frame *av.Frame) (*av.Frame, error) {
	t.n++
	if t.n == t.failAt {
		return nil, errInjected
	}
	return frame, nil
}

func (t *failingTransform) OutputSize(srcW, srcH int) (int, int) { return srcW, srcH }

// recordingMuxer wraps the real fragmented MP4 writer and records how the
// track was used.
type recordingMuxer struct {
	*mux.FMP4

	mu         sync.Mutex
	configAt   []int
	times      []time.Duration
	finalizeNs int
}

func newRecordingMuxer() *recordingMuxer {
	return &recordingMuxer{FMP4: mux.NewFMP4()}
}

func (m *recordingMuxer) AddTrack(codecName string) (mux.TrackSink, error) {
	sink, err := m.FMP4.AddTrack(codecName)
	if err != nil {
		return nil, err
	}
	return &recordingSink{TrackSink: sink, m: m}, nil
}

func (m *recordingMuxer) Finalize() ([]byte, error) {
	m.mu.Lock()
	m.finalizeNs++
	m.mu.Unlock()
	return m.FMP4.Finalize()
}

func (m *recordingMuxer) finalizeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeNs
}

type recordingSink struct {
	mux.TrackSink
	m *recordingMuxer
	n int
}

func (s *recordingSink) Add(chunk av.EncodedChunk, config *av.TrackConfig) error {
	s.m.mu.Lock()
	if config != nil {
		s.m.configAt = append(s.m.configAt, s.n)
	}
	s.m.times = append(s.m.times, chunk.Timestamp)
	s.n++
	s.m.mu.Unlock()
	return s.TrackSink.Add(chunk, config)
}
