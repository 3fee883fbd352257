package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"video-overlay/internal/av"
	"video-overlay/internal/codec"
	"video-overlay/internal/demux"
	"video-overlay/internal/logging"
	"video-overlay/internal/metrics"
	"video-overlay/internal/mux"
	"video-overlay/internal/overlay"
	"video-overlay/internal/source"
)

const (
	// DefaultBatchSize is the number of transformed frames buffered before
	// they are handed to the encoder.
	DefaultBatchSize = 5
	// DefaultCodec is the requested output codec. The produced stream's
	// actual codec string comes from its SPS.
	DefaultCodec = "avc1.64002A"
	// DefaultFrameRate is used when the source packet rate is unknown.
	DefaultFrameRate = 30.0

	startPercent = 5
)

var log = logging.Component("pipeline")

// SourceOpener resolves a source reference. source.Opener implements it.
type SourceOpener interface {
	Open(ctx context.Context, ref string) (*source.Source, error)
}

// Config tunes a pipeline run.
type Config struct {
	BatchSize        int
	Codec            string
	Bitrate          int // bits per second; 0 uses the source bitrate
	KeyFrameInterval int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Codec == "" {
		c.Codec = DefaultCodec
	}
	if c.KeyFrameInterval <= 0 {
		c.KeyFrameInterval = codec.DefaultKeyFrameInterval
	}
	return c
}

// Progress is reported on every state transition and after every batch.
type Progress struct {
	State         State
	Percent       int
	FramesDecoded int
	FramesEncoded int
	ChunksMuxed   int
}

// Result describes a completed run.
type Result struct {
	Output        []byte
	Track         av.TrackConfig // output track configuration
	FramesDecoded int
	FramesEncoded int
	ChunksMuxed   int
	Batches       []int // size of each batch drained into the encoder
	Duration      time.Duration
}

// Coordinator wires demux, decode, transform, encode and mux for single
// runs. Every Run gets its own codec instances, buffer and muxer. The
// Transformer is shared by runs and must tolerate concurrent use if runs
// overlap.
type Coordinator struct {
	Sources    SourceOpener
	Demuxer    demux.Opener
	Codecs     codec.Factory
	Transform  overlay.Transformer
	NewMuxer   func() mux.Muxer
	Config     Config
	OnProgress func(Progress)
}

// Run opens ref and transcodes it. On success the result holds the whole
// output file; on failure no output exists and every frame has been
// released before the error is returned.
func (c *Coordinator) Run(ctx context.Context, ref string) (*Result, error) {
	if c.Sources == nil {
		return nil, errors.New("pipeline has no source opener")
	}

	r := c.newRun()
	return r.execute(ctx, func() (*source.Source, error) {
		return c.Sources.Open(ctx, ref)
	})
}

// RunSource transcodes an already opened source. The source is closed
// when the run ends.
func (c *Coordinator) RunSource(ctx context.Context, src *source.Source) (*Result, error) {
	r := c.newRun()
	return r.execute(ctx, func() (*source.Source, error) { return src, nil })
}

func (c *Coordinator) newRun() *run {
	transform := c.Transform
	if transform == nil {
		transform = overlay.Identity{}
	}
	newMuxer := c.NewMuxer
	if newMuxer == nil {
		newMuxer = func() mux.Muxer { return mux.NewFMP4() }
	}
	return &run{
		cfg:        c.Config.withDefaults(),
		demuxer:    c.Demuxer,
		codecs:     c.Codecs,
		transform:  transform,
		newMuxer:   newMuxer,
		onProgress: c.OnProgress,
		failed:     make(chan struct{}),
	}
}

// run is the state of one pipeline execution.
type run struct {
	cfg        Config
	demuxer    demux.Opener
	codecs     codec.Factory
	transform  overlay.Transformer
	newMuxer   func() mux.Muxer
	onProgress func(Progress)

	// mu guards the batch buffer, the counters that drive progress, the
	// state and the codec handles. Decoder callbacks take it.
	mu       sync.Mutex
	state    State
	buffer   []*av.Frame
	stopped  bool
	decoder  codec.Decoder
	encoder  codec.Encoder
	decoded  int
	encoded  int
	total    int
	batches  []int
	keyEvery int

	// muxMu serializes encoder callbacks into the output track. It is
	// never held together with mu.
	muxMu     sync.Mutex
	muxer     mux.Muxer
	track     mux.TrackSink
	outConfig av.TrackConfig
	chunks    atomic.Int64

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

func (r *run) execute(ctx context.Context, open func() (*source.Source, error)) (*Result, error) {
	start := time.Now()
	metrics.PipelineRunsInProgress.Inc()
	defer metrics.PipelineRunsInProgress.Dec()

	if r.demuxer == nil || r.codecs == nil {
		return nil, errors.New("pipeline is missing a demuxer or codec factory")
	}

	aborted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(aborted)
		r.fail(context.Cause(ctx))
		r.closeCodecs()
	})

	out, err := r.stream(ctx, open)
	if !stop() {
		<-aborted
	}
	released := r.shutdown()

	if err == nil {
		err = r.failure()
	}
	if err != nil {
		failedIn := r.currentState()
		r.transition(StateFailed)
		result := "failed"
		if isCancellation(err) {
			result = "cancelled"
			log.Info("Run cancelled after %d frames", r.encodedFrames())
		} else {
			metrics.PipelineErrors.WithLabelValues(KindLabel(err)).Inc()
			log.Error("Run failed in state %s: %v (released %d buffered frames)", failedIn, err, released)
		}
		metrics.PipelineRunsTotal.WithLabelValues(result).Inc()
		metrics.PipelineRunDuration.Observe(time.Since(start).Seconds())
		return nil, err
	}

	res := r.result(out, time.Since(start))
	r.transition(StateComplete)
	metrics.PipelineRunsTotal.WithLabelValues("complete").Inc()
	metrics.PipelineRunDuration.Observe(res.Duration.Seconds())
	log.Info("Run complete: %d frames, %d chunks, %d bytes in %v", res.FramesEncoded, res.ChunksMuxed, len(res.Output), res.Duration)
	return res, nil
}

// stream drives the run up to a finalized output. Any error it returns
// has already been classified.
func (r *run) stream(ctx context.Context, open func() (*source.Source, error)) ([]byte, error) {
	if err := r.transition(StateConfiguring); err != nil {
		return nil, err
	}

	src, err := open()
	if err != nil {
		return nil, r.classify(ctx, ErrSourceUnavailable, "open source", err)
	}
	defer src.Close()

	container, err := r.demuxer.Open(ctx, src)
	if err != nil {
		return nil, r.classify(ctx, ErrSourceUnavailable, "demux", err)
	}

	track, ok := container.PrimaryTrack(av.KindVideo)
	if !ok {
		return nil, NewError(ErrNoTrackFound, "demux", fmt.Errorf("%s has %d tracks, none usable as video", src.Name, len(container.Tracks())))
	}
	inConfig, ok := container.DecoderConfig(track)
	if !ok || inConfig == nil {
		return nil, NewError(ErrDecoderConfigMissing, "demux", fmt.Errorf("track %d (%s)", track.ID, track.Codec))
	}
	stats := container.PacketStats(track)

	if err := r.configure(*inConfig, stats); err != nil {
		return nil, err
	}

	packets, err := container.Packets(track)
	if err != nil {
		return nil, NewError(ErrSourceUnavailable, "demux", err)
	}

	if err := r.transition(StateStreaming); err != nil {
		return nil, err
	}
	if err := r.feed(ctx, packets); err != nil {
		return nil, err
	}

	if err := r.transition(StateDraining); err != nil {
		return nil, err
	}
	if err := r.drain(ctx); err != nil {
		return nil, err
	}

	if err := r.transition(StateFinalizing); err != nil {
		return nil, err
	}
	r.muxMu.Lock()
	defer r.muxMu.Unlock()
	out, err := r.muxer.Finalize()
	if err != nil {
		return nil, NewError(ErrMuxFailure, "finalize", err)
	}
	return out, nil
}

func (r *run) configure(in av.TrackConfig, stats demux.PacketStats) error {
	decoder := r.codecs.NewDecoder(r.onFrame, func(err error) {
		r.fail(NewError(ErrDecodeFailure, "decode", err))
	})
	encoder := r.codecs.NewEncoder(r.onChunk, func(err error) {
		r.fail(NewError(ErrEncodeFailure, "encode", err))
	})

	r.mu.Lock()
	r.decoder = decoder
	r.encoder = encoder
	r.total = stats.PacketCount
	r.keyEvery = r.cfg.KeyFrameInterval
	r.mu.Unlock()

	if err := decoder.Configure(in); err != nil {
		return NewError(ErrDecodeFailure, "configure decoder", err)
	}

	width, height := r.transform.OutputSize(in.Width, in.Height)
	frameRate := stats.AveragePacketRate
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	bitrate := r.cfg.Bitrate
	if bitrate <= 0 {
		bitrate = int(stats.AverageBitrate)
	}
	encConfig := codec.EncoderConfig{
		Codec:            r.cfg.Codec,
		Width:            width,
		Height:           height,
		FrameRate:        frameRate,
		Bitrate:          bitrate,
		KeyFrameInterval: r.cfg.KeyFrameInterval,
	}
	if err := encoder.Configure(encConfig); err != nil {
		return NewError(ErrEncodeFailure, "configure encoder", err)
	}

	muxer := r.newMuxer()
	sink, err := muxer.AddTrack(encConfig.Codec)
	if err != nil {
		return NewError(ErrMuxFailure, "add track", err)
	}
	if err := muxer.Start(); err != nil {
		return NewError(ErrMuxFailure, "start", err)
	}
	r.muxMu.Lock()
	r.muxer = muxer
	r.track = sink
	r.muxMu.Unlock()

	log.Debug("Configured %s %dx%d -> %s %dx%d @ %.3f fps, %d packets, batch %d",
		in.Codec, in.Width, in.Height, encConfig.Codec, width, height, frameRate, stats.PacketCount, r.cfg.BatchSize)
	return nil
}

// feed submits packets in source order until the demuxer is exhausted.
func (r *run) feed(ctx context.Context, packets demux.PacketReader) error {
	for n := 0; ; n++ {
		if err := r.failure(); err != nil {
			return err
		}

		pkt, err := packets.Next(ctx)
		if errors.Is(err, io.EOF) {
			log.Debug("Demuxer exhausted after %d packets", n)
			return nil
		}
		if err != nil {
			return r.classify(ctx, ErrSourceUnavailable, "read packet", err)
		}

		if err := r.decoder.Decode(pkt); err != nil {
			if failure := r.failure(); failure != nil {
				return failure
			}
			return NewError(ErrDecodeFailure, "decode", fmt.Errorf("packet %d at %v: %w", n, pkt.Timestamp, err))
		}
	}
}

// drain flushes the decoder, submits the final partial batch and flushes
// the encoder. The buffer is empty when it returns without error.
func (r *run) drain(ctx context.Context) error {
	if err := r.decoder.Flush(ctx); err != nil {
		return r.classify(ctx, ErrDecodeFailure, "flush decoder", err)
	}
	if err := r.failure(); err != nil {
		return err
	}

	r.mu.Lock()
	r.drainLocked()
	r.mu.Unlock()
	if err := r.failure(); err != nil {
		return err
	}

	if err := r.encoder.Flush(ctx); err != nil {
		return r.classify(ctx, ErrEncodeFailure, "flush encoder", err)
	}
	return r.failure()
}

// onFrame receives decoded frames. It owns frame from the moment it is
// called.
func (r *run) onFrame(frame *av.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.failure() != nil {
		_ = frame.Release()
		return
	}

	r.decoded++
	metrics.PipelineFramesDecoded.Inc()

	out, err := r.transform.Transform(frame)
	if err != nil {
		if !frame.Released() {
			_ = frame.Release()
		}
		r.fail(NewError(ErrTransformFailure, "transform", fmt.Errorf("frame at %v: %w", frame.Timestamp, err)))
		return
	}

	r.buffer = append(r.buffer, out)
	metrics.PipelineBufferedFrames.Inc()
	if len(r.buffer) >= r.cfg.BatchSize {
		r.drainLocked()
	}
}

// drainLocked hands the buffer to the encoder in arrival order. Frames not
// yet submitted when an error occurs stay in the buffer for shutdown to
// release.
func (r *run) drainLocked() {
	if len(r.buffer) == 0 {
		return
	}

	size := len(r.buffer)
	for len(r.buffer) > 0 {
		frame := r.buffer[0]
		r.buffer[0] = nil
		r.buffer = r.buffer[1:]
		metrics.PipelineBufferedFrames.Dec()

		opts := codec.EncodeOptions{KeyFrame: r.encoded%r.keyEvery == 0}
		if err := r.encoder.Encode(frame, opts); err != nil {
			r.fail(NewError(ErrEncodeFailure, "encode", fmt.Errorf("frame %d: %w", r.encoded, err)))
			return
		}
		r.encoded++
		metrics.PipelineFramesEncoded.Inc()
	}
	r.buffer = make([]*av.Frame, 0, r.cfg.BatchSize)

	r.batches = append(r.batches, size)
	metrics.PipelineBatchSize.Observe(float64(size))
	r.reportLocked()
}

// onChunk forwards encoded chunks to the output track. The first chunk
// initializes the track with the encoder's output configuration.
func (r *run) onChunk(chunk av.EncodedChunk, config *av.TrackConfig) {
	r.muxMu.Lock()
	defer r.muxMu.Unlock()

	if r.failure() != nil || r.track == nil {
		return
	}

	if config != nil {
		if r.track.State() != mux.TrackUninitialized {
			r.fail(NewError(ErrMuxFailure, "mux", fmt.Errorf("%w: second output config at %v", mux.ErrTrackAlreadyInitialized, chunk.Timestamp)))
			return
		}
		r.outConfig = *config
		log.Debug("Output track: %s %dx%d", config.Codec, config.Width, config.Height)
	}

	if err := r.track.Add(chunk, config); err != nil {
		r.fail(NewError(ErrMuxFailure, "mux", fmt.Errorf("chunk at %v: %w", chunk.Timestamp, err)))
		return
	}
	r.chunks.Add(1)
	metrics.PipelineChunksMuxed.Inc()
}

// fail records the first failure. It never blocks and may be called from
// any goroutine, including codec callbacks.
func (r *run) fail(err error) {
	r.failOnce.Do(func() {
		r.err = err
		close(r.failed)
	})
}

func (r *run) failure() error {
	select {
	case <-r.failed:
		return r.err
	default:
		return nil
	}
}

// classify wraps err with kind unless the run was cancelled, in which case
// the cancellation cause is returned.
func (r *run) classify(ctx context.Context, kind error, stage string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if failure := r.failure(); failure != nil {
		return failure
	}
	return NewError(kind, stage, err)
}

// closeCodecs releases in-flight frames held by the codecs. Safe to call
// more than once.
func (r *run) closeCodecs() {
	r.mu.Lock()
	decoder, encoder := r.decoder, r.encoder
	r.mu.Unlock()

	if decoder != nil {
		if err := decoder.Close(); err != nil {
			log.Warn("Failed to close decoder: %v", err)
		}
	}
	if encoder != nil {
		if err := encoder.Close(); err != nil {
			log.Warn("Failed to close encoder: %v", err)
		}
	}
}

// shutdown releases buffered frames and closes the codecs. Frames that
// arrive afterwards are released on delivery.
func (r *run) shutdown() int {
	r.mu.Lock()
	r.stopped = true
	released := av.ReleaseAll(r.buffer)
	metrics.PipelineBufferedFrames.Sub(float64(len(r.buffer)))
	r.buffer = nil
	r.mu.Unlock()

	r.closeCodecs()
	return released
}

func (r *run) transition(to State) error {
	r.mu.Lock()
	from := r.state
	if !CanTransition(from, to) {
		r.mu.Unlock()
		if to == StateFailed {
			return nil
		}
		return fmt.Errorf("illegal pipeline transition %s -> %s", from, to)
	}
	r.state = to
	r.reportLocked()
	r.mu.Unlock()

	metrics.PipelineStateTransitions.WithLabelValues(to.String()).Inc()
	log.Debug("State %s -> %s", from, to)
	return nil
}

func (r *run) reportLocked() {
	if r.onProgress == nil {
		return
	}
	r.onProgress(Progress{
		State:         r.state,
		Percent:       r.percentLocked(),
		FramesDecoded: r.decoded,
		FramesEncoded: r.encoded,
		ChunksMuxed:   int(r.chunks.Load()),
	})
}

func (r *run) percentLocked() int {
	switch r.state {
	case StateIdle, StateConfiguring:
		return 0
	case StateComplete:
		return 100
	}
	if r.total <= 0 {
		return startPercent
	}
	p := startPercent + (100-2*startPercent)*r.encoded/r.total
	if p > 100-startPercent {
		p = 100 - startPercent
	}
	return p
}

func (r *run) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) encodedFrames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.encoded
}

func (r *run) result(out []byte, elapsed time.Duration) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Result{
		Output:        out,
		Track:         r.outConfig,
		FramesDecoded: r.decoded,
		FramesEncoded: r.encoded,
		ChunksMuxed:   int(r.chunks.Load()),
		Batches:       append([]int(nil), r.batches...),
		Duration:      elapsed,
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
