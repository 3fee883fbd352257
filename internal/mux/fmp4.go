package mux

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"video-overlay/internal/av"
	"video-overlay/internal/logging"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// Timescale is the media timescale of written video tracks.
const Timescale = 90000

var log = logging.Component("mux")

// FMP4 writes a single H.264 track as fragmented MP4. A fragment is cut at
// every key frame. The init segment is written when the track is
// initialized by its first chunk.
type FMP4 struct {
	mu        sync.Mutex
	out       bytes.Buffer
	track     *fmp4Track
	started   bool
	finalized bool
	sequence  uint32
	stats     Stats
}

// NewFMP4 returns an empty muxer.
func NewFMP4() *FMP4 {
	return &FMP4{}
}

type fmp4Track struct {
	m      *FMP4
	id     int
	codec  string
	state  TrackState
	config av.TrackConfig

	origin   time.Duration // timestamp of the first chunk
	partBase uint64        // decode time of the first sample in samples
	samples  []*fmp4.Sample
	held     *fmp4.Sample // last sample, waiting for the next timestamp
	heldAt   uint64
	heldDur  time.Duration
}

// AddTrack registers the output track. Only H.264 is supported.
func (m *FMP4) AddTrack(codec string) (TrackSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.finalized:
		return nil, ErrFinalized
	case m.started:
		return nil, ErrAlreadyStarted
	case m.track != nil:
		return nil, ErrTrackExists
	}
	if !isH264(codec) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}

	m.track = &fmp4Track{m: m, id: 1, codec: codec}
	return m.track, nil
}

// Start ends track registration.
func (m *FMP4) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.finalized:
		return ErrFinalized
	case m.started:
		return ErrAlreadyStarted
	case m.track == nil:
		return fmt.Errorf("no track added")
	}
	m.started = true
	return nil
}

// Stats returns counters for the data written so far.
func (m *FMP4) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Bytes = m.out.Len()
	return s
}

// Finalize writes the last fragment and returns the complete file.
func (m *FMP4) Finalize() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.finalized:
		return nil, ErrFinalized
	case !m.started:
		return nil, ErrNotStarted
	case m.track.state != TrackInitialized:
		return nil, ErrNoSamples
	}

	t := m.track
	if t.held != nil {
		t.held.Duration = t.ticksFor(t.heldDur)
		t.samples = append(t.samples, t.held)
		t.held = nil
	}
	if err := m.writePart(t); err != nil {
		return nil, err
	}

	m.finalized = true
	log.Debug("Finalized: %d samples in %d fragments, %d bytes", m.stats.Samples, m.stats.Fragments, m.out.Len())
	return append([]byte(nil), m.out.Bytes()...), nil
}

func (m *FMP4) writeInit(t *fmp4Track) error {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        t.id,
			TimeScale: Timescale,
			Codec: &mp4.CodecH264{
				SPS: t.config.SPS,
				PPS: t.config.PPS,
			},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	m.out.Write(buf.Bytes())
	return nil
}

func (m *FMP4) writePart(t *fmp4Track) error {
	if len(t.samples) == 0 {
		return nil
	}

	m.sequence++
	part := fmp4.Part{
		SequenceNumber: m.sequence,
		Tracks: []*fmp4.PartTrack{{
			ID:       t.id,
			BaseTime: t.partBase,
			Samples:  t.samples,
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal fragment %d: %w", m.sequence, err)
	}
	m.out.Write(buf.Bytes())

	var ticks uint64
	for _, s := range t.samples {
		ticks += uint64(s.Duration)
	}
	t.partBase += ticks
	m.stats.Fragments++
	m.stats.Samples += len(t.samples)
	m.stats.Duration = ticksToDuration(t.partBase)
	t.samples = t.samples[:0:0]
	return nil
}

func (t *fmp4Track) State() TrackState {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.state
}

// Add appends a chunk. The first chunk must carry config and moves the
// track to TrackInitialized; that transition happens once.
func (t *fmp4Track) Add(chunk av.EncodedChunk, config *av.TrackConfig) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.finalized:
		return ErrFinalized
	case !m.started:
		return ErrNotStarted
	}

	switch t.state {
	case TrackUninitialized:
		if config == nil {
			return ErrTrackUninitialized
		}
		if err := t.initialize(*config, chunk); err != nil {
			return err
		}
	case TrackInitialized:
		if config != nil {
			return ErrTrackAlreadyInitialized
		}
	}

	at := t.ticksSinceOrigin(chunk.Timestamp)
	if t.held != nil {
		if at < t.heldAt {
			return fmt.Errorf("%w: %v after %v", ErrTimestampOrder, chunk.Timestamp, t.origin+ticksToDuration(t.heldAt))
		}
		// A repeated timestamp gets one tick so no sample has zero duration.
		if at == t.heldAt {
			log.Debug("Track %d: repeated timestamp %v shifted by one tick", t.id, chunk.Timestamp)
			at++
		}
		t.held.Duration = uint32(at - t.heldAt)
		t.samples = append(t.samples, t.held)
	}

	if chunk.Type == av.ChunkKey && len(t.samples) > 0 {
		if err := m.writePart(t); err != nil {
			return err
		}
	}

	t.held = &fmp4.Sample{
		IsNonSyncSample: chunk.Type != av.ChunkKey,
		Payload:         chunk.Data,
	}
	t.heldAt = at
	t.heldDur = chunk.Duration
	return nil
}

func (t *fmp4Track) initialize(config av.TrackConfig, first av.EncodedChunk) error {
	if !config.IsH264() || len(config.SPS) == 0 || len(config.PPS) == 0 {
		return fmt.Errorf("%w: track config %q without parameter sets", ErrUnsupportedCodec, config.Codec)
	}
	if first.Type != av.ChunkKey {
		log.Warn("First chunk is not a key frame; output may not start cleanly")
	}

	t.config = config
	t.origin = first.Timestamp
	if err := t.m.writeInit(t); err != nil {
		return err
	}
	t.state = TrackInitialized
	log.Debug("Track %d initialized: %s %dx%d", t.id, config.Codec, config.Width, config.Height)
	return nil
}

// ticksSinceOrigin rounds from the cumulative time so per-sample rounding
// never drifts.
func (t *fmp4Track) ticksSinceOrigin(ts time.Duration) uint64 {
	d := ts - t.origin
	if d < 0 {
		return 0
	}
	return durationToTicks(d)
}

func (t *fmp4Track) ticksFor(d time.Duration) uint32 {
	if d <= 0 && len(t.samples) > 0 {
		return t.samples[len(t.samples)-1].Duration
	}
	if d <= 0 {
		return uint32(Timescale / 30)
	}
	return uint32(durationToTicks(d))
}

func durationToTicks(d time.Duration) uint64 {
	sec := uint64(d / time.Second)
	rem := uint64(d % time.Second)
	return sec*Timescale + (rem*Timescale+uint64(time.Second)/2)/uint64(time.Second)
}

func ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks/Timescale)*time.Second + time.Duration(ticks%Timescale)*time.Second/Timescale
}

func isH264(codec string) bool {
	c := strings.ToLower(codec)
	return c == "h264" || strings.HasPrefix(c, "avc1") || strings.HasPrefix(c, "avc3")
}
