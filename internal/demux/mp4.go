package demux

import (
	"context"
	"fmt"
	"io"
	"sync"

	"video-overlay/internal/av"
	"video-overlay/internal/logging"
	"video-overlay/internal/source"

	"github.com/abema/go-mp4"
)

// MP4 opens ISO BMFF files (.mp4, .mov, .m4v) with progressive sample tables.
type MP4 struct{}

type sampleEntry struct {
	offset   int64
	size     uint32
	dts      int64
	pts      int64
	duration uint32
	key      bool
}

type mp4Track struct {
	Track
	samples    []sampleEntry
	totalBytes int64
	config     *av.TrackConfig
}

type mp4Container struct {
	r      io.ReadSeeker
	mu     sync.Mutex
	tracks []*mp4Track
}

// trakBoxes holds the boxes go-mp4's probe does not surface.
type trakBoxes struct {
	handler [4]byte
	avcC    *mp4.AVCDecoderConfiguration
	sync    map[uint32]bool // 1-based sample numbers; nil means every sample is sync
}

// Open probes src and builds sample tables for every track.
func (MP4) Open(ctx context.Context, src *source.Source) (Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := mp4.Probe(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}

	extra, err := readTrakBoxes(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContainer, err)
	}

	c := &mp4Container{r: src}
	for _, t := range info.Tracks {
		track := buildTrack(t, extra[t.TrackID])
		logging.Debug("MP4 track %d: kind=%s codec=%s %dx%d samples=%d",
			track.ID, track.Kind, track.Codec, track.Width, track.Height, len(track.samples))
		c.tracks = append(c.tracks, track)
	}

	if len(c.tracks) == 0 {
		if len(info.Segments) > 0 {
			return nil, fmt.Errorf("%w: fragmented input without a progressive sample table", ErrUnsupportedContainer)
		}
		if info.MajorBrand == [4]byte{} {
			return nil, fmt.Errorf("%w: no ftyp or moov box", ErrUnsupportedContainer)
		}
	}
	return c, nil
}

func readTrakBoxes(r io.ReadSeeker) (map[uint32]trakBoxes, error) {
	traks, err := mp4.ExtractBox(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return nil, err
	}

	out := make(map[uint32]trakBoxes, len(traks))
	for _, trak := range traks {
		boxes, err := mp4.ExtractBoxesWithPayload(r, trak, []mp4.BoxPath{
			{mp4.BoxTypeTkhd()},
			{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()},
			{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd(), mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC()},
			{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStss()},
		})
		if err != nil {
			return nil, err
		}

		var id uint32
		var tb trakBoxes
		for _, b := range boxes {
			switch p := b.Payload.(type) {
			case *mp4.Tkhd:
				id = p.TrackID
			case *mp4.Hdlr:
				tb.handler = p.HandlerType
			case *mp4.AVCDecoderConfiguration:
				tb.avcC = p
			case *mp4.Stss:
				tb.sync = make(map[uint32]bool, len(p.SampleNumber))
				for _, n := range p.SampleNumber {
					tb.sync[n] = true
				}
			}
		}
		out[id] = tb
	}
	return out, nil
}

func buildTrack(t *mp4.Track, boxes trakBoxes) *mp4Track {
	track := &mp4Track{
		Track: Track{
			ID:        t.TrackID,
			Timescale: t.Timescale,
			Duration:  ticksToDuration(int64(t.Duration), t.Timescale),
		},
	}

	switch string(boxes.handler[:]) {
	case "vide":
		track.Kind = av.KindVideo
	case "soun":
		track.Kind = av.KindAudio
	}

	switch t.Codec {
	case mp4.CodecAVC1:
		track.Kind = av.KindVideo
		track.Codec = "avc1"
		if t.AVC != nil {
			track.Codec = fmt.Sprintf("avc1.%02X%02X%02X", t.AVC.Profile, t.AVC.ProfileCompatibility, t.AVC.Level)
			track.Width = int(t.AVC.Width)
			track.Height = int(t.AVC.Height)
		}
	case mp4.CodecMP4A:
		track.Kind = av.KindAudio
		track.Codec = "mp4a"
	default:
		track.Codec = "unknown"
	}

	if boxes.avcC != nil && len(boxes.avcC.SequenceParameterSets) > 0 && len(boxes.avcC.PictureParameterSets) > 0 {
		sps := boxes.avcC.SequenceParameterSets[0].NALUnit
		pps := boxes.avcC.PictureParameterSets[0].NALUnit
		if cfg, err := av.H264Config(sps, pps); err == nil {
			if cfg.Width == 0 || cfg.Height == 0 {
				cfg.Width, cfg.Height = track.Width, track.Height
			}
			track.config = &cfg
			track.Width, track.Height = cfg.Width, cfg.Height
		} else {
			logging.Warn("Track %d: unreadable SPS, falling back to sample entry dimensions: %v", t.TrackID, err)
			track.config = &av.TrackConfig{
				Codec:       track.Codec,
				Width:       track.Width,
				Height:      track.Height,
				Description: av.AVCDecoderConfigurationRecord(sps, pps),
				SPS:         append([]byte(nil), sps...),
				PPS:         append([]byte(nil), pps...),
			}
		}
	}

	track.samples, track.totalBytes = buildSamples(t, boxes.sync)
	return track
}

func buildSamples(t *mp4.Track, sync map[uint32]bool) ([]sampleEntry, int64) {
	samples := make([]sampleEntry, 0, len(t.Samples))

	// A leading edit shifts media time so presentation starts at zero.
	var shift int64
	if len(t.EditList) > 0 && t.EditList[0].MediaTime > 0 {
		shift = t.EditList[0].MediaTime
	}

	var dts int64
	var total int64
	si := 0
	for _, chunk := range t.Chunks {
		offset := int64(chunk.DataOffset)
		for i := uint32(0); i < chunk.SamplesPerChunk && si < len(t.Samples); i++ {
			s := t.Samples[si]
			samples = append(samples, sampleEntry{
				offset:   offset,
				size:     s.Size,
				dts:      dts - shift,
				pts:      dts + s.CompositionTimeOffset - shift,
				duration: s.TimeDelta,
				key:      sync == nil || sync[uint32(si+1)],
			})
			offset += int64(s.Size)
			total += int64(s.Size)
			dts += int64(s.TimeDelta)
			si++
		}
	}
	return samples, total
}

func (c *mp4Container) Tracks() []*Track {
	out := make([]*Track, len(c.tracks))
	for i, t := range c.tracks {
		out[i] = &t.Track
	}
	return out
}

// PrimaryTrack returns the first track of the given kind that has samples.
func (c *mp4Container) PrimaryTrack(kind av.MediaKind) (*Track, bool) {
	for _, t := range c.tracks {
		if t.Kind == kind && len(t.samples) > 0 {
			return &t.Track, true
		}
	}
	return nil, false
}

func (c *mp4Container) lookup(track *Track) (*mp4Track, error) {
	for _, t := range c.tracks {
		if &t.Track == track {
			return t, nil
		}
	}
	return nil, ErrUnknownTrack
}

func (c *mp4Container) DecoderConfig(track *Track) (*av.TrackConfig, bool) {
	t, err := c.lookup(track)
	if err != nil || t.config == nil {
		return nil, false
	}
	cfg := *t.config
	return &cfg, true
}

func (c *mp4Container) PacketStats(track *Track) PacketStats {
	t, err := c.lookup(track)
	if err != nil {
		return PacketStats{}
	}
	var ticks int64
	for _, s := range t.samples {
		ticks += int64(s.duration)
	}
	return statsFromSizes(len(t.samples), t.totalBytes, ticksToDuration(ticks, t.Timescale))
}

func (c *mp4Container) Packets(track *Track) (PacketReader, error) {
	t, err := c.lookup(track)
	if err != nil {
		return nil, err
	}
	return &mp4PacketReader{container: c, track: t}, nil
}

type mp4PacketReader struct {
	container *mp4Container
	track     *mp4Track
	next      int
}

func (r *mp4PacketReader) Next(ctx context.Context) (*av.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.next >= len(r.track.samples) {
		return nil, io.EOF
	}

	s := r.track.samples[r.next]
	r.next++

	data := make([]byte, s.size)
	r.container.mu.Lock()
	_, err := r.container.r.Seek(s.offset, io.SeekStart)
	if err == nil {
		_, err = io.ReadFull(r.container.r, data)
	}
	r.container.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read sample %d of track %d: %w", r.next-1, r.track.ID, err)
	}

	ts := r.track.Timescale
	return &av.Packet{
		TrackID:         r.track.ID,
		Timestamp:       ticksToDuration(s.pts, ts),
		DecodeTimestamp: ticksToDuration(s.dts, ts),
		Duration:        ticksToDuration(int64(s.duration), ts),
		KeyFrame:        s.key,
		Data:            data,
	}, nil
}
