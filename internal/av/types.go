package av

import (
	"bytes"
	"time"
)

// MediaKind identifies the type of a container track.
type MediaKind string

const (
	// KindVideo is a video track.
	KindVideo MediaKind = "video"
	// KindAudio is an audio track.
	KindAudio MediaKind = "audio"
)

// Packet is a compressed media unit read from a container. For H.264 the
// payload is in AVCC form (length-prefixed NAL units).
type Packet struct {
	TrackID         uint32
	Timestamp       time.Duration // presentation time
	DecodeTimestamp time.Duration
	Duration        time.Duration
	KeyFrame        bool
	Data            []byte
}

// ChunkType marks an encoded chunk as a key frame or a delta frame.
type ChunkType int

const (
	// ChunkDelta depends on earlier chunks.
	ChunkDelta ChunkType = iota
	// ChunkKey can be decoded on its own.
	ChunkKey
)

func (t ChunkType) String() string {
	if t == ChunkKey {
		return "key"
	}
	return "delta"
}

// EncodedChunk is one compressed frame produced by an encoder. H.264 chunks
// carry AVCC payloads with parameter sets removed; those live in the
// TrackConfig instead.
type EncodedChunk struct {
	Timestamp time.Duration
	Duration  time.Duration
	Type      ChunkType
	Data      []byte
}

// TrackConfig describes a video track: codec string, dimensions and the
// container decoder configuration.
type TrackConfig struct {
	Codec       string
	Width       int
	Height      int
	Description []byte

	// H.264 parameter sets, when known.
	SPS []byte
	PPS []byte
}

// Equal reports whether two configurations describe the same stream.
func (c TrackConfig) Equal(o TrackConfig) bool {
	return c.Codec == o.Codec &&
		c.Width == o.Width &&
		c.Height == o.Height &&
		bytes.Equal(c.Description, o.Description) &&
		bytes.Equal(c.SPS, o.SPS) &&
		bytes.Equal(c.PPS, o.PPS)
}

// IsH264 reports whether the codec string names an AVC stream.
func (c TrackConfig) IsH264() bool {
	return len(c.Codec) >= 4 && (c.Codec[:4] == "avc1" || c.Codec[:4] == "avc3")
}
