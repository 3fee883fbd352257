package mux

import (
	"errors"
	"time"

	"video-overlay/internal/av"
)

var (
	// ErrTrackUninitialized is returned when a chunk arrives without the
	// track configuration before the track was initialized.
	ErrTrackUninitialized = errors.New("track not initialized: first chunk must carry the track config")
	// ErrTrackAlreadyInitialized is returned when a track config is supplied
	// a second time.
	ErrTrackAlreadyInitialized = errors.New("track already initialized")
	// ErrUnsupportedCodec is returned for codecs the muxer cannot write.
	ErrUnsupportedCodec = errors.New("unsupported codec")
	// ErrTrackExists is returned when a second track is added.
	ErrTrackExists = errors.New("muxer already has a track")
	// ErrNotStarted is returned when chunks arrive before Start.
	ErrNotStarted = errors.New("muxer not started")
	// ErrAlreadyStarted is returned when tracks are added after Start.
	ErrAlreadyStarted = errors.New("muxer already started")
	// ErrFinalized is returned for any use after Finalize.
	ErrFinalized = errors.New("muxer finalized")
	// ErrNoSamples is returned when Finalize is called with nothing written.
	ErrNoSamples = errors.New("no samples written")
	// ErrTimestampOrder is returned when a chunk timestamp goes backwards.
	ErrTimestampOrder = errors.New("chunk timestamps must not decrease")
)

// TrackState is the lifecycle of an output track.
type TrackState int

const (
	// TrackUninitialized accepts only a first chunk paired with its config.
	TrackUninitialized TrackState = iota
	// TrackInitialized accepts chunks without a config.
	TrackInitialized
)

func (s TrackState) String() string {
	if s == TrackInitialized {
		return "initialized"
	}
	return "uninitialized"
}

// TrackSink receives encoded chunks for one track in arrival order.
// The first call must pass the output track config; later calls pass nil.
// Timestamps must not decrease; a repeated timestamp is shifted by one tick.
type TrackSink interface {
	Add(chunk av.EncodedChunk, config *av.TrackConfig) error
	State() TrackState
}

// Muxer packages chunks into a container held in memory.
type Muxer interface {
	AddTrack(codec string) (TrackSink, error)
	Start() error
	Finalize() ([]byte, error)
}

// Stats describes what a muxer has written so far.
type Stats struct {
	Samples   int
	Fragments int
	Bytes     int
	Duration  time.Duration
}
