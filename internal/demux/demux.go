// Package demux splits a container byte stream into per-track compressed
// packets and exposes the track metadata a decoder needs.
package demux

import (
	"context"
	"errors"
	"time"

	"video-overlay/internal/av"
	"video-overlay/internal/source"
)

var (
	// ErrUnsupportedContainer is returned when the source is not a readable container.
	ErrUnsupportedContainer = errors.New("unsupported container format")
	// ErrUnknownTrack is returned when a track does not belong to the container.
	ErrUnknownTrack = errors.New("track does not belong to this container")
)

// Track describes one elementary stream inside a container.
type Track struct {
	ID        uint32
	Kind      av.MediaKind
	Codec     string
	Width     int
	Height    int
	Timescale uint32
	Duration  time.Duration
}

// PacketStats summarizes the packets of a track.
type PacketStats struct {
	PacketCount       int
	Duration          time.Duration
	AveragePacketRate float64 // packets per second
	AverageBitrate    float64 // bits per second
}

// PacketReader yields packets in stream order. Next returns io.EOF once the
// track is exhausted. A reader is forward-only and cannot be restarted.
type PacketReader interface {
	Next(ctx context.Context) (*av.Packet, error)
}

// Container is an opened source.
type Container interface {
	Tracks() []*Track
	PrimaryTrack(kind av.MediaKind) (*Track, bool)
	Packets(track *Track) (PacketReader, error)
	DecoderConfig(track *Track) (*av.TrackConfig, bool)
	PacketStats(track *Track) PacketStats
}

// Opener opens a container from a source.
type Opener interface {
	Open(ctx context.Context, src *source.Source) (Container, error)
}

// statsFromSizes computes PacketStats from sample sizes and total duration.
func statsFromSizes(count int, totalBytes int64, duration time.Duration) PacketStats {
	stats := PacketStats{PacketCount: count, Duration: duration}
	if duration <= 0 {
		return stats
	}
	seconds := duration.Seconds()
	stats.AveragePacketRate = float64(count) / seconds
	stats.AverageBitrate = float64(totalBytes*8) / seconds
	return stats
}

// ticksToDuration converts a media-timescale value without overflowing for
// long tracks.
func ticksToDuration(ticks int64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	ts := int64(timescale)
	return time.Duration(ticks/ts)*time.Second + time.Duration(ticks%ts)*time.Second/time.Duration(ts)
}
