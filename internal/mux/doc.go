// Package mux packages encoded chunks into an output container.
//
// The only writer is FMP4, a fragmented MP4 muxer that buffers the whole
// file in memory. Its single track starts uninitialized; the first chunk
// must arrive together with the encoder's output configuration, which
// writes the init segment and moves the track to TrackInitialized.
package mux
