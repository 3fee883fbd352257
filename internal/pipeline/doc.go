// Package pipeline coordinates one transcode run: demux, decode, transform,
// encode and mux.
//
// The Coordinator owns a bounded batch buffer between the transform and
// the encoder. Frames are appended in arrival order and drained into the
// encoder whenever the buffer reaches Config.BatchSize; the final partial
// batch is drained after the decoder is flushed. Every frame has exactly
// one owner, and on failure or cancellation the Coordinator releases all
// frames it holds and closes both codecs before returning.
//
// Runs move through Idle, Configuring, Streaming, Draining and Finalizing
// to Complete, or to Failed from any non-terminal state. Failures are
// classified as *Error values whose Kind is one of the Err* sentinels.
package pipeline
