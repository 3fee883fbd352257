// Package codec defines the decode and encode stages of the transcode
// pipeline and implements them on top of FFmpeg child processes.
//
// Both stages are asynchronous: Decode and Encode only submit work, and
// results arrive through callbacks registered when the instance is created.
// Flush is the barrier. It returns once every submitted packet or frame has
// produced its callback, and it ends the stream.
//
// The FFmpeg implementation exchanges Annex-B H.264 and raw RGBA with the
// ffmpeg binary over stdin/stdout. It needs ffmpeg 5.1 or newer built with
// libx264. Callbacks run on a per-instance reader goroutine.
package codec
