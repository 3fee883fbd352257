// Package jobs runs overlay transcodes in the background.
//
// A Manager accepts requests, assigns each a UUID, and runs at most
// Concurrency pipelines at a time; further jobs wait in the queued state.
// Before a run starts the manager waits for memory pressure to clear.
// Outputs are named by a BLAKE2b-256 hash of the source bytes and the
// overlay and encoder settings, so a repeated request completes at once
// from the existing file. Job state is mirrored to a Store for history
// across restarts.
package jobs
