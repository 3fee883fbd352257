// Package media renders overlay previews as JPEG stills.
//
// A preview is drawn with the same overlay.Text used by transcode jobs,
// onto either an uploaded image or the first decoded frame of a video
// source. JPEG export goes through libvips when it has been started with
// [InitVips] and falls back to the imaging encoder otherwise.
package media
