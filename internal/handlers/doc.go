// Package handlers provides the HTTP API of the overlay service.
//
// It includes handlers for:
//   - Submitting transcode jobs from a URL or an uploaded file
//   - Listing, inspecting and cancelling jobs
//   - Downloading finished outputs with range support
//   - Rendering JPEG previews of overlay options
//   - Health, readiness and version probes
package handlers
