// Package main provides the entry point for the video overlay service.
//
// The service burns text overlays into MP4 videos. Each job streams one
// source through demux, decode, overlay, encode and fragmented MP4 mux
// stages, with at most a few frames in flight, and stores the result in
// a content-addressed output cache.
//
// # Application Lifecycle
//
//  1. Memory Configuration: Sets GOMEMLIMIT from MEMORY_LIMIT
//  2. Configuration Loading: Reads environment variables and validates directories
//  3. Database Initialization: Opens the SQLite job history
//  4. Component Initialization:
//     - Memory Monitor: Delays job starts under memory pressure
//     - FFmpeg codec: Decoder and encoder processes per job
//     - Job Manager: Bounded concurrent pipeline runs and output cache
//     - Previewer: libvips initialization for preview stills
//     - Metrics Collector: Gathers job and cache gauges
//  5. HTTP Server Setup: Configures routes, middleware, and starts server
//  6. Graceful Shutdown: Handles SIGINT/SIGTERM, stops all components cleanly
//
// # HTTP Server
//
// The application runs two HTTP servers:
//
//  1. Main Server (default port 8080): the jobs, preview and probe API
//  2. Metrics Server (default port 9090, optional): /metrics and /health
//
// # Graceful Shutdown
//
// On SIGINT or SIGTERM the service stops accepting requests, cancels
// running jobs and waits for their codec processes to exit, then closes
// the database. Jobs cancelled this way are recorded as cancelled.
//
// # Build Requirements
//
// CGO is required for SQLite and libvips; ffmpeg must be on PATH or set
// with FFMPEG_PATH at runtime.
package main
