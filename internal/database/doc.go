// Package database persists job history in SQLite.
//
// Each transcode job is a row in the jobs table holding its source
// reference, overlay options, state, progress counters, failure reason and
// output location. Rows survive restarts so finished outputs can be served
// and reused from the output cache; jobs interrupted by a restart are
// marked failed on startup.
//
// The database runs in WAL mode and initializes its schema on open.
package database
