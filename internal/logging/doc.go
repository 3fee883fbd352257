// Package logging provides leveled logging for the video overlay service,
// its CLI, and the transcode pipeline.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information (per-batch and per-chunk events)
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//   - FATAL: Fatal errors that terminate the application
//
// The log level is configured via the LOG_LEVEL environment variable, or
// forced to debug with DEBUG=true. Component loggers add a "[name]" tag so
// concurrent pipeline runs can be told apart:
//
//	log := logging.Component("pipeline").With("job", id)
//	log.Info("state %s -> %s", from, to)
package logging
