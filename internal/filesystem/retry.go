package filesystem

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"video-overlay/internal/logging"
	"video-overlay/internal/metrics"
)

var log = logging.Component("filesystem")

// RetryConfig bounds the retries for one operation.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the retry policy used for media files.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

func isStale(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.ESTALE
}

// withRetry calls fn until it succeeds, fails with anything but ESTALE, or
// the retries run out.
func withRetry[T any](ctx context.Context, op, path string, config RetryConfig, fn func() (T, error)) (T, error) {
	backoff := config.InitialBackoff
	var zero T

	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			if attempt > 0 {
				log.Info("%s succeeded on retry %d for %s", op, attempt, path)
				metrics.FilesystemRetries.WithLabelValues(op, "success").Inc()
			}
			return v, nil
		}
		if !isStale(err) {
			return zero, err
		}

		metrics.FilesystemStaleErrors.WithLabelValues(op).Inc()
		if attempt >= config.MaxRetries {
			log.Warn("%s failed after %d retries for %s: %v", op, config.MaxRetries, path, err)
			metrics.FilesystemRetries.WithLabelValues(op, "failure").Inc()
			return zero, err
		}

		log.Debug("%s hit a stale file handle for %s, retrying in %v (attempt %d/%d)",
			op, path, backoff, attempt+1, config.MaxRetries)
		select {
		case <-ctx.Done():
			metrics.FilesystemRetries.WithLabelValues(op, "failure").Inc()
			return zero, err
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
}

// OpenWithRetry is os.Open with retries for stale file handles.
func OpenWithRetry(ctx context.Context, path string, config RetryConfig) (*os.File, error) {
	return withRetry(ctx, "open", path, config, func() (*os.File, error) {
		return os.Open(path)
	})
}

// StatWithRetry is os.Stat with retries for stale file handles.
func StatWithRetry(ctx context.Context, path string, config RetryConfig) (os.FileInfo, error) {
	return withRetry(ctx, "stat", path, config, func() (os.FileInfo, error) {
		return os.Stat(path)
	})
}
