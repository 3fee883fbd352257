// Package source opens the byte input of a transcode run: a local file or a
// remote URL fetched into memory.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"video-overlay/internal/filesystem"
	"video-overlay/internal/logging"
	"video-overlay/internal/metrics"
)

var (
	// ErrTooLarge is returned when a fetched body exceeds Options.MaxSize.
	ErrTooLarge = errors.New("source exceeds maximum size")
	// ErrEmpty is returned for zero-length inputs.
	ErrEmpty = errors.New("source is empty")
)

// Source is a finite, seekable input.
type Source struct {
	io.ReadSeeker
	Name string
	Size int64

	closer io.Closer
}

// Close releases the underlying file, if any.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// FromBytes wraps an in-memory buffer.
func FromBytes(name string, data []byte) *Source {
	return &Source{
		ReadSeeker: bytes.NewReader(data),
		Name:       name,
		Size:       int64(len(data)),
	}
}

// Options controls remote fetches.
type Options struct {
	Client  *http.Client
	Timeout time.Duration
	MaxSize int64
	Retry   RetryConfig
}

// RetryConfig configures retry behavior for remote fetches
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultOptions returns sensible defaults for fetching sources
func DefaultOptions() Options {
	return Options{
		Timeout: 2 * time.Minute,
		MaxSize: 2 << 30,
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     4 * time.Second,
		},
	}
}

// Opener opens sources by reference using fixed options.
type Opener struct {
	Options Options
}

// Open resolves ref as a URL when it has an http(s) scheme, otherwise as a path.
func (o Opener) Open(ctx context.Context, ref string) (*Source, error) {
	if IsURL(ref) {
		return Fetch(ctx, ref, o.Options)
	}
	return openFile(ctx, ref)
}

// IsURL reports whether ref looks like an http or https URL.
func IsURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// OpenFile opens a local file for reading.
func OpenFile(p string) (*Source, error) {
	return openFile(context.Background(), p)
}

func openFile(ctx context.Context, p string) (*Source, error) {
	f, err := filesystem.OpenWithRetry(ctx, p, filesystem.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat source file: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("source %s is a directory", p)
	}
	if info.Size() == 0 {
		_ = f.Close()
		return nil, ErrEmpty
	}

	return &Source{
		ReadSeeker: f,
		Name:       filepath.Base(p),
		Size:       info.Size(),
		closer:     f,
	}, nil
}

// Fetch downloads rawURL into memory, retrying transient failures.
func Fetch(ctx context.Context, rawURL string, opts Options) (*Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	start := time.Now()
	backoff := opts.Retry.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			logging.Debug("Retrying fetch of %s (attempt %d) after %v: %v", u.Redacted(), attempt, backoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > opts.Retry.MaxBackoff {
				backoff = opts.Retry.MaxBackoff
			}
		}

		data, retryable, err := fetchOnce(ctx, client, u, opts.MaxSize)
		if err == nil {
			metrics.SourceFetchTotal.WithLabelValues("success").Inc()
			metrics.SourceFetchDuration.Observe(time.Since(start).Seconds())
			metrics.SourceFetchBytes.Add(float64(len(data)))
			if attempt > 0 {
				logging.Info("Fetch of %s succeeded on retry %d", u.Redacted(), attempt)
			}
			return FromBytes(nameFromURL(u), data), nil
		}

		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
		metrics.SourceFetchRetries.Inc()
	}

	metrics.SourceFetchTotal.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("failed to fetch %s: %w", u.Redacted(), lastErr)
}

func fetchOnce(ctx context.Context, client *http.Client, u *url.URL, maxSize int64) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.Debug("failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("unexpected status %s", resp.Status)
	}

	if maxSize > 0 && resp.ContentLength > maxSize {
		return nil, false, ErrTooLarge
	}

	reader := io.Reader(resp.Body)
	if maxSize > 0 {
		reader = io.LimitReader(resp.Body, maxSize+1)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, true, err
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, false, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, false, ErrEmpty
	}
	return data, false, nil
}

func nameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return u.Host
	}
	return name
}
